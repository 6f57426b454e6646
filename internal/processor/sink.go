package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bmxtiming/timingcore/internal/broker"
	"github.com/bmxtiming/timingcore/internal/metrics"
	"github.com/bmxtiming/timingcore/internal/model"
)

// BrokerSink publishes derived events, snapshots, and dead letters to the
// JetStream subjects of §6, satisfying Sink.
type BrokerSink struct {
	Client *broker.Client
}

func (s *BrokerSink) PublishDerived(ctx context.Context, trackID string, event model.DerivedEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("processor: marshal derived event: %w", err)
	}
	return s.Client.PublishWithID(ctx, broker.DerivedSubject(trackID), event.EventID, data)
}

func (s *BrokerSink) PublishSnapshot(ctx context.Context, trackID, eventID string, state model.RaceState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("processor: marshal snapshot: %w", err)
	}
	return s.Client.PublishSnapshot(ctx, broker.SnapshotSubject(trackID, eventID), data)
}

func (s *BrokerSink) PublishDeadLetter(ctx context.Context, source string, env model.Envelope, reason string) error {
	wrapped := struct {
		Reason   string         `json:"reason"`
		Envelope model.Envelope `json:"envelope"`
	}{Reason: reason, Envelope: env}
	data, err := json.Marshal(wrapped)
	if err != nil {
		return fmt.Errorf("processor: marshal dead letter: %w", err)
	}
	metrics.DLQRate.WithLabelValues(source).Inc()
	return s.Client.PublishDeadLetter(ctx, source, data)
}
