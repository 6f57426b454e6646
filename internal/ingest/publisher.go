package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bmxtiming/timingcore/internal/broker"
	"github.com/bmxtiming/timingcore/internal/model"
)

// BrokerPublisher durably appends an ingested envelope to its track's raw
// subject, satisfying Publisher.
type BrokerPublisher struct {
	Client *broker.Client
}

func (p *BrokerPublisher) PublishRaw(ctx context.Context, env model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("ingest: marshal envelope: %w", err)
	}
	return p.Client.PublishWithID(ctx, broker.RawSubject(env.TrackID), env.IdempotencyKey(), data)
}
