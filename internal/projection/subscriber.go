package projection

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bmxtiming/timingcore/internal/broker"
	"github.com/bmxtiming/timingcore/internal/model"
	"github.com/bmxtiming/timingcore/pkg/log"
)

// Run subscribes the Projector to every track's derived-event and raw
// subjects, applying each delivered message and acking only after a
// successful apply (redelivery on any other outcome, per §5).
func Run(client *broker.Client, p *Projector) error {
	if _, err := client.QueueSubscribe("timing.race.events.v1.*", "projection", func(subject string, data []byte) error {
		trackID := trackIDFromSubject(subject, 4)
		var ev model.DerivedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Warnf("projection: malformed derived event on %s: %v", subject, err)
			return nil
		}
		return p.Apply(trackID, ev, time.Now().UTC().UnixMicro())
	}); err != nil {
		return fmt.Errorf("projection: subscribe to derived events: %w", err)
	}

	if _, err := client.QueueSubscribe("timing.ingest.raw.v1.*", "projection-decoder-status", func(subject string, data []byte) error {
		trackID := trackIDFromSubject(subject, 4)
		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warnf("projection: malformed envelope on %s: %v", subject, err)
			return nil
		}
		if env.MessageType != model.MessageTypeStatus || env.Payload.Status == nil {
			return nil
		}
		return p.ApplyStatus(trackID, *env.Payload.Status, env.CapturedAtUS)
	}); err != nil {
		return fmt.Errorf("projection: subscribe to raw envelopes: %w", err)
	}

	return nil
}

// trackIDFromSubject extracts the trailing track_id segment from a
// dot-delimited subject with the given number of fixed leading segments.
func trackIDFromSubject(subject string, fixedSegments int) string {
	parts := strings.SplitN(subject, ".", fixedSegments+1)
	if len(parts) <= fixedSegments {
		return ""
	}
	return parts[fixedSegments]
}
