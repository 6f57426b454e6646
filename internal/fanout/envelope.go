package fanout

// EnvelopeKind tags the {snapshot, event, heartbeat, error} union the
// subscription endpoint emits, per SPEC_FULL.md §4.6.
type EnvelopeKind string

const (
	KindSnapshot  EnvelopeKind = "snapshot"
	KindEvent     EnvelopeKind = "event"
	KindHeartbeat EnvelopeKind = "heartbeat"
	KindError     EnvelopeKind = "error"
)

// OutboundEnvelope is one JSON text message sent to a subscriber.
type OutboundEnvelope struct {
	Kind    EnvelopeKind `json:"kind"`
	Channel string       `json:"channel"`
	TrackID string       `json:"track_id"`
	EventID string       `json:"event_id,omitempty"`
	Seq     uint64       `json:"seq"`
	TSUS    int64        `json:"ts_us"`
	Payload interface{}  `json:"payload,omitempty"`
}
