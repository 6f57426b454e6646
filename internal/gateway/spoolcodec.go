package gateway

import (
	"encoding/json"

	"github.com/bmxtiming/timingcore/internal/model"
)

// encodeEnvelopeForSpool/decodeEnvelopeFromSpool serialize an Envelope for
// storage inside a spool.Record's opaque payload field. JSON is sufficient
// here since the spool's own framing (length-prefixed Avro record) already
// provides the durability and boundary guarantees; this is just the
// envelope's in-memory representation round-tripped through disk.
func encodeEnvelopeForSpool(env model.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func decodeEnvelopeFromSpool(payload []byte) (model.Envelope, error) {
	var env model.Envelope
	err := json.Unmarshal(payload, &env)
	return env, err
}
