package fanout

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseChannelsDefaultsToRace(t *testing.T) {
	got := parseChannels("")
	assert.Equal(t, map[string]bool{"race": true}, got)
}

func TestParseChannelsSplitsAndTrims(t *testing.T) {
	got := parseChannels("race, decoder ,,")
	assert.Equal(t, map[string]bool{"race": true, "decoder": true}, got)
}

func TestParseReplayMarker(t *testing.T) {
	assert.EqualValues(t, 42, parseReplayMarker("42"))
	assert.EqualValues(t, 0, parseReplayMarker(""))
	assert.EqualValues(t, 0, parseReplayMarker("not-a-number"))
}

func TestOutboundEnvelopeKinds(t *testing.T) {
	assert.Equal(t, EnvelopeKind("snapshot"), KindSnapshot)
	assert.Equal(t, EnvelopeKind("event"), KindEvent)
	assert.Equal(t, EnvelopeKind("heartbeat"), KindHeartbeat)
	assert.Equal(t, EnvelopeKind("error"), KindError)
}
