package codec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmxtiming/timingcore/internal/model"
	"github.com/bmxtiming/timingcore/pkg/codec"
)

func strength(v uint8) *uint8 { return &v }

func TestEncodeDecodePassingRoundTrip(t *testing.T) {
	m := &codec.Message{
		Type: model.MessageTypePassing,
		Passing: &model.Passing{
			PassingNumber: 42,
			TransponderID: 0x0102038C, // contains a protected byte in one position
			DecoderID:     "loop-1",
			RTCTimeUS:     1700000000000000,
			Strength:      strength(200),
			Flags:         0x8A8B, // exercise escaping on a multi-byte field too
		},
	}

	framed, err := codec.EncodeFrame(m)
	require.NoError(t, err)
	assert.Equal(t, codec.SOR, framed[0])
	assert.Equal(t, codec.EOR, framed[len(framed)-1])

	got, err := codec.DecodeFrame(framed[1 : len(framed)-1])
	require.NoError(t, err)
	assert.Equal(t, model.MessageTypePassing, got.Type)
	require.NotNil(t, got.Passing)
	assert.Equal(t, m.Passing.PassingNumber, got.Passing.PassingNumber)
	assert.Equal(t, m.Passing.TransponderID, got.Passing.TransponderID)
	assert.Equal(t, m.Passing.DecoderID, got.Passing.DecoderID)
	assert.Equal(t, m.Passing.RTCTimeUS, got.Passing.RTCTimeUS)
	require.NotNil(t, got.Passing.Strength)
	assert.Equal(t, *m.Passing.Strength, *got.Passing.Strength)
	assert.Equal(t, m.Passing.Flags, got.Passing.Flags)
}

func TestStatusRoundTrip(t *testing.T) {
	m := &codec.Message{
		Type: model.MessageTypeStatus,
		Status: &model.Status{
			Noise:         5,
			GPSStatus:     1,
			TemperatureDC: -125,
			Satellites:    8,
			DecoderID:     "loop-2",
		},
	}
	framed, err := codec.EncodeFrame(m)
	require.NoError(t, err)

	got, err := codec.DecodeFrame(framed[1 : len(framed)-1])
	require.NoError(t, err)
	assert.Equal(t, *m.Status, *got.Status)
}

func TestCrcCorruptionIsRejectedAndLocal(t *testing.T) {
	m := &codec.Message{
		Type: model.MessageTypeVersion,
		Version: &model.Version{
			DecoderID:   "loop-1",
			Description: "track-gateway",
			VersionStr:  "1.2.3",
		},
	}
	framed, err := codec.EncodeFrame(m)
	require.NoError(t, err)

	corrupted := append([]byte(nil), framed...)
	// Flip a bit inside the body, away from SOR/EOR, without touching escapes:
	// index 8 is the 'o' of the "loop-1" decoder id value, past the header.
	corrupted[8] ^= 0x01

	_, err = codec.DecodeFrame(corrupted[1 : len(corrupted)-1])
	require.Error(t, err)
	var decErr *codec.DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, codec.CrcMismatch, decErr.Kind)

	// A scanner recovers on the next well-formed frame in the stream.
	good, err := codec.EncodeFrame(m)
	require.NoError(t, err)

	s := codec.NewScanner()
	s.Feed(corrupted)
	s.Feed(good)

	_, err, ok := s.Next()
	require.True(t, ok)
	require.Error(t, err)

	msg, err, ok := s.Next()
	require.True(t, ok)
	require.NoError(t, err)
	require.NotNil(t, msg.Version)
	assert.Equal(t, "loop-1", msg.Version.DecoderID)
}

func TestTruncatedFrameIsRejected(t *testing.T) {
	_, err := codec.DecodeFrame([]byte{0x01, 0x00})
	require.Error(t, err)
	var decErr *codec.DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, codec.Truncated, decErr.Kind)
}

func TestUnknownMessageTypeIsRejectedOnEncode(t *testing.T) {
	m := &codec.Message{Type: model.MessageType(0x7F)}
	_, err := codec.EncodeFrame(m)
	require.Error(t, err)
	var decErr *codec.DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, codec.UnknownMessageType, decErr.Kind)
}

func TestScannerResyncsAfterGarbage(t *testing.T) {
	m := &codec.Message{
		Type:   model.MessageTypeStatus,
		Status: &model.Status{DecoderID: "loop-3"},
	}
	framed, err := codec.EncodeFrame(m)
	require.NoError(t, err)

	s := codec.NewScanner()
	s.Feed([]byte{0x00, 0x01, 0x02})
	s.Feed(framed)

	msg, err, ok := s.Next()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, "loop-3", msg.Status.DecoderID)

	_, _, ok = s.Next()
	assert.False(t, ok)
}
