package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDecodeTLVOneByteLengthField is a literal byte fixture, not a round
// trip through appendTLV: the wire format is tag(1) | length(1) | value,
// and a regression back to a 2-byte length field would misparse this
// exact sequence (it would read the noise field's single value byte as
// half of a length, then desync on every following tag).
//
// Field values match scenario S1 (captured STATUS: noise=53,
// temperature=1.6C i.e. temperature_dc=16, gps_status=1, satellites=7).
func TestDecodeTLVOneByteLengthField(t *testing.T) {
	body := []byte{
		0x01, 0x01, 53, // tag=noise,       len=1, value=53
		0x02, 0x01, 1, // tag=gps_status,   len=1, value=1
		0x03, 0x02, 16, 0, // tag=temp_dc,      len=2, value=16 (LE)
		0x04, 0x01, 7, // tag=satellites,   len=1, value=7
		0x05, 0x05, 'd', 'e', 'c', '-', '1', // tag=decoder_id,   len=5, value="dec-1"
	}

	fields, err := decodeTLV(body)
	require.NoError(t, err)
	require.Len(t, fields, 5)

	assert.Equal(t, tagStatusNoise, fields[0].tag)
	assert.Equal(t, []byte{53}, fields[0].value)
	assert.Equal(t, tagStatusGPSStatus, fields[1].tag)
	assert.Equal(t, []byte{1}, fields[1].value)
	assert.Equal(t, tagStatusTempDC, fields[2].tag)
	assert.Equal(t, []byte{16, 0}, fields[2].value)
	assert.Equal(t, tagStatusSatellites, fields[3].tag)
	assert.Equal(t, []byte{7}, fields[3].value)
	assert.Equal(t, tagStatusDecoderID, fields[4].tag)
	assert.Equal(t, "dec-1", string(fields[4].value))

	msg, err := decodeStatus(fields)
	require.NoError(t, err)
	require.NotNil(t, msg.Status)
	assert.EqualValues(t, 53, msg.Status.Noise)
	assert.EqualValues(t, 1, msg.Status.GPSStatus)
	assert.EqualValues(t, 16, msg.Status.TemperatureDC)
	assert.EqualValues(t, 7, msg.Status.Satellites)
	assert.Equal(t, "dec-1", msg.Status.DecoderID)
}

// TestDecodeTLVRejectsTruncatedHeader guards the 1-byte-length header
// stride directly: a single trailing tag byte with no length byte must be
// reported as truncated rather than silently dropped.
func TestDecodeTLVRejectsTruncatedHeader(t *testing.T) {
	_, err := decodeTLV([]byte{0x01})
	assert.Error(t, err)
}

func TestAppendTLVUsesOneByteLength(t *testing.T) {
	got := appendTLV(nil, 0x05, []byte("dec-1"))
	assert.Equal(t, []byte{0x05, 0x05, 'd', 'e', 'c', '-', '1'}, got)
}
