package codec

import (
	"encoding/binary"

	"github.com/bmxtiming/timingcore/internal/model"
)

// tlv is one decoded tag/length/value triple from a message body, prior to
// interpretation against a specific message schema.
type tlv struct {
	tag   byte
	value []byte
}

// decodeTLV walks a flat TLV byte sequence: [tag(1)][len(1)][value(len)]...
func decodeTLV(body []byte) ([]tlv, error) {
	var out []tlv
	i := 0
	for i < len(body) {
		if i+2 > len(body) {
			return nil, newErr(MalformedTLV, "truncated tag header at offset %d", i)
		}
		tag := body[i]
		length := int(body[i+1])
		i += 2
		if i+length > len(body) {
			return nil, newErr(MalformedTLV, "tag %d declares length %d past end of body", tag, length)
		}
		out = append(out, tlv{tag: tag, value: body[i : i+length]})
		i += length
	}
	return out, nil
}

func appendTLV(dst []byte, tag byte, value []byte) []byte {
	if len(value) > 0xFF {
		panic("codec: TLV value exceeds 1-byte length field")
	}
	dst = append(dst, tag, byte(len(value)))
	dst = append(dst, value...)
	return dst
}

func u32bytes(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func u64bytes(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func u16bytes(v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return b[:]
}

// Tag assignments for PASSING. These are this codec's own schema; the wire
// format does not mandate particular tag numbers beyond what the decoder
// firmware and this codec agree on.
const (
	tagPassingTransponderID  uint8 = 0x01
	tagPassingNumber         uint8 = 0x02
	tagPassingRTCTimeUS      uint8 = 0x03
	tagPassingFlags          uint8 = 0x04
	tagPassingStrength       uint8 = 0x05
	tagPassingHits           uint8 = 0x06
	tagPassingTransponderStr uint8 = 0x07
	tagPassingDecoderID      uint8 = 0x08
)

func decodePassing(fields []tlv) (*Message, error) {
	p := &model.Passing{}
	var unknown []TLVField
	for _, f := range fields {
		switch f.tag {
		case tagPassingTransponderID:
			if len(f.value) != 4 {
				return nil, newErr(MalformedTLV, "transponder_id must be 4 bytes")
			}
			p.TransponderID = binary.LittleEndian.Uint32(f.value)
		case tagPassingNumber:
			if len(f.value) != 4 {
				return nil, newErr(MalformedTLV, "passing_number must be 4 bytes")
			}
			p.PassingNumber = binary.LittleEndian.Uint32(f.value)
		case tagPassingRTCTimeUS:
			if len(f.value) != 8 {
				return nil, newErr(MalformedTLV, "rtc_time_us must be 8 bytes")
			}
			p.RTCTimeUS = binary.LittleEndian.Uint64(f.value)
		case tagPassingFlags:
			if len(f.value) != 2 {
				return nil, newErr(MalformedTLV, "flags must be 2 bytes")
			}
			p.Flags = binary.LittleEndian.Uint16(f.value)
		case tagPassingStrength:
			if len(f.value) != 1 {
				return nil, newErr(MalformedTLV, "strength must be 1 byte")
			}
			v := f.value[0]
			p.Strength = &v
		case tagPassingHits:
			if len(f.value) != 1 {
				return nil, newErr(MalformedTLV, "hits must be 1 byte")
			}
			v := f.value[0]
			p.Hits = &v
		case tagPassingTransponderStr:
			p.TransponderString = string(f.value)
		case tagPassingDecoderID:
			p.DecoderID = string(f.value)
		default:
			unknown = append(unknown, TLVField{Tag: f.tag, Value: f.value})
		}
	}
	return &Message{Type: MessageTypePassingWire, Passing: p, UnknownTLVs: unknown}, nil
}

func encodePassing(p *model.Passing) []byte {
	var out []byte
	out = appendTLV(out, tagPassingTransponderID, u32bytes(p.TransponderID))
	out = appendTLV(out, tagPassingNumber, u32bytes(p.PassingNumber))
	out = appendTLV(out, tagPassingRTCTimeUS, u64bytes(p.RTCTimeUS))
	out = appendTLV(out, tagPassingFlags, u16bytes(p.Flags))
	if p.Strength != nil {
		out = appendTLV(out, tagPassingStrength, []byte{*p.Strength})
	}
	if p.Hits != nil {
		out = appendTLV(out, tagPassingHits, []byte{*p.Hits})
	}
	if p.TransponderString != "" {
		out = appendTLV(out, tagPassingTransponderStr, []byte(p.TransponderString))
	}
	out = appendTLV(out, tagPassingDecoderID, []byte(p.DecoderID))
	return out
}

const (
	tagStatusNoise      uint8 = 0x01
	tagStatusGPSStatus  uint8 = 0x02
	tagStatusTempDC     uint8 = 0x03
	tagStatusSatellites uint8 = 0x04
	tagStatusDecoderID  uint8 = 0x05
)

func decodeStatus(fields []tlv) (*Message, error) {
	s := &model.Status{}
	var unknown []TLVField
	for _, f := range fields {
		switch f.tag {
		case tagStatusNoise:
			if len(f.value) != 1 {
				return nil, newErr(MalformedTLV, "noise must be 1 byte")
			}
			s.Noise = f.value[0]
		case tagStatusGPSStatus:
			if len(f.value) != 1 {
				return nil, newErr(MalformedTLV, "gps_status must be 1 byte")
			}
			s.GPSStatus = f.value[0]
		case tagStatusTempDC:
			if len(f.value) != 2 {
				return nil, newErr(MalformedTLV, "temperature_dc must be 2 bytes")
			}
			s.TemperatureDC = int16(binary.LittleEndian.Uint16(f.value))
		case tagStatusSatellites:
			if len(f.value) != 1 {
				return nil, newErr(MalformedTLV, "satellites must be 1 byte")
			}
			s.Satellites = f.value[0]
		case tagStatusDecoderID:
			s.DecoderID = string(f.value)
		default:
			unknown = append(unknown, TLVField{Tag: f.tag, Value: f.value})
		}
	}
	return &Message{Type: MessageTypeStatusWire, Status: s, UnknownTLVs: unknown}, nil
}

func encodeStatus(s *model.Status) []byte {
	var out []byte
	out = appendTLV(out, tagStatusNoise, []byte{s.Noise})
	out = appendTLV(out, tagStatusGPSStatus, []byte{s.GPSStatus})
	out = appendTLV(out, tagStatusTempDC, u16bytes(uint16(s.TemperatureDC)))
	out = appendTLV(out, tagStatusSatellites, []byte{s.Satellites})
	out = appendTLV(out, tagStatusDecoderID, []byte(s.DecoderID))
	return out
}

const (
	tagVersionDecoderID   uint8 = 0x01
	tagVersionDescription uint8 = 0x02
	tagVersionString      uint8 = 0x03
	tagVersionBuildNumber uint8 = 0x04
)

func decodeVersion(fields []tlv) (*Message, error) {
	v := &model.Version{}
	var unknown []TLVField
	for _, f := range fields {
		switch f.tag {
		case tagVersionDecoderID:
			v.DecoderID = string(f.value)
		case tagVersionDescription:
			v.Description = string(f.value)
		case tagVersionString:
			v.VersionStr = string(f.value)
		case tagVersionBuildNumber:
			if len(f.value) != 4 {
				return nil, newErr(MalformedTLV, "build_number must be 4 bytes")
			}
			n := binary.LittleEndian.Uint32(f.value)
			v.BuildNumber = &n
		default:
			unknown = append(unknown, TLVField{Tag: f.tag, Value: f.value})
		}
	}
	return &Message{Type: MessageTypeVersionWire, Version: v, UnknownTLVs: unknown}, nil
}

func encodeVersion(v *model.Version) []byte {
	var out []byte
	out = appendTLV(out, tagVersionDecoderID, []byte(v.DecoderID))
	out = appendTLV(out, tagVersionDescription, []byte(v.Description))
	out = appendTLV(out, tagVersionString, []byte(v.VersionStr))
	if v.BuildNumber != nil {
		out = appendTLV(out, tagVersionBuildNumber, u32bytes(*v.BuildNumber))
	}
	return out
}
