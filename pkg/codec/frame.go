// Package codec implements the proprietary BMX transponder-decoder binary
// wire protocol: SOR/EOR framing with byte-stuffing escapes, a CRC-16-CCITT
// integrity check, and a TLV-encoded body carrying PASSING, STATUS and
// VERSION messages.
//
// Decoding is total: DecodeFrame never panics, it always returns either a
// Message or a DecodeError. A CrcMismatch or malformed frame is local to the
// byte stream and never halts it; callers resync on the next SOR.
//
// The framing and buffer helpers follow the little-endian, bytes.Buffer-based
// marshal/unmarshal style used for other racing telemetry wire protocols
// (e.g. ACC's broadcasting UDP protocol), adapted here to return a typed
// error instead of a bool.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bmxtiming/timingcore/internal/model"
)

type MessageType = model.MessageType

const (
	MessageTypePassingWire = model.MessageTypePassing
	MessageTypeStatusWire  = model.MessageTypeStatus
	MessageTypeVersionWire = model.MessageTypeVersion
)

// Reserved framing bytes. All three fall inside the protected range that
// must be escaped if it occurs naturally inside a message body.
const (
	SOR    byte = 0x8A
	EOR    byte = 0x8B
	ESCAPE byte = 0x8C
)

// ProtectedLo and ProtectedHi bound the byte range that must be escaped.
const (
	ProtectedLo byte = 0x8A
	ProtectedHi byte = 0x8F
)

// MessageVersion is the only wire-format version this codec decodes.
// Per the open design question on version handling, any other version
// value is rejected rather than guessed at.
const MessageVersion uint8 = 1

func isProtected(b byte) bool {
	return b >= ProtectedLo && b <= ProtectedHi
}

// ErrorKind enumerates the closed set of ways a frame can fail to decode.
type ErrorKind int

const (
	Truncated ErrorKind = iota + 1
	BadEscape
	CrcMismatch
	UnknownMessageType
	MalformedTLV
)

func (k ErrorKind) String() string {
	switch k {
	case Truncated:
		return "truncated"
	case BadEscape:
		return "bad_escape"
	case CrcMismatch:
		return "crc_mismatch"
	case UnknownMessageType:
		return "unknown_message_type"
	case MalformedTLV:
		return "malformed_tlv"
	default:
		return "unknown"
	}
}

// DecodeError is returned by DecodeFrame for any frame that cannot be
// interpreted. It is always one of the ErrorKind values above; byte-stream
// callers treat it as non-fatal and resync on the next SOR.
type DecodeError struct {
	Kind ErrorKind
	Msg  string
}

func (e *DecodeError) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func newErr(kind ErrorKind, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// unescape reverses byte-stuffing on the bytes strictly between an SOR and
// the matching EOR. It is an error for ESCAPE to be the final byte.
func unescape(body []byte) ([]byte, error) {
	out := make([]byte, 0, len(body))
	for i := 0; i < len(body); i++ {
		b := body[i]
		if b == ESCAPE {
			i++
			if i >= len(body) {
				return nil, newErr(BadEscape, "escape byte at end of frame")
			}
			out = append(out, body[i]^0x20)
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// escape applies byte-stuffing to every protected byte in body.
func escape(body []byte) []byte {
	out := make([]byte, 0, len(body))
	for _, b := range body {
		if isProtected(b) {
			out = append(out, ESCAPE, b^0x20)
		} else {
			out = append(out, b)
		}
	}
	return out
}

// crc16CCITT computes CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF) over
// data. No third-party library in the reference corpus covers this integrity
// check, so it is implemented directly against the standard library.
func crc16CCITT(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// Message is a fully decoded frame: exactly one of Passing/Status/Version is
// populated, selected by Type. UnknownTLVs preserves any tag not understood
// by this codec version, opaque and in original order, so that a decode of
// data containing only known tags round-trips exactly through Encode.
type Message struct {
	Type        MessageType
	Passing     *model.Passing
	Status      *model.Status
	Version     *model.Version
	UnknownTLVs []TLVField
}

// TLVField is one opaque, unrecognized tag preserved verbatim during decode.
type TLVField struct {
	Tag   byte
	Value []byte
}

// DecodeFrame decodes exactly one complete frame, i.e. the bytes strictly
// between (and not including) a leading SOR and its matching EOR. Use
// Scanner to pull such frames out of a continuous byte stream.
func DecodeFrame(framed []byte) (*Message, error) {
	unescaped, err := unescape(framed)
	if err != nil {
		return nil, err
	}

	const headerLen = 1 + 2 + 1 // version + length + msgtype
	if len(unescaped) < headerLen+2 {
		return nil, newErr(Truncated, "frame too short (%d bytes)", len(unescaped))
	}

	version := unescaped[0]
	if version != MessageVersion {
		return nil, newErr(MalformedTLV, "unsupported message version %d", version)
	}

	bodyLen := int(binary.LittleEndian.Uint16(unescaped[1:3]))
	msgType := MessageType(unescaped[3])

	if headerLen+bodyLen+2 > len(unescaped) {
		return nil, newErr(Truncated, "declared body length %d exceeds frame", bodyLen)
	}

	tlvBytes := unescaped[headerLen : headerLen+bodyLen]
	crcBytes := unescaped[headerLen+bodyLen : headerLen+bodyLen+2]

	wantCRC := binary.LittleEndian.Uint16(crcBytes)
	gotCRC := crc16CCITT(unescaped[:headerLen+bodyLen])
	if wantCRC != gotCRC {
		return nil, newErr(CrcMismatch, "want %04x got %04x", wantCRC, gotCRC)
	}

	fields, err := decodeTLV(tlvBytes)
	if err != nil {
		return nil, err
	}

	switch msgType {
	case MessageTypePassingWire:
		return decodePassing(fields)
	case MessageTypeStatusWire:
		return decodeStatus(fields)
	case MessageTypeVersionWire:
		return decodeVersion(fields)
	default:
		return nil, newErr(UnknownMessageType, "type %d", byte(msgType))
	}
}

// EncodeFrame produces the on-wire bytes (including SOR/EOR and escaping)
// for m. EncodeFrame(DecodeFrame(b)) round-trips for any b it can decode
// with only known tags, and DecodeFrame(EncodeFrame(m)) == m for any m with
// known tags populated.
func EncodeFrame(m *Message) ([]byte, error) {
	var tlv []byte
	var msgType MessageType
	switch m.Type {
	case MessageTypePassingWire:
		if m.Passing == nil {
			return nil, newErr(MalformedTLV, "PASSING message missing payload")
		}
		tlv = encodePassing(m.Passing)
		msgType = MessageTypePassingWire
	case MessageTypeStatusWire:
		if m.Status == nil {
			return nil, newErr(MalformedTLV, "STATUS message missing payload")
		}
		tlv = encodeStatus(m.Status)
		msgType = MessageTypeStatusWire
	case MessageTypeVersionWire:
		if m.Version == nil {
			return nil, newErr(MalformedTLV, "VERSION message missing payload")
		}
		tlv = encodeVersion(m.Version)
		msgType = MessageTypeVersionWire
	default:
		return nil, newErr(UnknownMessageType, "type %d", byte(m.Type))
	}

	var body bytes.Buffer
	body.WriteByte(MessageVersion)
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(tlv)))
	body.Write(lenBuf[:])
	body.WriteByte(byte(msgType))
	body.Write(tlv)

	crc := crc16CCITT(body.Bytes())
	var crcBuf [2]byte
	binary.LittleEndian.PutUint16(crcBuf[:], crc)
	body.Write(crcBuf[:])

	escaped := escape(body.Bytes())

	frame := make([]byte, 0, len(escaped)+2)
	frame = append(frame, SOR)
	frame = append(frame, escaped...)
	frame = append(frame, EOR)
	return frame, nil
}
