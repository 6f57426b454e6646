// Package spool implements the track gateway's local durable overflow
// buffer: while the upstream broker is unreachable, decoded envelopes are
// appended here in Avro-encoded form and drained in order on reconnect.
//
// The Avro record shape follows the field/schema struct style used by
// cc-backend's internal/avro (AvroField/AvroSchema as plain Go structs
// marshaled to the JSON schema goavro expects), adapted from that package's
// metric-checkpoint schema to a spool record of one pending outbound
// envelope.
package spool

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/linkedin/goavro/v2"

	"github.com/bmxtiming/timingcore/internal/model"
	"github.com/bmxtiming/timingcore/pkg/log"
)

// recordSchema is the Avro schema for one spooled envelope. Kind lets
// evictOldest prefer discarding STATUS records over other records on
// overflow, per §4.2.
const recordSchema = `{
	"type": "record",
	"name": "SpoolRecord",
	"fields": [
		{"name": "subject", "type": "string"},
		{"name": "msg_id", "type": "string"},
		{"name": "kind", "type": "string"},
		{"name": "payload", "type": "bytes"},
		{"name": "enqueued_at_us", "type": "long"}
	]
}`

// Record is one pending outbound envelope held in the spool.
type Record struct {
	Subject      string
	MsgID        string
	Kind         string // "STATUS", "PASSING" or "VERSION", mirrors model.MessageType.String()
	Payload      []byte
	EnqueuedAtUS int64
}

// Archiver uploads evicted segments to cold storage when configured (the S3
// overflow path named in SPEC_FULL.md's DOMAIN STACK). Implemented by
// S3Archiver in s3archive.go; nil means overflow just drops records.
type Archiver interface {
	Archive(ctx context.Context, trackID string, segment []Record) error
}

// Spool is a bounded, file-backed append log of pending envelopes for one
// track gateway process. It is safe for concurrent use.
type Spool struct {
	mu         sync.Mutex
	file       *os.File
	codec      *goavro.Codec
	maxRecords int
	archiver   Archiver
	trackID    string

	// offsets indexes each still-pending record's byte offset and length in
	// file, oldest first. Eviction on overflow removes from the front.
	offsets []segment
}

type segment struct {
	offset int64
	length int64
	kind   string
}

// Open opens (creating if absent) the spool file at dir/<trackID>.spool,
// bounded to maxRecords pending records.
func Open(dir, trackID string, maxRecords int, archiver Archiver) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("spool: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, trackID+".spool")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("spool: open %s: %w", path, err)
	}

	codec, err := goavro.NewCodec(recordSchema)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("spool: avro schema: %w", err)
	}

	s := &Spool{file: f, codec: codec, maxRecords: maxRecords, archiver: archiver, trackID: trackID}
	if err := s.reindex(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// reindex walks the on-disk file once at startup to rebuild the in-memory
// offset index, so a restarted gateway resumes draining where it left off.
func (s *Spool) reindex() error {
	if _, err := s.file.Seek(0, 0); err != nil {
		return err
	}
	var offset int64
	for {
		var lenBuf [4]byte
		n, err := s.file.ReadAt(lenBuf[:], offset)
		if n < 4 || err != nil {
			break
		}
		recLen := int64(binary.BigEndian.Uint32(lenBuf[:]))
		buf := make([]byte, recLen)
		if _, err := s.file.ReadAt(buf, offset+4); err != nil {
			break
		}
		native, _, err := s.codec.NativeFromBinary(buf)
		if err != nil {
			break
		}
		kind, _ := native.(map[string]interface{})["kind"].(string)
		s.offsets = append(s.offsets, segment{offset: offset, length: recLen, kind: kind})
		offset += 4 + recLen
	}
	return nil
}

// Append adds r to the end of the spool, first evicting one record as
// evictOldest chooses if the spool is at capacity.
func (s *Spool) Append(ctx context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.offsets) >= s.maxRecords {
		if err := s.evictOldest(ctx, s.trackID); err != nil {
			log.Warnf("spool: eviction failed: %v", err)
		}
	}

	native := map[string]interface{}{
		"subject":        r.Subject,
		"msg_id":         r.MsgID,
		"kind":           r.Kind,
		"payload":        r.Payload,
		"enqueued_at_us": r.EnqueuedAtUS,
	}
	bin, err := s.codec.BinaryFromNative(nil, native)
	if err != nil {
		return fmt.Errorf("spool: encode: %w", err)
	}

	end, err := s.file.Seek(0, os.SEEK_END)
	if err != nil {
		return fmt.Errorf("spool: seek end: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(bin)))
	if _, err := s.file.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("spool: write length: %w", err)
	}
	if _, err := s.file.Write(bin); err != nil {
		return fmt.Errorf("spool: write record: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("spool: fsync: %w", err)
	}

	s.offsets = append(s.offsets, segment{offset: end, length: int64(len(bin)), kind: r.Kind})
	return nil
}

// evictOldest drops the oldest STATUS record if one exists, otherwise the
// oldest record of any kind; the policy is fixed, not configurable. If an
// archiver is configured, the evicted record is handed off there first.
func (s *Spool) evictOldest(ctx context.Context, trackID string) error {
	idx := -1
	for i, seg := range s.offsets {
		if seg.kind == model.MessageTypeStatus.String() {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = 0
	}

	if s.archiver != nil {
		rec, err := s.readAt(s.offsets[idx])
		if err == nil {
			if archErr := s.archiver.Archive(ctx, trackID, []Record{rec}); archErr != nil {
				log.Warnf("spool: archive evicted record failed: %v", archErr)
			}
		}
	}

	s.offsets = append(s.offsets[:idx], s.offsets[idx+1:]...)
	return nil
}

func (s *Spool) readAt(seg segment) (Record, error) {
	buf := make([]byte, seg.length)
	if _, err := s.file.ReadAt(buf, seg.offset+4); err != nil {
		return Record{}, err
	}
	native, _, err := s.codec.NativeFromBinary(buf)
	if err != nil {
		return Record{}, err
	}
	m := native.(map[string]interface{})
	payload, _ := m["payload"].([]byte)
	return Record{
		Subject:      m["subject"].(string),
		MsgID:        m["msg_id"].(string),
		Kind:         m["kind"].(string),
		Payload:      payload,
		EnqueuedAtUS: m["enqueued_at_us"].(int64),
	}, nil
}

// Drain returns every currently pending record, oldest first, and clears
// the spool. Callers republish each record and only call Drain once the
// broker connection is healthy again.
func (s *Spool) Drain() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.offsets))
	for _, seg := range s.offsets {
		rec, err := s.readAt(seg)
		if err != nil {
			return out, fmt.Errorf("spool: read during drain: %w", err)
		}
		out = append(out, rec)
	}

	s.offsets = nil
	if err := s.file.Truncate(0); err != nil {
		return out, fmt.Errorf("spool: truncate after drain: %w", err)
	}
	if _, err := s.file.Seek(0, 0); err != nil {
		return out, fmt.Errorf("spool: seek after truncate: %w", err)
	}
	return out, nil
}

// Len reports the number of pending records.
func (s *Spool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offsets)
}

// Close closes the underlying spool file.
func (s *Spool) Close() error {
	return s.file.Close()
}
