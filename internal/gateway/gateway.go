// Package gateway reads a decoder's raw byte stream over TCP, decodes it
// into envelopes, and publishes them upstream with retry and local
// spooling on outage.
//
// The connect/reconnect/read loop follows the shape of
// toonknapen/accbroadcastingsdk's network.Client.ConnectAndRun: dial, read
// into a fixed buffer, dispatch decoded messages to handlers, and on any
// read/write error go back to the top of the loop and reconnect after a
// short sleep. Here the fixed read buffer feeds a framing-tolerant
// pkg/codec.Scanner instead of a single ACC UDP datagram per read.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/bmxtiming/timingcore/internal/metrics"
	"github.com/bmxtiming/timingcore/internal/model"
	"github.com/bmxtiming/timingcore/internal/spool"
	"github.com/bmxtiming/timingcore/pkg/codec"
	"github.com/bmxtiming/timingcore/pkg/log"
)

const readBufferSize = 32 * 1024

// Publisher is the upstream sink for a batch of envelopes. internal/gateway
// does not import internal/broker directly so it can be tested with a fake.
type Publisher interface {
	PublishEnvelope(ctx context.Context, env model.Envelope) error
}

// Gateway owns one decoder connection for one track client.
type Gateway struct {
	Address   string
	TrackID   string
	ClientID  string
	Publisher Publisher
	Spool     *spool.Spool

	bootID string
	seq    uint64
	seqMu  sync.Mutex
}

// NewGateway constructs a Gateway with a freshly generated, never-reused
// boot id, per §4.2.
func NewGateway(address, trackID, clientID string, publisher Publisher, sp *spool.Spool) *Gateway {
	return &Gateway{
		Address:   address,
		TrackID:   trackID,
		ClientID:  clientID,
		Publisher: publisher,
		Spool:     sp,
		bootID:    newBootID(),
	}
}

func newBootID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back to a
		// time-seeded id rather than panic the gateway process.
		return hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b[:])
}

func (g *Gateway) nextSeq() uint64 {
	g.seqMu.Lock()
	defer g.seqMu.Unlock()
	g.seq++
	return g.seq
}

// Run connects to the decoder and processes its byte stream until ctx is
// canceled, reconnecting with backoff on any connection error.
func (g *Gateway) Run(ctx context.Context) {
	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 10 * time.Second, Factor: 2}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := g.runOnce(ctx); err != nil {
			d := b.Duration()
			log.Warnf("gateway: connection to %s failed: %v, retrying in %s", g.Address, err, d)
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
			continue
		}
		b.Reset()
	}
}

func (g *Gateway) runOnce(ctx context.Context) error {
	conn, err := net.Dial("tcp", g.Address)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Infof("gateway: connected to decoder at %s (track %s, boot %s)", g.Address, g.TrackID, g.bootID)

	scanner := codec.NewScanner()
	buf := make([]byte, readBufferSize)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			return err
		}
		scanner.Feed(buf[:n])

		for {
			msg, decErr, ok := scanner.Next()
			if !ok {
				break
			}
			if decErr != nil {
				log.Warnf("gateway: decode error from %s: %v", g.Address, decErr)
				kind := "unknown"
				if de, ok := decErr.(*codec.DecodeError); ok {
					kind = de.Kind.String()
					if de.Kind == codec.CrcMismatch {
						metrics.CRCFaults.WithLabelValues(g.TrackID).Inc()
					}
				}
				metrics.DecodeErrors.WithLabelValues(g.TrackID, kind).Inc()
				continue
			}
			g.handleMessage(ctx, msg)
		}
	}
}

func (g *Gateway) handleMessage(ctx context.Context, msg *codec.Message) {
	env := model.Envelope{
		ContractVersion: "v1",
		TrackID:         g.TrackID,
		ClientID:        g.ClientID,
		BootID:          g.bootID,
		Seq:             g.nextSeq(),
		CapturedAtUS:    time.Now().UTC().UnixMicro(),
		MessageType:     msg.Type,
		Payload: model.RawPayload{
			Passing: msg.Passing,
			Status:  msg.Status,
			Version: msg.Version,
		},
	}
	env.EventID = env.IdempotencyKey()

	if err := g.Publisher.PublishEnvelope(ctx, env); err != nil {
		log.Warnf("gateway: publish failed, spooling: %v", err)
		g.spoolEnvelope(ctx, env)
	}
}

func (g *Gateway) spoolEnvelope(ctx context.Context, env model.Envelope) {
	if g.Spool == nil {
		log.Error("gateway: publish failed and no spool configured, envelope dropped")
		return
	}
	payload, err := encodeEnvelopeForSpool(env)
	if err != nil {
		log.Errorf("gateway: cannot spool envelope %s: %v", env.EventID, err)
		return
	}
	rec := spool.Record{
		Subject:      "timing.ingest.raw.v1." + env.TrackID,
		MsgID:        env.EventID,
		Kind:         env.MessageType.String(),
		Payload:      payload,
		EnqueuedAtUS: time.Now().UTC().UnixMicro(),
	}
	if err := g.Spool.Append(ctx, rec); err != nil {
		log.Errorf("gateway: spool append failed for %s: %v", env.EventID, err)
	}
}

// Drain republishes every spooled record once the upstream is healthy
// again, in order, per §4.2's "drained in order on reconnect".
func (g *Gateway) Drain(ctx context.Context) error {
	if g.Spool == nil {
		return nil
	}
	records, err := g.Spool.Drain()
	if err != nil {
		return err
	}
	for i, rec := range records {
		env, err := decodeEnvelopeFromSpool(rec.Payload)
		if err != nil {
			log.Errorf("gateway: cannot decode spooled record %s: %v", rec.MsgID, err)
			continue
		}
		if err := g.Publisher.PublishEnvelope(ctx, env); err != nil {
			// Re-spool this record and every one after it rather than lose
			// them, since the upstream is still down.
			for _, rest := range records[i:] {
				if appendErr := g.Spool.Append(ctx, rest); appendErr != nil {
					log.Errorf("gateway: re-spool failed for %s: %v", rest.MsgID, appendErr)
				}
			}
			return err
		}
	}
	return nil
}
