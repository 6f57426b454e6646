// Package broker wraps the NATS JetStream client used for every subject in
// the timing pipeline: raw ingest, derived race events, snapshots and the
// dead-letter stream. It follows the connection-management, reconnect and
// subscription-tracking shape of cc-backend's pkg/nats, adapted to publish
// with an explicit per-message idempotency key (JetStream's Nats-Msg-Id
// header) instead of that package's plain fire-and-forget Publish.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bmxtiming/timingcore/pkg/log"
)

var (
	clientOnce     sync.Once
	clientInstance *Client
)

// Client wraps a NATS connection and a JetStream context.
type Client struct {
	conn          *nats.Conn
	js            nats.JetStreamContext
	subscriptions []*nats.Subscription
	mu            sync.Mutex
}

// Connect initializes the singleton broker client against url. Safe to call
// more than once; only the first call dials.
func Connect(url string) (*Client, error) {
	var err error
	clientOnce.Do(func() {
		clientInstance, err = NewClient(url)
	})
	return clientInstance, err
}

// GetClient returns the singleton broker client, or nil if Connect was
// never called.
func GetClient() *Client {
	if clientInstance == nil {
		log.Warn("broker: client not initialized")
	}
	return clientInstance
}

// NewClient dials a fresh connection; most callers want Connect instead.
func NewClient(url string) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("broker: NATS url is required")
	}

	opts := []nats.Option{
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("broker: disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("broker: reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Errorf("broker: error: %v", err)
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("broker: connect failed: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("broker: jetstream context failed: %w", err)
	}

	log.Infof("broker: connected to %s", url)
	return &Client{conn: nc, js: js}, nil
}

// PublishWithID durably publishes data to subject with msgID set as the
// JetStream deduplication key, blocking for the broker's ack (at-least-once
// per §4.2/§4.3; the broker suppresses a resend of the same msgID).
func (c *Client) PublishWithID(ctx context.Context, subject, msgID string, data []byte) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	msg.Header.Set(nats.MsgIdHdr, msgID)
	_, err := c.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("broker: publish to '%s' (id=%s) failed: %w", subject, msgID, err)
	}
	return nil
}

// PublishSnapshot overwrites the single retained message on a snapshot
// subject (one message per subject retention, per §4.6).
func (c *Client) PublishSnapshot(ctx context.Context, subject string, data []byte) error {
	_, err := c.js.PublishMsg(&nats.Msg{Subject: subject, Data: data}, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("broker: snapshot publish to '%s' failed: %w", subject, err)
	}
	return nil
}

// PublishDeadLetter appends data to the dead-letter subject for source.
func (c *Client) PublishDeadLetter(ctx context.Context, source string, data []byte) error {
	subject := fmt.Sprintf("timing.dlq.v1.%s", source)
	_, err := c.js.PublishMsg(&nats.Msg{Subject: subject, Data: data}, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("broker: dead-letter publish to '%s' failed: %w", subject, err)
	}
	return nil
}

// MessageHandler processes one delivered message; returning an error leaves
// the message unacked for redelivery.
type MessageHandler func(subject string, data []byte) error

// QueueSubscribe registers handler on subject within a named queue group,
// acking only when handler returns nil, per §5's "processor nacks and
// relies on redelivery" timeout policy.
func (c *Client) QueueSubscribe(subject, queue string, handler MessageHandler) (*nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, err := c.js.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		if err := handler(msg.Subject, msg.Data); err != nil {
			log.Warnf("broker: handler for '%s' failed, nacking: %v", msg.Subject, err)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}, nats.ManualAck())
	if err != nil {
		return nil, fmt.Errorf("broker: queue subscribe to '%s' (queue %s) failed: %w", subject, queue, err)
	}

	c.subscriptions = append(c.subscriptions, sub)
	log.Infof("broker: queue subscribed to '%s' (queue %s)", subject, queue)
	return sub, nil
}

// TailSubscription is a live, non-durable subscription a caller drains with
// Next, used by the fanout server to tail the derived stream per connected
// subscriber rather than sharing one queue group across them.
type TailSubscription struct {
	sub *nats.Subscription
}

// TailFrom opens a per-subscriber ephemeral subscription on subject,
// starting at the given sequence (startSeq == 0 means "new messages only",
// matching the subscription contract's `from=now`).
func (c *Client) TailFrom(subject string, startSeq uint64) (*TailSubscription, error) {
	opt := nats.DeliverNew()
	if startSeq > 0 {
		opt = nats.StartSequence(startSeq)
	}
	sub, err := c.js.SubscribeSync(subject, opt, nats.AckNone())
	if err != nil {
		return nil, fmt.Errorf("broker: tail subscribe to '%s' failed: %w", subject, err)
	}
	return &TailSubscription{sub: sub}, nil
}

// Next blocks until the next message arrives or timeout elapses.
func (t *TailSubscription) Next(timeout time.Duration) ([]byte, uint64, error) {
	msg, err := t.sub.NextMsg(timeout)
	if err != nil {
		return nil, 0, err
	}
	meta, err := msg.Metadata()
	var seq uint64
	if err == nil {
		seq = meta.Sequence.Stream
	}
	return msg.Data, seq, nil
}

// Close releases the tail subscription.
func (t *TailSubscription) Close() error {
	return t.sub.Unsubscribe()
}

// FetchLast returns the single retained message on a snapshot subject, or
// ok=false if the subject has never been published to.
func (c *Client) FetchLast(subject string, timeout time.Duration) (data []byte, ok bool, err error) {
	sub, err := c.js.SubscribeSync(subject, nats.DeliverLast(), nats.AckNone())
	if err != nil {
		return nil, false, fmt.Errorf("broker: fetch-last subscribe to '%s' failed: %w", subject, err)
	}
	defer sub.Unsubscribe()

	msg, err := sub.NextMsg(timeout)
	if err != nil {
		if err == nats.ErrTimeout {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("broker: fetch-last on '%s' failed: %w", subject, err)
	}
	return msg.Data, true, nil
}

// Flush blocks until all buffered publishes reach the server, bounded by
// timeout.
func (c *Client) Flush(timeout time.Duration) error {
	return c.conn.FlushTimeout(timeout)
}

// Close unsubscribes everything and closes the underlying connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			log.Warnf("broker: unsubscribe failed: %v", err)
		}
	}
	c.subscriptions = nil

	if c.conn != nil {
		c.conn.Close()
		log.Info("broker: connection closed")
	}
}

// IsConnected reports whether the underlying connection is currently up.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}
