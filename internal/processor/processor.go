// Package processor implements the raw-to-derived pipeline of §4.4: one
// in-process actor per track, sticky for the process lifetime, each
// processing its track's raw subject strictly in arrival order and driving
// that track's race engine.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bmxtiming/timingcore/internal/config"
	"github.com/bmxtiming/timingcore/internal/metrics"
	"github.com/bmxtiming/timingcore/internal/model"
	"github.com/bmxtiming/timingcore/internal/raceengine"
	"github.com/bmxtiming/timingcore/pkg/log"
)

const dedupeCacheSize = 4096

// Sink is where a track actor publishes its output: derived events,
// snapshots, and dead-lettered envelopes.
type Sink interface {
	PublishDerived(ctx context.Context, trackID string, event model.DerivedEvent) error
	PublishSnapshot(ctx context.Context, trackID, eventID string, state model.RaceState) error
	PublishDeadLetter(ctx context.Context, source string, env model.Envelope, reason string) error
}

// RiderDirectory resolves a moto's entries into full Rider records; the
// processor itself holds no rider catalog.
type RiderDirectory interface {
	RidersByID(riderIDs []string) (map[string]model.Rider, error)
}

// controlOp names a control-plane command routed through the same inbox as
// raw passings, so the engine is touched by exactly one goroutine at a
// time (§5: "exactly one task owns one track's RaceState at a time").
type controlOp int

const (
	opNone controlOp = iota
	opStage
	opReset
	opForceFinish
)

// actorCommand is sent to one track's goroutine over its inbound channel,
// keeping the race engine single-writer per §5's concurrency model. Exactly
// one of (envelope, op) is meaningful per command.
type actorCommand struct {
	envelope model.Envelope
	op       controlOp
	moto     model.Moto
	riders   map[string]model.Rider

	events chan []model.DerivedEvent
	err    chan error
}

// trackActor owns exactly one track's Engine and dedupe cache.
type trackActor struct {
	trackID string
	engine  *raceengine.Engine
	dedupe  *lru.Cache[string, struct{}]
	inbox   chan actorCommand
}

// AuditSink persists discarded-passing audit records (§4.5 rules 2/3/7/8).
type AuditSink interface {
	Record(rec model.AuditRecord) error
}

// Pool assigns each track to exactly one sticky actor, per §4.4.
type Pool struct {
	sink      Sink
	riders    RiderDirectory
	audit     AuditSink
	mu        sync.Mutex
	actors    map[string]*trackActor
	queueSize int
}

// NewPool constructs an empty actor pool. queueSize bounds each actor's
// inbound channel, giving the processor pull-size-capped work-in-flight
// per §5's backpressure design. audit may be nil to skip persistence.
func NewPool(sink Sink, riders RiderDirectory, audit AuditSink, queueSize int) *Pool {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Pool{sink: sink, riders: riders, audit: audit, actors: make(map[string]*trackActor), queueSize: queueSize}
}

// actorFor returns the sticky actor for trackID, creating and starting it
// on first use.
func (p *Pool) actorFor(trackID string) (*trackActor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if a, ok := p.actors[trackID]; ok {
		return a, nil
	}

	trackCfg, ok := config.TrackByID(trackID)
	if !ok {
		return nil, fmt.Errorf("processor: unknown track %q", trackID)
	}

	cache, err := lru.New[string, struct{}](dedupeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("processor: dedupe cache: %w", err)
	}

	a := &trackActor{
		trackID: trackID,
		engine:  raceengine.New(trackCfg.ToModel()),
		dedupe:  cache,
		inbox:   make(chan actorCommand, p.queueSize),
	}
	p.actors[trackID] = a
	go p.run(a)
	return a, nil
}

// HandleRaw is the entry point a NATS consumer calls for each raw-subject
// message. It blocks until the actor has processed (or permanently
// rejected) the envelope.
func (p *Pool) HandleRaw(ctx context.Context, env model.Envelope) error {
	actor, err := p.actorFor(env.TrackID)
	if err != nil {
		return p.sink.PublishDeadLetter(ctx, env.TrackID, env, err.Error())
	}
	_, err = p.submit(ctx, actor, actorCommand{envelope: env})
	return err
}

// submit enqueues cmd on the actor's single-writer inbox and waits for the
// run loop to apply it, returning whatever derived events resulted.
func (p *Pool) submit(ctx context.Context, a *trackActor, cmd actorCommand) ([]model.DerivedEvent, error) {
	cmd.events = make(chan []model.DerivedEvent, 1)
	cmd.err = make(chan error, 1)

	select {
	case a.inbox <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case err := <-cmd.err:
		return <-cmd.events, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) run(a *trackActor) {
	ctx := context.Background()
	for cmd := range a.inbox {
		var events []model.DerivedEvent
		var err error
		switch cmd.op {
		case opStage:
			events, err = a.engine.Stage(cmd.moto, cmd.riders)
		case opReset:
			events = a.engine.Reset()
		case opForceFinish:
			events, err = a.engine.ForceFinish()
		default:
			err = p.process(ctx, a, cmd.envelope)
		}

		if err == nil && len(events) > 0 {
			if pubErr := p.publishAll(ctx, a.trackID, events); pubErr != nil {
				err = pubErr
			}
		}
		cmd.events <- events
		cmd.err <- err
	}
}

func (p *Pool) process(ctx context.Context, a *trackActor, env model.Envelope) error {
	key := env.IdempotencyKey()
	if _, seen := a.dedupe.Get(key); seen {
		log.Debugf("processor: suppressing duplicate %s", key)
		metrics.DedupeSuppressions.WithLabelValues(env.TrackID, "actor_lru").Inc()
		return nil
	}

	if env.MessageType != model.MessageTypePassing {
		// STATUS/VERSION messages do not drive the race engine. The
		// projection writer subscribed to the same raw subject records
		// STATUS messages in the decoder health table; VERSION messages are
		// not projected.
		a.dedupe.Add(key, struct{}{})
		return nil
	}

	if env.Payload.Passing == nil {
		return p.sink.PublishDeadLetter(ctx, env.TrackID, env, "malformed: PASSING message with nil payload")
	}

	events, audit := a.engine.ApplyPassing(*env.Payload.Passing, env.IngestedAtUS)
	a.dedupe.Add(key, struct{}{})

	if audit != nil {
		auditBytes, _ := json.Marshal(audit)
		log.Debugf("processor: audit recorded for track %s: %s", env.TrackID, string(auditBytes))
		metrics.AuditRecords.WithLabelValues(env.TrackID, string(audit.Reason)).Inc()
		if p.audit != nil {
			if err := p.audit.Record(*audit); err != nil {
				log.Warnf("processor: persist audit record failed: %v", err)
			}
		}
	}

	return p.publishAll(ctx, env.TrackID, events)
}

// Stage issues a Stage control command to a track's actor, serialized
// through the same single-writer inbox as raw passings.
func (p *Pool) Stage(ctx context.Context, trackID string, moto model.Moto, riderIDs []string) error {
	actor, err := p.actorFor(trackID)
	if err != nil {
		return err
	}
	riders, err := p.riders.RidersByID(riderIDs)
	if err != nil {
		return fmt.Errorf("processor: resolve riders: %w", err)
	}
	_, err = p.submit(ctx, actor, actorCommand{op: opStage, moto: moto, riders: riders})
	return err
}

// Reset issues a Reset control command to a track's actor.
func (p *Pool) Reset(ctx context.Context, trackID string) error {
	actor, err := p.actorFor(trackID)
	if err != nil {
		return err
	}
	_, err = p.submit(ctx, actor, actorCommand{op: opReset})
	return err
}

// ForceFinish issues a ForceFinish control command to a track's actor.
func (p *Pool) ForceFinish(ctx context.Context, trackID string) error {
	actor, err := p.actorFor(trackID)
	if err != nil {
		return err
	}
	_, err = p.submit(ctx, actor, actorCommand{op: opForceFinish})
	return err
}

func (p *Pool) publishAll(ctx context.Context, trackID string, events []model.DerivedEvent) error {
	for _, ev := range events {
		if err := p.sink.PublishDerived(ctx, trackID, ev); err != nil {
			return err
		}
		if ev.Kind == model.KindStateSnapshot && ev.Snapshot != nil {
			// Every snapshot overwrites the track's "current" slot, the scope
			// the fanout reads when a subscriber names no event_id.
			if err := p.sink.PublishSnapshot(ctx, trackID, "current", *ev.Snapshot); err != nil {
				return err
			}
		}
	}
	return nil
}

// State returns the current visible race state for trackID, if the track
// has an active actor.
func (p *Pool) State(trackID string) (model.RaceState, bool) {
	p.mu.Lock()
	a, ok := p.actors[trackID]
	p.mu.Unlock()
	if !ok {
		return model.RaceState{}, false
	}
	return a.engine.State(), true
}
