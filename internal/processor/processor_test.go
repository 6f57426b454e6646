package processor_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmxtiming/timingcore/internal/config"
	"github.com/bmxtiming/timingcore/internal/model"
	"github.com/bmxtiming/timingcore/internal/processor"
)

type fakeSink struct {
	mu          sync.Mutex
	derived     []model.DerivedEvent
	snapshots   []model.RaceState
	deadLetters int
}

func (f *fakeSink) PublishDerived(_ context.Context, _ string, event model.DerivedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.derived = append(f.derived, event)
	return nil
}

func (f *fakeSink) PublishSnapshot(_ context.Context, _, _ string, state model.RaceState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, state)
	return nil
}

func (f *fakeSink) PublishDeadLetter(_ context.Context, _ string, _ model.Envelope, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLetters++
	return nil
}

type fakeRiders struct{}

func (fakeRiders) RidersByID(riderIDs []string) (map[string]model.Rider, error) {
	out := make(map[string]model.Rider, len(riderIDs))
	for _, id := range riderIDs {
		out[id] = model.Rider{ID: id}
	}
	return out, nil
}

type fakeAudit struct {
	mu      sync.Mutex
	records []model.AuditRecord
}

func (f *fakeAudit) Record(rec model.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeAudit) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func withTestTrack(t *testing.T) {
	t.Helper()
	config.Keys.Tracks = []config.TrackConfig{{
		ID:                    "track-1",
		GateBeaconTransponder: 9992,
		Loops: []config.LoopConfig{
			{ID: "finish", DecoderID: "dec-finish", PositionIndex: 0, Role: "finish"},
		},
	}}
}

func passingEnvelope(seq uint64, transponder uint32) model.Envelope {
	return model.Envelope{
		EventID:     "evt-1",
		TrackID:     "track-1",
		ClientID:    "gateway-1",
		BootID:      "boot-1",
		Seq:         seq,
		MessageType: model.MessageTypePassing,
		Payload: model.RawPayload{
			Passing: &model.Passing{
				TransponderID: transponder,
				DecoderID:     "dec-finish",
				RTCTimeUS:     1_700_000_000_000,
			},
		},
	}
}

func TestHandleRawDiscardsIdleRacePassingToAudit(t *testing.T) {
	withTestTrack(t)
	sink := &fakeSink{}
	audit := &fakeAudit{}
	pool := processor.NewPool(sink, fakeRiders{}, audit, 0)

	env := passingEnvelope(1, 101)
	require.NoError(t, pool.HandleRaw(context.Background(), env))

	assert.Equal(t, 1, audit.count())
	assert.Empty(t, sink.derived)
}

func TestHandleRawDeduplicatesReplayedEnvelope(t *testing.T) {
	withTestTrack(t)
	sink := &fakeSink{}
	audit := &fakeAudit{}
	pool := processor.NewPool(sink, fakeRiders{}, audit, 0)

	env := passingEnvelope(1, 101)
	require.NoError(t, pool.HandleRaw(context.Background(), env))
	require.NoError(t, pool.HandleRaw(context.Background(), env))
	require.NoError(t, pool.HandleRaw(context.Background(), env))

	// The same idempotency key (track/client/boot/seq) delivered three
	// times must be audited exactly once: the actor's LRU dedupe cache
	// suppresses the replays before they ever reach the engine.
	assert.Equal(t, 1, audit.count())
}

func TestHandleRawRejectsUnknownTrack(t *testing.T) {
	config.Keys.Tracks = nil
	sink := &fakeSink{}
	audit := &fakeAudit{}
	pool := processor.NewPool(sink, fakeRiders{}, audit, 0)

	env := passingEnvelope(1, 101)
	env.TrackID = "no-such-track"
	require.NoError(t, pool.HandleRaw(context.Background(), env))

	assert.Equal(t, 1, sink.deadLetters)
}

func TestResetClearsEngineState(t *testing.T) {
	withTestTrack(t)
	sink := &fakeSink{}
	audit := &fakeAudit{}
	pool := processor.NewPool(sink, fakeRiders{}, audit, 0)

	require.NoError(t, pool.Reset(context.Background(), "track-1"))

	state, ok := pool.State("track-1")
	require.True(t, ok)
	assert.Equal(t, model.PhaseIdle, state.Phase)
}
