// Package raceengine implements the per-track race state machine: staging,
// gate-drop detection, split/finish classification, position ranking and
// gap computation. One Engine instance owns exactly one track's RaceState
// and is never touched concurrently — callers (internal/processor) must
// guarantee single-writer access, same as cc-backend's per-job metric
// aggregation guarantees a single goroutine owns one job's in-flight state.
package raceengine

import (
	"fmt"
	"time"

	"github.com/bmxtiming/timingcore/internal/model"
)

// Engine holds one track's race state machine. It is not safe for
// concurrent use; the processor's per-track actor is the only caller.
type Engine struct {
	track model.Track

	state model.RaceState

	moto               model.Moto
	transponderToRider map[uint32]string
	riderLane          map[string]int
	gateDropSeen       bool
	loopCrossedAtRider map[string]map[string]uint64 // rider -> loop -> rtc_time_us of recorded passing
	riderOrder         []string                     // staged rider ids, stable iteration order

	nextSeq uint64
}

// New constructs an idle Engine for track.
func New(track model.Track) *Engine {
	return &Engine{
		track: track,
		state: model.RaceState{TrackID: track.ID, Phase: model.PhaseIdle},
	}
}

// State returns a snapshot-safe copy of the current visible race state.
func (e *Engine) State() model.RaceState {
	s := e.state
	s.Riders = append([]model.StagedRider(nil), e.state.Riders...)
	s.Positions = append([]model.RiderPosition(nil), e.state.Positions...)
	return s
}

func (e *Engine) nowUS() int64 {
	return time.Now().UTC().UnixMicro()
}

func (e *Engine) nextEventID() string {
	e.nextSeq++
	return fmt.Sprintf("%s-%d", e.track.ID, e.nextSeq)
}

func (e *Engine) emitSnapshot(events []model.DerivedEvent) []model.DerivedEvent {
	snap := e.state
	ev := model.DerivedEvent{
		EventID:  e.nextEventID(),
		TrackID:  e.track.ID,
		MotoID:   e.state.MotoID,
		Kind:     model.KindStateSnapshot,
		Seq:      e.nextSeq,
		TSUS:     e.nowUS(),
		Snapshot: &snap,
	}
	return append(events, ev)
}

// Stage transitions idle|finished -> staged for the given moto. Entries are
// bound to transponders via riderByID, which resolves a rider id to its
// Rider record (transponder id and lane come from the moto entry + rider).
func (e *Engine) Stage(moto model.Moto, riderByID map[string]model.Rider) ([]model.DerivedEvent, error) {
	if e.state.Phase != model.PhaseIdle && e.state.Phase != model.PhaseFinished {
		return nil, fmt.Errorf("raceengine: cannot stage from phase %s", e.state.Phase)
	}
	if moto.TrackID != e.track.ID {
		return nil, fmt.Errorf("raceengine: moto %s does not belong to track %s", moto.ID, e.track.ID)
	}
	if len(moto.Entries) == 0 {
		return nil, fmt.Errorf("raceengine: moto %s has no entries", moto.ID)
	}

	transponderToRider := make(map[uint32]string, len(moto.Entries))
	riderLane := make(map[string]int, len(moto.Entries))
	staged := make([]model.StagedRider, 0, len(moto.Entries))
	order := make([]string, 0, len(moto.Entries))
	for _, entry := range moto.Entries {
		rider, ok := riderByID[entry.RiderID]
		if !ok {
			return nil, fmt.Errorf("raceengine: unknown rider %s in moto %s", entry.RiderID, moto.ID)
		}
		transponderToRider[rider.TransponderID] = rider.ID
		riderLane[rider.ID] = entry.Lane
		staged = append(staged, model.StagedRider{RiderID: rider.ID, Lane: entry.Lane})
		order = append(order, rider.ID)
	}

	e.moto = moto
	e.transponderToRider = transponderToRider
	e.riderLane = riderLane
	e.gateDropSeen = false
	e.loopCrossedAtRider = make(map[string]map[string]uint64, len(moto.Entries))
	e.riderOrder = order

	e.state = model.RaceState{
		TrackID:     e.track.ID,
		Phase:       model.PhaseStaged,
		MotoID:      moto.ID,
		Riders:      staged,
		Positions:   initialPositions(order),
		TotalRiders: len(order),
	}

	ev := model.DerivedEvent{
		EventID: e.nextEventID(),
		TrackID: e.track.ID,
		MotoID:  moto.ID,
		Kind:    model.KindRaceStaged,
		Seq:     e.nextSeq,
		TSUS:    e.nowUS(),
	}
	events := []model.DerivedEvent{ev}
	return e.emitSnapshot(events), nil
}

func initialPositions(order []string) []model.RiderPosition {
	out := make([]model.RiderPosition, 0, len(order))
	for _, riderID := range order {
		out = append(out, model.RiderPosition{RiderID: riderID})
	}
	return out
}

// Reset transitions staged|racing|finished -> idle, discarding in-flight
// race state.
func (e *Engine) Reset() []model.DerivedEvent {
	trackID := e.track.ID
	e.state = model.RaceState{TrackID: trackID, Phase: model.PhaseIdle}
	e.moto = model.Moto{}
	e.transponderToRider = nil
	e.riderLane = nil
	e.gateDropSeen = false
	e.loopCrossedAtRider = nil
	e.riderOrder = nil

	ev := model.DerivedEvent{
		EventID: e.nextEventID(),
		TrackID: trackID,
		Kind:    model.KindRaceReset,
		Seq:     e.nextSeq,
		TSUS:    e.nowUS(),
	}
	return e.emitSnapshot([]model.DerivedEvent{ev})
}

// ForceFinish transitions racing -> finished, marking every rider who has
// not yet crossed the finish loop as DNF.
func (e *Engine) ForceFinish() ([]model.DerivedEvent, error) {
	if e.state.Phase != model.PhaseRacing {
		return nil, fmt.Errorf("raceengine: cannot force-finish from phase %s", e.state.Phase)
	}
	for i := range e.state.Riders {
		if !e.state.Riders[i].Finished {
			e.state.Riders[i].DNF = true
		}
	}
	e.state.Phase = model.PhaseFinished
	e.recomputePositions()

	ev := model.DerivedEvent{
		EventID: e.nextEventID(),
		TrackID: e.track.ID,
		MotoID:  e.state.MotoID,
		Kind:    model.KindRaceFinished,
		Seq:     e.nextSeq,
		TSUS:    e.nowUS(),
	}
	return e.emitSnapshot([]model.DerivedEvent{ev}), nil
}

// ApplyPassing feeds one decoded PASSING message through the state machine.
// It returns either the derived events produced by an applied passing, or
// an AuditRecord (and no events) when the passing was discarded from race
// logic rather than applied; the two are never returned together (e.g. a
// duplicate finish passing or an unmapped decoder produces only an audit).
func (e *Engine) ApplyPassing(p model.Passing, observedAtUS int64) ([]model.DerivedEvent, *model.AuditRecord) {
	switch e.state.Phase {
	case model.PhaseStaged:
		return e.applyDuringStaged(p, observedAtUS)
	case model.PhaseRacing:
		return e.applyDuringRacing(p, observedAtUS)
	default:
		return nil, &model.AuditRecord{
			TrackID:      e.track.ID,
			MotoID:       e.state.MotoID,
			Reason:       model.AuditIgnoredGateHit,
			Passing:      p,
			ObservedAtUS: observedAtUS,
		}
	}
}

func (e *Engine) applyDuringStaged(p model.Passing, observedAtUS int64) ([]model.DerivedEvent, *model.AuditRecord) {
	if p.TransponderID != e.track.GateBeaconTransponder {
		return nil, &model.AuditRecord{
			TrackID:      e.track.ID,
			MotoID:       e.state.MotoID,
			Reason:       model.AuditBeforeGateDrop,
			Passing:      p,
			ObservedAtUS: observedAtUS,
		}
	}
	if e.gateDropSeen {
		return nil, &model.AuditRecord{
			TrackID:      e.track.ID,
			MotoID:       e.state.MotoID,
			Reason:       model.AuditIgnoredGateHit,
			Passing:      p,
			ObservedAtUS: observedAtUS,
		}
	}

	e.gateDropSeen = true
	gateDrop := p.RTCTimeUS
	e.state.Phase = model.PhaseRacing
	e.state.GateDropTimeUS = &gateDrop

	ev := model.DerivedEvent{
		EventID:        e.nextEventID(),
		TrackID:        e.track.ID,
		MotoID:         e.state.MotoID,
		Kind:           model.KindGateDrop,
		Seq:            e.nextSeq,
		TSUS:           e.nowUS(),
		GateDropTimeUS: &gateDrop,
	}
	return e.emitSnapshot([]model.DerivedEvent{ev}), nil
}

func (e *Engine) applyDuringRacing(p model.Passing, observedAtUS int64) ([]model.DerivedEvent, *model.AuditRecord) {
	if p.TransponderID == e.track.GateBeaconTransponder {
		// Later gate hits in the same race are ignored (rule 1).
		return nil, &model.AuditRecord{
			TrackID:      e.track.ID,
			MotoID:       e.state.MotoID,
			Reason:       model.AuditIgnoredGateHit,
			Passing:      p,
			ObservedAtUS: observedAtUS,
		}
	}

	loop, ok := e.track.LoopByDecoderID(p.DecoderID)
	if !ok {
		return nil, &model.AuditRecord{
			TrackID:      e.track.ID,
			MotoID:       e.state.MotoID,
			Reason:       model.AuditUnmappedDecoder,
			Passing:      p,
			ObservedAtUS: observedAtUS,
		}
	}

	riderID, ok := e.transponderToRider[p.TransponderID]
	if !ok {
		return nil, &model.AuditRecord{
			TrackID:      e.track.ID,
			MotoID:       e.state.MotoID,
			Reason:       model.AuditUnknownTransponder,
			Passing:      p,
			ObservedAtUS: observedAtUS,
		}
	}

	if e.state.GateDropTimeUS == nil || p.RTCTimeUS < *e.state.GateDropTimeUS {
		return nil, &model.AuditRecord{
			TrackID:      e.track.ID,
			MotoID:       e.state.MotoID,
			Reason:       model.AuditBeforeGateDrop,
			Passing:      p,
			ObservedAtUS: observedAtUS,
		}
	}

	loopsForRider := e.loopCrossedAtRider[riderID]
	if loopsForRider == nil {
		loopsForRider = make(map[string]uint64)
		e.loopCrossedAtRider[riderID] = loopsForRider
	}

	if prior, seen := loopsForRider[loop.ID]; seen {
		if p.RTCTimeUS >= prior {
			// Duplicate or late-arriving passing at an already-recorded
			// loop: earliest wins (rule 7/8).
			reason := model.AuditDuplicatePassing
			if p.RTCTimeUS < prior {
				reason = model.AuditOutOfOrder
			}
			return nil, &model.AuditRecord{
				TrackID:      e.track.ID,
				MotoID:       e.state.MotoID,
				Reason:       reason,
				Passing:      p,
				ObservedAtUS: observedAtUS,
			}
		}
		return nil, &model.AuditRecord{
			TrackID:      e.track.ID,
			MotoID:       e.state.MotoID,
			Reason:       model.AuditOutOfOrder,
			Passing:      p,
			ObservedAtUS: observedAtUS,
		}
	}

	idx := riderIndex(e.state.Riders, riderID)
	if idx < 0 || e.state.Riders[idx].Finished {
		return nil, &model.AuditRecord{
			TrackID:      e.track.ID,
			MotoID:       e.state.MotoID,
			Reason:       model.AuditDuplicatePassing,
			Passing:      p,
			ObservedAtUS: observedAtUS,
		}
	}

	loopsForRider[loop.ID] = p.RTCTimeUS
	elapsed := p.RTCTimeUS - *e.state.GateDropTimeUS

	rider := &e.state.Riders[idx]
	rider.LastLoopID = loop.ID
	rider.LoopsCrossed++
	rider.ElapsedUS = &elapsed

	finishLoop, hasFinish := e.track.FinishLoop()
	isFinish := hasFinish && loop.ID == finishLoop.ID

	events := make([]model.DerivedEvent, 0, 3)
	events = append(events, model.DerivedEvent{
		EventID:   e.nextEventID(),
		TrackID:   e.track.ID,
		MotoID:    e.state.MotoID,
		Kind:      model.KindSplitTime,
		Seq:       e.nextSeq,
		TSUS:      e.nowUS(),
		RiderID:   riderID,
		LoopID:    loop.ID,
		ElapsedUS: &elapsed,
	})

	if isFinish {
		rider.Finished = true
		e.state.FinishedCount++
		events = append(events, model.DerivedEvent{
			EventID:   e.nextEventID(),
			TrackID:   e.track.ID,
			MotoID:    e.state.MotoID,
			Kind:      model.KindRiderFinished,
			Seq:       e.nextSeq,
			TSUS:      e.nowUS(),
			RiderID:   riderID,
			ElapsedUS: &elapsed,
		})
	}

	e.recomputePositions()
	events = append(events, model.DerivedEvent{
		EventID:   e.nextEventID(),
		TrackID:   e.track.ID,
		MotoID:    e.state.MotoID,
		Kind:      model.KindPositionsUpdate,
		Seq:       e.nextSeq,
		TSUS:      e.nowUS(),
		Positions: append([]model.RiderPosition(nil), e.state.Positions...),
	})

	if e.state.FinishedCount == e.state.TotalRiders {
		e.state.Phase = model.PhaseFinished
		events = append(events, model.DerivedEvent{
			EventID: e.nextEventID(),
			TrackID: e.track.ID,
			MotoID:  e.state.MotoID,
			Kind:    model.KindRaceFinished,
			Seq:     e.nextSeq,
			TSUS:    e.nowUS(),
		})
	}

	return e.emitSnapshot(events), nil
}

func riderIndex(riders []model.StagedRider, riderID string) int {
	for i := range riders {
		if riders[i].RiderID == riderID {
			return i
		}
	}
	return -1
}
