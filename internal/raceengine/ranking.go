package raceengine

import (
	"sort"

	"github.com/bmxtiming/timingcore/internal/model"
)

// recomputePositions rebuilds e.state.Positions from e.state.Riders per
// rule 5 (ranking) and rule 6 (gap-to-leader).
//
// Ranking key, ascending: (finished descending as boolean, progress
// descending, position index of the most recent loop descending, elapsed_us
// ascending, lane ascending as stable tie-break). Gap-to-leader compares
// each rider's elapsed time at their current loop against the race
// leader's own elapsed time when the leader crossed that same loop; if the
// leader has not yet reached that loop, the gap is null.
//
// Position is only assigned to non-DNF riders with at least one recorded
// split: positions are a permutation of 1..=k over that set, leaving DNF
// riders and riders with no splits yet at the model's zero value (unset).
func (e *Engine) recomputePositions() {
	riders := make([]model.StagedRider, len(e.state.Riders))
	copy(riders, e.state.Riders)

	loopPositionIndex := make(map[string]int, len(e.track.Loops))
	for _, l := range e.track.Loops {
		loopPositionIndex[l.ID] = l.PositionIndex
	}

	sort.SliceStable(riders, func(i, j int) bool {
		a, b := riders[i], riders[j]
		if a.Finished != b.Finished {
			return a.Finished
		}
		if a.LoopsCrossed != b.LoopsCrossed {
			return a.LoopsCrossed > b.LoopsCrossed
		}
		if ai, bi := loopPositionIndex[a.LastLoopID], loopPositionIndex[b.LastLoopID]; ai != bi {
			return ai > bi
		}
		ae, be := elapsedOrMax(a.ElapsedUS), elapsedOrMax(b.ElapsedUS)
		if ae != be {
			return ae < be
		}
		return e.riderLane[a.RiderID] < e.riderLane[b.RiderID]
	})

	var leaderID string
	if len(riders) > 0 {
		leaderID = riders[0].RiderID
	}
	leaderLoopTimes := e.loopCrossedAtRider[leaderID]

	positions := make([]model.RiderPosition, 0, len(riders))
	nextPosition := 1
	for i, r := range riders {
		pos := model.RiderPosition{
			RiderID:   r.RiderID,
			ElapsedUS: r.ElapsedUS,
			DNF:       r.DNF,
		}
		if !r.DNF && r.LoopsCrossed > 0 {
			pos.Position = nextPosition
			nextPosition++
		}
		if i > 0 && r.ElapsedUS != nil && r.LastLoopID != "" && e.state.GateDropTimeUS != nil {
			if leaderRTC, ok := leaderLoopTimes[r.LastLoopID]; ok {
				leaderElapsed := leaderRTC - *e.state.GateDropTimeUS
				gap := int64(*r.ElapsedUS) - int64(leaderElapsed)
				pos.GapToLeadUS = &gap
			}
		}
		positions = append(positions, pos)
	}

	e.state.Positions = positions
}

func elapsedOrMax(v *uint64) uint64 {
	if v == nil {
		return ^uint64(0)
	}
	return *v
}
