package raceengine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmxtiming/timingcore/internal/model"
	"github.com/bmxtiming/timingcore/internal/raceengine"
)

const gateBeaconTx uint32 = 9992

func sixRiderTrack() model.Track {
	return model.Track{
		ID:                    "track-1",
		GateBeaconTransponder: gateBeaconTx,
		Loops: []model.TimingLoop{
			{ID: "finish", DecoderID: "dec-finish", PositionIndex: 0, Role: model.LoopRoleFinish},
		},
	}
}

func sixRiderMoto() (model.Moto, map[string]model.Rider) {
	transponders := []uint32{101, 102, 103, 104, 105, 106}
	riders := make(map[string]model.Rider, 6)
	entries := make([]model.MotoEntry, 0, 6)
	for i, tx := range transponders {
		riderID := "rider-" + string(rune('A'+i))
		riders[riderID] = model.Rider{ID: riderID, TransponderID: tx}
		entries = append(entries, model.MotoEntry{RiderID: riderID, Lane: i + 1})
	}
	moto := model.Moto{ID: "moto-1", TrackID: "track-1", Entries: entries, Status: model.MotoStaged}
	return moto, riders
}

func riderIDByTransponder(riders map[string]model.Rider, tx uint32) string {
	for id, r := range riders {
		if r.TransponderID == tx {
			return id
		}
	}
	return ""
}

func kinds(events []model.DerivedEvent) []model.DerivedKind {
	out := make([]model.DerivedKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestFullRaceSixRiders(t *testing.T) {
	track := sixRiderTrack()
	moto, riders := sixRiderMoto()

	eng := raceengine.New(track)
	_, err := eng.Stage(moto, riders)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseStaged, eng.State().Phase)

	gateEvents, audit := eng.ApplyPassing(model.Passing{
		TransponderID: gateBeaconTx,
		RTCTimeUS:     1_000_000_000,
	}, 0)
	require.Nil(t, audit)
	require.Contains(t, kinds(gateEvents), model.KindGateDrop)
	require.Equal(t, model.PhaseRacing, eng.State().Phase)
	require.NotNil(t, eng.State().GateDropTimeUS)
	assert.EqualValues(t, 1_000_000_000, *eng.State().GateDropTimeUS)

	type finish struct {
		tx      uint32
		rtc     uint64
		elapsed uint64
	}
	order := []finish{
		{103, 1_030_500_000, 30_500_000},
		{101, 1_031_200_000, 31_200_000},
		{105, 1_031_700_000, 31_700_000},
		{102, 1_032_050_000, 32_050_000},
		{104, 1_033_000_000, 33_000_000},
		{106, 1_033_800_000, 33_800_000},
	}

	var lastEvents []model.DerivedEvent
	for i, f := range order {
		riderID := riderIDByTransponder(riders, f.tx)
		require.NotEmpty(t, riderID)

		events, audit := eng.ApplyPassing(model.Passing{
			TransponderID: f.tx,
			DecoderID:     "dec-finish",
			RTCTimeUS:     f.rtc,
		}, 0)
		require.Nil(t, audit, "finish %d should not be audited", i)

		ks := kinds(events)
		assert.Contains(t, ks, model.KindSplitTime)
		assert.Contains(t, ks, model.KindRiderFinished)
		assert.Contains(t, ks, model.KindPositionsUpdate)

		for _, ev := range events {
			if ev.Kind == model.KindRiderFinished {
				assert.Equal(t, riderID, ev.RiderID)
				require.NotNil(t, ev.ElapsedUS)
				assert.EqualValues(t, f.elapsed, *ev.ElapsedUS)
			}
		}
		lastEvents = events
	}

	assert.Contains(t, kinds(lastEvents), model.KindRaceFinished)
	assert.Equal(t, model.PhaseFinished, eng.State().Phase)

	final := eng.State()
	expectedOrder := map[uint32]int{103: 1, 101: 2, 105: 3, 102: 4, 104: 5, 106: 6}
	for _, pos := range final.Positions {
		r := riders[pos.RiderID]
		want, ok := expectedOrder[r.TransponderID]
		require.True(t, ok)
		assert.Equal(t, want, pos.Position, "rider with transponder %d", r.TransponderID)
		if want == 2 {
			require.NotNil(t, pos.GapToLeadUS)
			assert.EqualValues(t, 700_000, *pos.GapToLeadUS)
		}
	}
}

func TestForceFinishMarksRemainingRidersDNF(t *testing.T) {
	track := sixRiderTrack()
	moto, riders := sixRiderMoto()

	eng := raceengine.New(track)
	_, err := eng.Stage(moto, riders)
	require.NoError(t, err)

	_, audit := eng.ApplyPassing(model.Passing{TransponderID: gateBeaconTx, RTCTimeUS: 1_000_000_000}, 0)
	require.Nil(t, audit)

	finishes := []struct {
		tx  uint32
		rtc uint64
	}{
		{103, 1_030_500_000},
		{101, 1_031_200_000},
		{105, 1_031_700_000},
	}
	for _, f := range finishes {
		_, audit := eng.ApplyPassing(model.Passing{TransponderID: f.tx, DecoderID: "dec-finish", RTCTimeUS: f.rtc}, 0)
		require.Nil(t, audit)
	}
	require.Equal(t, model.PhaseRacing, eng.State().Phase)

	events, err := eng.ForceFinish()
	require.NoError(t, err)
	assert.Contains(t, kinds(events), model.KindRaceFinished)
	assert.Equal(t, model.PhaseFinished, eng.State().Phase)

	finishedTx := map[uint32]bool{103: true, 101: true, 105: true}
	for _, st := range eng.State().Riders {
		r := riders[st.RiderID]
		if finishedTx[r.TransponderID] {
			assert.True(t, st.Finished)
			assert.False(t, st.DNF)
		} else {
			assert.False(t, st.Finished)
			assert.True(t, st.DNF)
		}
	}

	final := eng.State()
	for _, pos := range final.Positions {
		r := riders[pos.RiderID]
		if finishedTx[r.TransponderID] {
			assert.LessOrEqual(t, pos.Position, 3)
		}
	}
}

func TestUnknownTransponderIsAudited(t *testing.T) {
	track := sixRiderTrack()
	moto, riders := sixRiderMoto()

	eng := raceengine.New(track)
	_, err := eng.Stage(moto, riders)
	require.NoError(t, err)

	_, audit := eng.ApplyPassing(model.Passing{TransponderID: gateBeaconTx, RTCTimeUS: 1_000_000_000}, 0)
	require.Nil(t, audit)

	events, audit := eng.ApplyPassing(model.Passing{
		TransponderID: 999,
		DecoderID:     "dec-finish",
		RTCTimeUS:     1_031_000_000,
	}, 42)

	require.Empty(t, events)
	require.NotNil(t, audit)
	assert.Equal(t, model.AuditUnknownTransponder, audit.Reason)
	assert.EqualValues(t, 999, audit.Passing.TransponderID)
	assert.Equal(t, int64(42), audit.ObservedAtUS)
}
