package projection

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmxtiming/timingcore/internal/model"
)

func openTestDB(t *testing.T) {
	t.Helper()
	connOnce = sync.Once{}
	instance = nil
	dsn := filepath.Join(t.TempDir(), "timingcore_test.db")
	_, err := Connect(dsn)
	require.NoError(t, err)

	motoRepoOnce = sync.Once{}
	splitRepoOnce = sync.Once{}
	decoderRepoOnce = sync.Once{}
	auditRepoOnce = sync.Once{}
	dedupeRepoOnce = sync.Once{}
}

func TestTrackIDFromSubject(t *testing.T) {
	assert.Equal(t, "track-1", trackIDFromSubject("timing.race.events.v1.track-1", 4))
	assert.Equal(t, "", trackIDFromSubject("too.short", 4))
}

func TestDedupeInsertIfAbsentIsIdempotent(t *testing.T) {
	openTestDB(t)
	repo := GetDedupeRepository()

	claimed, err := repo.InsertIfAbsent("evt-1", 1000)
	require.NoError(t, err)
	assert.True(t, claimed, "first insert should claim the key")

	claimed, err = repo.InsertIfAbsent("evt-1", 2000)
	require.NoError(t, err)
	assert.False(t, claimed, "a replayed key must not be claimed twice")
}

func TestDedupeCompactRemovesOnlyStaleRows(t *testing.T) {
	openTestDB(t)
	repo := GetDedupeRepository()

	_, err := repo.InsertIfAbsent("old", 1000)
	require.NoError(t, err)
	_, err = repo.InsertIfAbsent("new", 5000)
	require.NoError(t, err)

	n, err := repo.Compact(2000)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	claimed, err := repo.InsertIfAbsent("new", 9000)
	require.NoError(t, err)
	assert.False(t, claimed, "the row newer than the cutoff must survive compaction")
}

func TestProjectorApplySnapshotRewritesMotoEntries(t *testing.T) {
	openTestDB(t)
	p := NewProjector()

	elapsed := uint64(45_123_000)
	snapshot := model.RaceState{
		TrackID: "track-1",
		MotoID:  "moto-1",
		Phase:   model.PhaseFinished,
		Riders: []model.StagedRider{
			{RiderID: "rider-A", Lane: 1},
			{RiderID: "rider-B", Lane: 2, DNF: true},
		},
		Positions: []model.RiderPosition{
			{RiderID: "rider-A", Position: 1, ElapsedUS: &elapsed},
			{RiderID: "rider-B", DNF: true},
		},
	}

	ev := model.DerivedEvent{
		EventID:  "evt-snapshot-1",
		TrackID:  "track-1",
		MotoID:   "moto-1",
		Kind:     model.KindStateSnapshot,
		TSUS:     1_700_000_000_000,
		Snapshot: &snapshot,
	}

	require.NoError(t, p.Apply("track-1", ev, 1_700_000_000_100))

	rows, err := GetMotoRepository().MotoEntriesByMoto("track-1", "moto-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byRider := map[string]MotoEntryRow{}
	for _, row := range rows {
		byRider[row.RiderID] = row
	}

	a := byRider["rider-A"]
	assert.Equal(t, 1, a.Lane)
	require.NotNil(t, a.FinishPosition)
	assert.Equal(t, 1, *a.FinishPosition)
	require.NotNil(t, a.ElapsedUS)
	assert.Equal(t, elapsed, *a.ElapsedUS)
	assert.False(t, a.DNF)

	b := byRider["rider-B"]
	assert.Equal(t, 2, b.Lane)
	assert.True(t, b.DNF)

	// Replaying the same event must be a no-op: the dedupe layer already
	// claimed evt-snapshot-1, so a second Apply with mutated data must not
	// overwrite the row above.
	snapshot.Positions[0].Position = 2
	require.NoError(t, p.Apply("track-1", ev, 1_700_000_000_200))

	rows, err = GetMotoRepository().MotoEntriesByMoto("track-1", "moto-1")
	require.NoError(t, err)
	for _, row := range rows {
		if row.RiderID == "rider-A" {
			assert.Equal(t, 1, *row.FinishPosition, "replayed snapshot must not re-apply")
		}
	}
}

func TestProjectorApplyStatusRecordsDecoderHealth(t *testing.T) {
	openTestDB(t)
	p := NewProjector()

	status := model.Status{
		Noise:         3,
		GPSStatus:     1,
		TemperatureDC: 215,
		Satellites:    9,
		DecoderID:     "dec-finish",
	}
	require.NoError(t, p.ApplyStatus("track-1", status, 1_700_000_000_000))

	rows, err := GetDecoderRepository().ByTrack("track-1", 0, 1_700_000_000_000)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "dec-finish", rows[0].DecoderID)
}

func TestProjectorApplyAuditPersistsRecord(t *testing.T) {
	openTestDB(t)
	p := NewProjector()

	rec := model.AuditRecord{
		TrackID:      "track-1",
		MotoID:       "moto-1",
		Reason:       model.AuditUnknownTransponder,
		Passing:      model.Passing{TransponderID: 999, DecoderID: "dec-finish"},
		ObservedAtUS: 1_700_000_000_000,
	}
	require.NoError(t, p.ApplyAudit(rec))

	rows, err := GetAuditRepository().ByTrack("track-1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, string(model.AuditUnknownTransponder), rows[0].Reason)
}
