package projection

import (
	"fmt"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

var (
	splitRepoOnce     sync.Once
	splitRepoInstance *SplitRepository
)

// SplitRepository materializes the split_times read model.
type SplitRepository struct {
	DB        *sqlx.DB
	stmtCache *sq.StmtCache
}

// GetSplitRepository returns the package-wide SplitRepository singleton.
func GetSplitRepository() *SplitRepository {
	splitRepoOnce.Do(func() {
		db := GetConnection()
		splitRepoInstance = &SplitRepository{DB: db.DB, stmtCache: sq.NewStmtCache(db.DB)}
	})
	return splitRepoInstance
}

// RecordSplit idempotently upserts one rider's elapsed time at one loop.
func (r *SplitRepository) RecordSplit(trackID, motoID, riderID, loopID string, elapsedUS uint64, recordedAtUS int64) error {
	_, err := r.stmtCache.Exec(
		`INSERT INTO split_times (track_id, moto_id, rider_id, loop_id, elapsed_us, recorded_at_us)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (track_id, moto_id, rider_id, loop_id) DO UPDATE SET
		   elapsed_us = excluded.elapsed_us, recorded_at_us = excluded.recorded_at_us`,
		trackID, motoID, riderID, loopID, elapsedUS, recordedAtUS)
	return err
}

// SplitsByRider pages through one rider's recorded splits within a moto, in
// loop-crossing order, for operator tooling.
func (r *SplitRepository) SplitsByRider(trackID, motoID, riderID string) ([]SplitRow, error) {
	query, args, err := sq.Select("track_id", "moto_id", "rider_id", "loop_id", "elapsed_us", "recorded_at_us").
		From("split_times").
		Where(sq.Eq{"track_id": trackID, "moto_id": motoID, "rider_id": riderID}).
		OrderBy("recorded_at_us ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("projection: build splits query: %w", err)
	}

	rows, err := r.DB.Queryx(query, args...)
	if err != nil {
		return nil, fmt.Errorf("projection: query splits: %w", err)
	}
	defer rows.Close()

	var out []SplitRow
	for rows.Next() {
		var row SplitRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("projection: scan split: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SplitRow is one materialized split_times row.
type SplitRow struct {
	TrackID      string `db:"track_id"`
	MotoID       string `db:"moto_id"`
	RiderID      string `db:"rider_id"`
	LoopID       string `db:"loop_id"`
	ElapsedUS    uint64 `db:"elapsed_us"`
	RecordedAtUS int64  `db:"recorded_at_us"`
}
