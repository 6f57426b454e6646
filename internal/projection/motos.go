package projection

import (
	"fmt"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/bmxtiming/timingcore/internal/model"
)

var (
	motoRepoOnce     sync.Once
	motoRepoInstance *MotoRepository
)

// MotoRepository is the riders catalog and moto-entry/result read model,
// grounded on cc-backend's internal/repository/node.go squirrel-with-
// stmtCache pattern.
type MotoRepository struct {
	DB        *sqlx.DB
	stmtCache *sq.StmtCache
}

// GetMotoRepository returns the package-wide MotoRepository singleton.
func GetMotoRepository() *MotoRepository {
	motoRepoOnce.Do(func() {
		db := GetConnection()
		motoRepoInstance = &MotoRepository{
			DB:        db.DB,
			stmtCache: sq.NewStmtCache(db.DB),
		}
	})
	return motoRepoInstance
}

// UpsertRider inserts or refreshes a rider's catalog entry.
func (r *MotoRepository) UpsertRider(rider model.Rider) error {
	_, err := r.stmtCache.Exec(
		`INSERT INTO riders (id, plate_label, transponder_id) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET plate_label = excluded.plate_label, transponder_id = excluded.transponder_id`,
		rider.ID, rider.PlateLabel, rider.TransponderID)
	return err
}

// RidersByID resolves riderIDs into full Rider records, satisfying
// processor.RiderDirectory.
func (r *MotoRepository) RidersByID(riderIDs []string) (map[string]model.Rider, error) {
	out := make(map[string]model.Rider, len(riderIDs))
	if len(riderIDs) == 0 {
		return out, nil
	}

	query, queryArgs, err := sq.Select("id", "plate_label", "transponder_id").
		From("riders").
		Where(sq.Eq{"id": riderIDs}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("projection: build riders query: %w", err)
	}

	rows, err := r.DB.Queryx(query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("projection: query riders: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rider model.Rider
		if err := rows.StructScan(&rider); err != nil {
			return nil, fmt.Errorf("projection: scan rider: %w", err)
		}
		out[rider.ID] = rider
	}
	return out, rows.Err()
}

// UpsertMotoEntry applies a result update (position, elapsed, dnf/dns) for
// one rider within one moto, idempotently.
func (r *MotoRepository) UpsertMotoEntry(trackID, motoID, riderID string, lane int, entry MotoResult, updatedAtUS int64) error {
	_, err := r.stmtCache.Exec(
		`INSERT INTO moto_entries (track_id, moto_id, rider_id, lane, finish_position, elapsed_us, dnf, dns, updated_at_us)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (track_id, moto_id, rider_id) DO UPDATE SET
		   finish_position = excluded.finish_position,
		   elapsed_us = excluded.elapsed_us,
		   dnf = excluded.dnf,
		   dns = excluded.dns,
		   updated_at_us = excluded.updated_at_us`,
		trackID, motoID, riderID, lane, entry.FinishPosition, entry.ElapsedUS, entry.DNF, entry.DNS, updatedAtUS)
	return err
}

// MotoResult is the per-rider result row applied to moto_entries.
type MotoResult struct {
	FinishPosition *int
	ElapsedUS      *uint64
	DNF            bool
	DNS            bool
}

// MotoEntriesByMoto pages through one moto's current standings, ordered by
// finish position, for operator tooling.
func (r *MotoRepository) MotoEntriesByMoto(trackID, motoID string) ([]MotoEntryRow, error) {
	query, args, err := sq.Select("track_id", "moto_id", "rider_id", "lane", "finish_position", "elapsed_us", "dnf", "dns", "updated_at_us").
		From("moto_entries").
		Where(sq.Eq{"track_id": trackID, "moto_id": motoID}).
		OrderBy("finish_position ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("projection: build moto entries query: %w", err)
	}

	rows, err := r.DB.Queryx(query, args...)
	if err != nil {
		return nil, fmt.Errorf("projection: query moto entries: %w", err)
	}
	defer rows.Close()

	var out []MotoEntryRow
	for rows.Next() {
		var row MotoEntryRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("projection: scan moto entry: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// MotoEntryRow is one materialized moto_entries row.
type MotoEntryRow struct {
	TrackID        string  `db:"track_id"`
	MotoID         string  `db:"moto_id"`
	RiderID        string  `db:"rider_id"`
	Lane           int     `db:"lane"`
	FinishPosition *int    `db:"finish_position"`
	ElapsedUS      *uint64 `db:"elapsed_us"`
	DNF            bool    `db:"dnf"`
	DNS            bool    `db:"dns"`
	UpdatedAtUS    int64   `db:"updated_at_us"`
}
