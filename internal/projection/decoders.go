package projection

import (
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/bmxtiming/timingcore/internal/model"
)

var (
	decoderRepoOnce     sync.Once
	decoderRepoInstance *DecoderRepository
)

// DecoderRepository materializes the decoder_status rollup named in
// SPEC_FULL.md's supplemented features section.
type DecoderRepository struct {
	DB        *sqlx.DB
	stmtCache *sq.StmtCache
}

// GetDecoderRepository returns the package-wide DecoderRepository singleton.
func GetDecoderRepository() *DecoderRepository {
	decoderRepoOnce.Do(func() {
		db := GetConnection()
		decoderRepoInstance = &DecoderRepository{DB: db.DB, stmtCache: sq.NewStmtCache(db.DB)}
	})
	return decoderRepoInstance
}

// RecordStatus upserts the latest health report from one decoder.
func (r *DecoderRepository) RecordStatus(trackID string, s model.Status, observedAtUS int64) error {
	_, err := r.stmtCache.Exec(
		`INSERT INTO decoder_status (track_id, decoder_id, noise, gps_status, temperature_dc, satellites, last_seen_us)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (track_id, decoder_id) DO UPDATE SET
		   noise = excluded.noise, gps_status = excluded.gps_status,
		   temperature_dc = excluded.temperature_dc, satellites = excluded.satellites,
		   last_seen_us = excluded.last_seen_us`,
		trackID, s.DecoderID, s.Noise, s.GPSStatus, s.TemperatureDC, s.Satellites, observedAtUS)
	return err
}

// DecoderStatusRow is one materialized decoder_status row, with Stale
// computed against a caller-supplied staleness window.
type DecoderStatusRow struct {
	TrackID       string `db:"track_id"`
	DecoderID     string `db:"decoder_id"`
	Noise         uint8  `db:"noise"`
	GPSStatus     uint8  `db:"gps_status"`
	TemperatureDC int16  `db:"temperature_dc"`
	Satellites    uint8  `db:"satellites"`
	LastSeenUS    int64  `db:"last_seen_us"`
	Stale         bool   `db:"-"`
}

// ByTrack lists every decoder's last known status for a track, flagging
// staleness against staleAfter.
func (r *DecoderRepository) ByTrack(trackID string, staleAfter time.Duration, nowUS int64) ([]DecoderStatusRow, error) {
	query, args, err := sq.Select("track_id", "decoder_id", "noise", "gps_status", "temperature_dc", "satellites", "last_seen_us").
		From("decoder_status").
		Where(sq.Eq{"track_id": trackID}).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.DB.Queryx(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DecoderStatusRow
	thresholdUS := staleAfter.Microseconds()
	for rows.Next() {
		var row DecoderStatusRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		row.Stale = nowUS-row.LastSeenUS > thresholdUS
		out = append(out, row)
	}
	return out, rows.Err()
}
