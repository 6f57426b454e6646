package projection

import (
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/bmxtiming/timingcore/internal/model"
)

var (
	auditRepoOnce     sync.Once
	auditRepoInstance *AuditRepository
)

// AuditRepository persists discarded-passing AuditRecords, backing
// GET /api/race/audit?track_id= (SPEC_FULL.md's supplemented audit trail).
type AuditRepository struct {
	DB        *sqlx.DB
	stmtCache *sq.StmtCache
}

// GetAuditRepository returns the package-wide AuditRepository singleton.
func GetAuditRepository() *AuditRepository {
	auditRepoOnce.Do(func() {
		db := GetConnection()
		auditRepoInstance = &AuditRepository{DB: db.DB, stmtCache: sq.NewStmtCache(db.DB)}
	})
	return auditRepoInstance
}

// Record appends one discarded-passing audit entry.
func (r *AuditRepository) Record(rec model.AuditRecord) error {
	_, err := r.stmtCache.Exec(
		`INSERT INTO audit_log (track_id, moto_id, reason, transponder_id, decoder_id, observed_at_us)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.TrackID, rec.MotoID, rec.Reason, rec.Passing.TransponderID, rec.Passing.DecoderID, rec.ObservedAtUS)
	return err
}

// ByTrack returns the most recent audit entries for trackID, newest first,
// capped at limit.
func (r *AuditRepository) ByTrack(trackID string, limit int) ([]AuditRow, error) {
	if limit <= 0 {
		limit = 200
	}
	query, args, err := sq.Select("track_id", "moto_id", "reason", "transponder_id", "decoder_id", "observed_at_us").
		From("audit_log").
		Where(sq.Eq{"track_id": trackID}).
		OrderBy("observed_at_us DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.DB.Queryx(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var row AuditRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// AuditRow is one materialized audit_log row.
type AuditRow struct {
	TrackID       string `db:"track_id" json:"track_id"`
	MotoID        string `db:"moto_id" json:"moto_id,omitempty"`
	Reason        string `db:"reason" json:"reason"`
	TransponderID uint32 `db:"transponder_id" json:"transponder_id"`
	DecoderID     string `db:"decoder_id" json:"decoder_id"`
	ObservedAtUS  int64  `db:"observed_at_us" json:"observed_at_us"`
}
