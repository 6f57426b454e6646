package projection

import (
	"sync"

	"github.com/jmoiron/sqlx"
)

var (
	dedupeRepoOnce     sync.Once
	dedupeRepoInstance *DedupeRepository
)

// DedupeRepository is the third, durable layer of the three-layer dedupe
// design (broker message-id, in-memory LRU, this table): an insert-if-
// absent on the idempotency key, per §5's "shared state ... mediated by
// transactions around idempotency key checks" rule.
type DedupeRepository struct {
	DB *sqlx.DB
}

// GetDedupeRepository returns the package-wide DedupeRepository singleton.
func GetDedupeRepository() *DedupeRepository {
	dedupeRepoOnce.Do(func() {
		dedupeRepoInstance = &DedupeRepository{DB: GetConnection().DB}
	})
	return dedupeRepoInstance
}

// InsertIfAbsent attempts to claim key, returning true if this call is the
// first to see it (so the caller should apply the event) and false if a
// prior call already claimed it (so the caller should skip it).
func (r *DedupeRepository) InsertIfAbsent(key string, processedAtUS int64) (bool, error) {
	res, err := r.DB.Exec(
		`INSERT INTO projection_dedupe (idempotency_key, processed_at_us) VALUES ($1, $2)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		key, processedAtUS)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Compact deletes dedupe rows older than beforeUS, bounding the table's
// growth; invoked periodically by internal/scheduler.
func (r *DedupeRepository) Compact(beforeUS int64) (int64, error) {
	res, err := r.DB.Exec(`DELETE FROM projection_dedupe WHERE processed_at_us < $1`, beforeUS)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
