// Package scheduler registers the timing core's periodic maintenance jobs
// against a single gocron scheduler, the same package-level-scheduler
// shape as cc-backend's internal/taskManager (RegisterXService functions
// calling s.NewJob against a scheduler built once in Start).
package scheduler

import (
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/bmxtiming/timingcore/internal/projection"
	"github.com/bmxtiming/timingcore/pkg/log"
)

var s gocron.Scheduler

// DrainFunc retries a gateway's spool drain; registered by cmd/track-gateway.
type DrainFunc func()

// Start builds the scheduler with no jobs registered yet. Callers register
// whichever jobs apply to their process (timingd registers dedupe
// compaction, track-gateway registers spool drain) before the scheduler is
// later stopped with Shutdown.
func Start(_ time.Duration) error {
	var err error
	s, err = gocron.NewScheduler()
	if err != nil {
		return err
	}
	s.Start()
	return nil
}

// RegisterSpoolDrain adds a periodic retry of drain, used by the gateway
// process to flush its overflow spool once the upstream recovers.
func RegisterSpoolDrain(interval time.Duration, drain DrainFunc) error {
	_, err := s.NewJob(gocron.DurationJob(interval), gocron.NewTask(drain))
	return err
}

// RegisterDedupeCompaction deletes projection_dedupe rows older than
// retention, bounding the table the way cc-backend's retention services
// bound the job archive. Only timingd (the process that owns the
// projection database) should call this.
func RegisterDedupeCompaction(retention time.Duration) error {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	_, err := s.NewJob(gocron.DurationJob(1*time.Hour), gocron.NewTask(func() {
		cutoff := time.Now().Add(-retention).UTC().UnixMicro()
		n, err := projection.GetDedupeRepository().Compact(cutoff)
		if err != nil {
			log.Warnf("scheduler: dedupe compaction failed: %v", err)
			return
		}
		if n > 0 {
			log.Infof("scheduler: compacted %d stale dedupe rows", n)
		}
	}))
	return err
}

// Shutdown stops the scheduler.
func Shutdown() {
	if s != nil {
		_ = s.Shutdown()
	}
}
