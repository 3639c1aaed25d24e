/**
 * @description
 * Cron scheduler for the service's housekeeping jobs. Currently it removes staged uploads that
 * were never promoted (for example after a crash between staging and the database insert).
 */
package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// StagingSweeper removes staged files older than cutoff.
type StagingSweeper interface {
	SweepStaging(cutoff time.Time) (int, error)
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  StagingSweeper
	schedule string
	maxAge   time.Duration
	now      func() time.Time
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(sweeper StagingSweeper, schedule string, maxAge time.Duration) *Scheduler {
	cronLogger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:     c,
		sweeper:  sweeper,
		schedule: schedule,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.SweepStaging); err != nil {
		log.Printf("level=error component=scheduler job=staging_sweep schedule=%q msg=\"failed to schedule job\" err=%v", s.schedule, err)
		return err
	}
	log.Printf("level=info component=scheduler job=staging_sweep schedule=%q msg=\"scheduled job\"", s.schedule)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// SweepStaging removes orphaned staged uploads.
func (s *Scheduler) SweepStaging() {
	removed, err := s.sweeper.SweepStaging(s.now().Add(-s.maxAge))
	if err != nil {
		log.Printf("level=error component=scheduler class=infrastructure job=staging_sweep removed=%d msg=\"sweep incomplete\" err=%v", removed, err)
		return
	}
	if removed > 0 {
		log.Printf("level=info component=scheduler job=staging_sweep removed=%d msg=\"removed orphaned staged files\"", removed)
	}
}
