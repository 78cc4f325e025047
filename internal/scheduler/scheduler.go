package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/GFFB0314/Bafoka-teamZ/internal/config"
)

// Scheduler runs the reconciliation jobs on their cron schedules. A run that
// is still going when its next tick fires is skipped, not queued.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

type scheduledJob struct {
	name     string
	schedule string
	run      func()
}

func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn))
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

func (s *Scheduler) table() []scheduledJob {
	return []scheduledJob{
		{name: "poll_pending_transfers", schedule: s.config.ReconcilePollSchedule, run: s.jobs.PollPendingTransfers},
		{name: "audit_revert_failures", schedule: s.config.RevertAuditSchedule, run: s.jobs.AuditRevertFailures},
		{name: "audit_unreferenced_pending", schedule: s.config.RevertAuditSchedule, run: s.jobs.AuditUnreferencedPending},
	}
}

// Register adds every job with a non-empty schedule. Jobs with an invalid
// schedule are skipped and reported together in the returned error.
func (s *Scheduler) Register() error {
	var errs []error
	for _, job := range s.table() {
		if job.schedule == "" {
			s.logger.Warn("job disabled", "job", job.name)
			continue
		}
		if _, err := s.cron.AddFunc(job.schedule, s.timed(job)); err != nil {
			errs = append(errs, fmt.Errorf("schedule %s (%q): %w", job.name, job.schedule, err))
			continue
		}
		s.logger.Info("job scheduled", "job", job.name, "schedule", job.schedule)
	}
	return errors.Join(errs...)
}

func (s *Scheduler) timed(job scheduledJob) func() {
	return func() {
		started := time.Now()
		job.run()
		s.logger.Debug("job finished", "job", job.name, "duration", time.Since(started))
	}
}

// Start registers the jobs and starts the cron loop. Registration errors are
// logged; the valid jobs still run.
func (s *Scheduler) Start() {
	if err := s.Register(); err != nil {
		s.logger.Error("failed to schedule job", "error", err)
	}
	s.cron.Start()
}

// Stop halts the cron loop. The returned context is done once running jobs
// have returned.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
