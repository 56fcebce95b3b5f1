package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the reconciliation sweep on a cron schedule.
type Scheduler struct {
	cron       *cron.Cron
	reconciler *Reconciler
	schedule   string
	timeout    time.Duration
	logger     *slog.Logger
}

func NewScheduler(reconciler *Reconciler, schedule string, timeout time.Duration, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:       c,
		reconciler: reconciler,
		schedule:   schedule,
		timeout:    timeout,
		logger:     logger,
	}
}

// Start registers the sweep and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.runSweep); err != nil {
		s.logger.Error("failed to schedule reconciliation sweep", "error", err)
		return err
	}
	s.logger.Info("scheduled reconciliation sweep", "schedule", s.schedule)
	s.cron.Start()
	return nil
}

// Stop stops the scheduler. The returned context is done once a running
// sweep has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runSweep() {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if _, err := s.reconciler.Sweep(ctx); err != nil {
		s.logger.Error("reconciliation sweep failed", "error", err)
	}
}
