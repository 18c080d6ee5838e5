// Package scheduler runs the periodic sweeps that wake due timers and recover
// executions abandoned by a crashed worker.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowengine/pkg/log"
	"github.com/robfig/cron/v3"
)

// Sweeps is implemented by the coordinator.
type Sweeps interface {
	ResumeDue(ctx context.Context, now time.Time) (int, error)
	RecoverStalled(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error)
}

type Config struct {
	ResumeInterval  time.Duration
	RecoverInterval time.Duration
	StaleAfter      time.Duration
}

type Sweeper struct {
	logger *slog.Logger
	sweeps Sweeps
	config Config
	now    func() time.Time
	cron   *cron.Cron
	ctx    context.Context
}

func NewSweeper(logger *slog.Logger, sweeps Sweeps, config Config) *Sweeper {
	return &Sweeper{
		logger: logger.With("module", "sweeper"),
		sweeps: sweeps,
		config: config,
		now:    time.Now,
	}
}

// Start schedules both sweeps. Runs never overlap with themselves.
func (s *Sweeper) Start(ctx context.Context) error {
	s.ctx = ctx

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	if _, err := s.cron.AddFunc(every(s.config.ResumeInterval), s.resumeDue); err != nil {
		return fmt.Errorf("failed to schedule resume sweep: %w", err)
	}

	if _, err := s.cron.AddFunc(every(s.config.RecoverInterval), s.recoverStalled); err != nil {
		return fmt.Errorf("failed to schedule recovery sweep: %w", err)
	}

	s.logger.InfoContext(ctx, "Starting sweeper",
		"resume_interval", s.config.ResumeInterval,
		"recover_interval", s.config.RecoverInterval)

	s.cron.Start()

	return nil
}

// Stop waits for running sweeps to finish.
func (s *Sweeper) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}

	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

func (s *Sweeper) resumeDue() {
	resumed, err := s.sweeps.ResumeDue(s.ctx, s.now())
	if err != nil {
		s.logger.ErrorContext(s.ctx, "Resume sweep failed", log.Error(err))

		return
	}

	if resumed > 0 {
		s.logger.InfoContext(s.ctx, "Resumed due executions", "count", resumed)
	}
}

func (s *Sweeper) recoverStalled() {
	recovered, err := s.sweeps.RecoverStalled(s.ctx, s.now(), s.config.StaleAfter)
	if err != nil {
		s.logger.ErrorContext(s.ctx, "Recovery sweep failed", log.Error(err))

		return
	}

	if recovered > 0 {
		s.logger.WarnContext(s.ctx, "Recovered stalled executions", "count", recovered)
	}
}
