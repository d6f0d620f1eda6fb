package ingest

import (
	"context"
	"errors"

	"github.com/hazyhaar/gscload/ingest/internal/scheduler"
	"github.com/hazyhaar/gscload/kit"
)

// Schedule runs the incremental window every serve.interval until ctx is
// cancelled. A tick that finds a run in progress is skipped.
func (s *Service) Schedule(ctx context.Context) {
	sched := scheduler.New(func(ctx context.Context, job scheduler.Job) error {
		_, err := s.Run(kit.WithTrigger(ctx, "schedule"), job.Range, RunOptions{})
		if errors.Is(err, ErrRunInProgress) {
			s.logger.Warn("ingest: scheduled run skipped, another run in progress")
			return nil
		}
		return err
	}, scheduler.Config{
		Interval:     s.config.Serve.Interval.Duration,
		LagDays:      s.config.LagDays,
		LookbackDays: s.config.LookbackDays,
	}, s.logger)
	sched.Run(ctx)
}
