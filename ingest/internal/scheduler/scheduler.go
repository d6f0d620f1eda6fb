// Package scheduler triggers incremental ingestion windows on a ticker.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/gscload/ingest/internal/record"
)

// Job is one scheduled run.
type Job struct {
	Range record.DateRange
	At    time.Time
}

// Config configures the scheduler.
type Config struct {
	// Interval between runs. Default: 24h.
	Interval time.Duration
	// LagDays is how far before today the window ends. Default: 3.
	LagDays int
	// LookbackDays is the window length. Default: 3.
	LookbackDays int
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 24 * time.Hour
	}
	if c.LagDays < 0 {
		c.LagDays = 0
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = 3
	}
}

// JobSink runs a job. It is called synchronously, so a slow run delays
// the next tick instead of overlapping it.
type JobSink func(ctx context.Context, job Job) error

// Scheduler emits one job per interval.
type Scheduler struct {
	sink   JobSink
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Scheduler.
func New(sink JobSink, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{sink: sink, config: cfg, logger: logger, now: time.Now}
}

// Run blocks until ctx is cancelled, running once immediately.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Next returns the job the scheduler would emit now.
func (s *Scheduler) Next() Job {
	now := s.now()
	return Job{
		Range: record.Window(record.Today(now), s.config.LagDays, s.config.LookbackDays),
		At:    now,
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	job := s.Next()
	s.logger.Info("scheduler: run due", "range", job.Range.String())
	if err := s.sink(ctx, job); err != nil {
		s.logger.Error("scheduler: run failed", "range", job.Range.String(), "error", err)
	}
}
