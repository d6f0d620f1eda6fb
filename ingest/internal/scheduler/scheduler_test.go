package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
)

func TestNext_Window(t *testing.T) {
	// WHAT: The job window ends LagDays before today and spans LookbackDays.
	// WHY: Recent days are still settling upstream.
	s := New(func(context.Context, Job) error { return nil }, Config{LagDays: 3, LookbackDays: 3}, nil)
	s.now = func() time.Time { return time.Date(2025, 9, 10, 23, 0, 0, 0, time.UTC) }

	job := s.Next()
	if job.Range.Start != (civil.Date{Year: 2025, Month: 9, Day: 5}) || job.Range.End != (civil.Date{Year: 2025, Month: 9, Day: 7}) {
		t.Errorf("range = %s", job.Range)
	}
}

func TestRun_ImmediateAndTicks(t *testing.T) {
	// WHAT: Run fires once on start and again on each tick, then stops on cancel.
	// WHY: A restarted service should not wait a whole interval.
	var mu sync.Mutex
	calls := 0
	ctx, cancel := context.WithCancel(context.Background())
	sink := func(context.Context, Job) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 3 {
			cancel()
		}
		return errors.New("sink errors are logged only")
	}
	s := New(sink, Config{Interval: time.Millisecond}, nil)

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDefaults(t *testing.T) {
	// WHAT: Zero config gets a daily interval and a three-day window.
	// WHY: Matches the one-shot CLI defaults.
	s := New(nil, Config{}, nil)
	if s.config.Interval != 24*time.Hour || s.config.LookbackDays != 3 {
		t.Errorf("config = %+v", s.config)
	}
}
