package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/gscload/ingest"
	"github.com/hazyhaar/gscload/observability"
	"github.com/hazyhaar/gscload/shield"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the incremental window on a schedule and serve health, metrics, and runs",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(false)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	svc, err := ingest.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	var gatherer prometheus.Gatherer = prometheus.NewRegistry()
	if m := svc.Metrics(); m != nil {
		gatherer = m.Registry
	}
	srv := &server{
		ctx:    ctx,
		now:    time.Now,
		window: cfg.Window,
		run: func(ctx context.Context, dr ingest.DateRange, debug bool) (any, error) {
			sum, err := svc.Run(ctx, dr, ingest.RunOptions{Debug: debug})
			if sum == nil {
				return nil, err
			}
			return svc.Report(sum), err
		},
		gatherer: gatherer,
		token:    cfg.Serve.Token,
		limiter:  shield.NewRateLimiter(6, time.Minute),
		logger:   logger,
	}
	if l := svc.Ledger(); l != nil {
		srv.runs = l.RecentRuns
		srv.detail = func(ctx context.Context, runID string) (observability.RunEntry, []observability.BatchEntry, error) {
			run, err := l.Run(ctx, runID)
			if err != nil {
				return run, nil, err
			}
			batches, err := l.RunBatches(ctx, runID)
			return run, batches, err
		}
	}

	go svc.Schedule(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Serve.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("serve: listening", "addr", cfg.Serve.Listen, "interval", cfg.Serve.Interval.String())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("serve: shutdown", "error", err)
	}
	logger.Info("serve: stopped")
	return nil
}

// recentRuns lists ledger runs, newest first.
type recentRuns func(ctx context.Context, limit int) ([]observability.RunEntry, error)

// runDetail returns one run and its batch rows; an unknown run gives
// observability.ErrRunNotFound.
type runDetail func(ctx context.Context, runID string) (observability.RunEntry, []observability.BatchEntry, error)
