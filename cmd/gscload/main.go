// Command gscload loads Google Search Console search analytics into a
// warehouse without duplicating rows across runs.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/gscload/ingest"
)

// logOutput receives logs; stdout is kept for command output.
var logOutput io.Writer = os.Stderr

var rootFlags struct {
	config string
}

var rootCmd = &cobra.Command{
	Use:           "gscload",
	Short:         "Idempotent Search Console to warehouse loader",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlags.config, "config", env("GSCLOAD_CONFIG", ""), "Path to YAML config (default: built-in defaults plus env)")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("gscload failed", "error", err)
		cancel()
		os.Exit(1)
	}
}

// setup loads the config and installs the default logger. debug forces
// debug-level logs.
func setup(debug bool) (*ingest.Config, *slog.Logger, error) {
	cfg, err := ingest.LoadConfig(rootFlags.config)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.LogLevel
	if debug {
		level = "debug"
	}
	logger := newLogger(logOutput, level, cfg.LogFormat)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// pushMetrics sends the run's collectors to the Pushgateway, if configured.
func pushMetrics(ctx context.Context, cfg *ingest.Config, svc *ingest.Service, logger *slog.Logger) {
	if cfg.Metrics.Pushgateway == "" || svc.Metrics() == nil {
		return
	}
	if err := svc.Metrics().Push(context.WithoutCancel(ctx), cfg.Metrics.Pushgateway, cfg.Metrics.Job); err != nil {
		logger.Warn("metrics push failed", "error", err)
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
