package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/gscload/ingest"
	"github.com/hazyhaar/gscload/kit"
)

var runFlags struct {
	start   string
	end     string
	debug   bool
	dumpDir string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Load search analytics for a date range",
	Long: `Fetch every batch of the dimension plan for the range and append the rows
not already stored. Without dates the range is the incremental window ending
lag_days before today.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.start, "start-date", "", "First day, YYYY-MM-DD")
	f.StringVar(&runFlags.end, "end-date", "", "Last day, YYYY-MM-DD")
	f.BoolVar(&runFlags.debug, "debug", false, "Fetch and dedup without appending")
	f.StringVar(&runFlags.dumpDir, "dump-dir", "", "Write new rows of each batch as parquet under this directory")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(runFlags.debug)
	if err != nil {
		return err
	}
	if runFlags.dumpDir != "" {
		cfg.Dump.Dir = runFlags.dumpDir
	}
	dr, err := resolveRange(cfg, runFlags.start, runFlags.end, time.Now())
	if err != nil {
		return err
	}

	ctx := kit.WithTrigger(cmd.Context(), "cli")
	svc, err := ingest.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	sum, err := svc.Run(ctx, dr, ingest.RunOptions{Debug: runFlags.debug})
	pushMetrics(ctx, cfg, svc, logger)
	if sum != nil {
		printSummary(cmd.OutOrStdout(), sum)
	}
	return err
}

// resolveRange parses explicit dates or falls back to the configured window.
// Giving only one bound is an error.
func resolveRange(cfg *ingest.Config, start, end string, now time.Time) (ingest.DateRange, error) {
	if start == "" && end == "" {
		return cfg.Window(now), nil
	}
	if start == "" || end == "" {
		return ingest.DateRange{}, fmt.Errorf("%w: --start-date and --end-date go together", ingest.ErrInvalidRange)
	}
	return ingest.ParseRange(start, end)
}

func printSummary(w io.Writer, sum *ingest.RunSummary) {
	fmt.Fprintf(w, "run %s (%s) %s\n", sum.RunID, sum.Range, sum.Status())
	for _, b := range sum.Batches {
		line := fmt.Sprintf("  %-26s fetched=%-7d new=%-7d inserted=%-7d", b.Name, b.Fetched, b.New, b.Inserted)
		if b.Err != nil {
			line += " error=" + b.Err.Error()
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "total fetched=%d new=%d inserted=%d failed_batches=%d\n",
		sum.Totals.Fetched, sum.Totals.New, sum.Totals.Inserted, sum.Totals.FailedBatches)
}
