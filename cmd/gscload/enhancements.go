package main

import (
	"github.com/spf13/cobra"

	"github.com/hazyhaar/gscload/ingest"
	"github.com/hazyhaar/gscload/kit"
)

var enhFlags struct {
	dir   string
	debug bool
}

var enhancementsCmd = &cobra.Command{
	Use:   "enhancements",
	Short: "Load rich-result enhancement exports (<dir>/<type>/*.xlsx)",
	Args:  cobra.NoArgs,
	RunE:  runEnhancements,
}

func init() {
	f := enhancementsCmd.Flags()
	f.StringVar(&enhFlags.dir, "dir", "gsc_enhancements", "Export root; subfolders name the enhancement type")
	f.BoolVar(&enhFlags.debug, "debug", false, "Parse and dedup without appending")
	rootCmd.AddCommand(enhancementsCmd)
}

func runEnhancements(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(enhFlags.debug)
	if err != nil {
		return err
	}
	ctx := kit.WithTrigger(cmd.Context(), "cli")
	svc, err := ingest.OpenEnhancements(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	sum, err := svc.RunEnhancements(ctx, enhFlags.dir, enhFlags.debug)
	pushMetrics(ctx, cfg, svc, logger)
	if sum != nil {
		printSummary(cmd.OutOrStdout(), sum)
	}
	return err
}
