package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/gscload/ingest"
)

var sitesCmd = &cobra.Command{
	Use:   "sites",
	Short: "List the properties the service account can read",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := setup(false)
		if err != nil {
			return err
		}
		sites, err := ingest.ListSites(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		for _, s := range sites {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", s.URL, s.Permission)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sitesCmd)
}
