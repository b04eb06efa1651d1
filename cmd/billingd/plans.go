package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/dramaplan/billing/config"
)

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "Print the plan catalog as JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		catalog, err := newCatalog(cfg.Plans)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(catalog.List())
	},
}
