package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dramaplan/billing/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the store schema and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Log)

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		s, err := openStore(ctx, cfg.Store)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close() //nolint:errcheck // process exits next

		if err := s.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migration complete", "driver", cfg.Store.Driver)
		return nil
	},
}
