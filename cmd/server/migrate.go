package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/garage-dispatch/internal/config"
	"github.com/example/garage-dispatch/internal/logging"
	"github.com/example/garage-dispatch/internal/storage"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations to PG_DSN and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.PGDSN == "" {
				return errors.New("PG_DSN is required")
			}
			logger := logging.NewLogger(cfg.LogLevel)
			db, err := storage.Open(cmd.Context(), cfg.PGDSN)
			if err != nil {
				return err
			}
			defer db.Close()
			return storage.Migrate(cmd.Context(), db, logger)
		},
	}
}
