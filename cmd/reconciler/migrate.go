package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/llmgate/llmgate/internal/database"
	"github.com/llmgate/llmgate/internal/reconciler"
)

func newMigrateUsageLogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-usage-log",
		Short: "Add the billing columns the reconciler needs to the usage log table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			pool, err := database.NewPostgresPool(cmd.Context(), cfg.UsageLog.DB, appName)
			if err != nil {
				return fmt.Errorf("connecting to usage log database: %w", err)
			}
			defer pool.Close()

			usageLog, err := reconciler.NewPostgresUsageLog(pool, cfg.UsageLog.Table)
			if err != nil {
				return err
			}
			if err := usageLog.EnsureSchema(cmd.Context()); err != nil {
				return err
			}

			slog.Info("usage log schema ready", "table", cfg.UsageLog.Table)
			return nil
		},
	}
}
