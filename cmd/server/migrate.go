package main

import (
	"context"
	"time"

	"github.com/maneesh/sharebox/internal/config"
	"github.com/maneesh/sharebox/internal/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending TiDB schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if cfg.Backend == config.BackendMemory {
				logger.Info("memory backend has no schema, nothing to migrate")
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			db, err := storage.NewTiDBClient(ctx, cfg.GetDSN())
			if err != nil {
				return err
			}
			defer db.Close()

			if err := storage.Migrate(ctx, db.DB()); err != nil {
				logger.Error("migration failed", zap.Error(err))
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}
