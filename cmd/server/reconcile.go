package main

import (
	"github.com/maneesh/sharebox/internal/app"
	"github.com/maneesh/sharebox/internal/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Remove one batch of orphaned blobs and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			backend, err := app.OpenBackend(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer backend.Close()

			a := app.New(cfg, backend, logger, metrics.New())
			n, err := a.Reconciler.RunOnce(ctx)
			if err != nil {
				logger.Error("reconcile failed", zap.Error(err))
				return err
			}
			logger.Info("reconcile finished", zap.Int("removed", n))
			return nil
		},
	}
}
