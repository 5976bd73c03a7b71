package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/maneesh/sharebox/internal/app"
	"github.com/maneesh/sharebox/internal/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	var noReconcile bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(noReconcile)
		},
	}
	cmd.Flags().BoolVar(&noReconcile, "no-reconcile", false, "Do not run the background orphan reconciler")
	return cmd
}

func runServe(noReconcile bool) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting sharebox",
		zap.String("port", cfg.ServicePort),
		zap.String("backend", cfg.Backend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopTracing := startTracing(ctx, cfg, logger)
	defer stopTracing()

	backend, err := app.OpenBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open backend", zap.Error(err))
		return err
	}
	defer backend.Close()

	a := app.New(cfg, backend, logger, metrics.New())

	if !noReconcile {
		go a.Reconciler.Run(ctx)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServicePort,
		Handler:      a.Router,
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
	return nil
}
