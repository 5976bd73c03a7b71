package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/maneesh/sharebox/internal/config"
	"github.com/maneesh/sharebox/internal/logging"
	"github.com/maneesh/sharebox/internal/tracing"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sharebox",
		Short: "Credit-gated file storage and sharing service",
		Long: `sharebox stores files in object storage, charges one credit per upload
and serves public share links.

Configuration is read from the environment and an optional .env file.

Examples:
  # Run the HTTP API
  sharebox serve

  # Apply database migrations
  sharebox migrate

  # Remove orphaned blobs once and exit
  sharebox reconcile`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newReconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration and builds the logger shared by all commands.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(logging.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Version:     cfg.ServiceVersion,
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return cfg, logger, nil
}

// startTracing installs the OTLP exporter when an endpoint is configured.
func startTracing(ctx context.Context, cfg *config.Config, logger *zap.Logger) func() {
	if cfg.OTLPEndpoint == "" {
		logger.Info("tracing disabled, OTLP_ENDPOINT not set")
		return func() {}
	}

	shutdownTracer, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.Environment,
		Endpoint:       cfg.OTLPEndpoint,
		SamplingRatio:  cfg.TraceSampling,
	})
	if err != nil {
		logger.Warn("failed to initialize tracer, continuing without tracing", zap.Error(err))
		return func() {}
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Error("error shutting down tracer", zap.Error(err))
		}
	}
}
