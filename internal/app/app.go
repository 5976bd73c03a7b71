// Package app assembles the service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/maneesh/sharebox/internal/config"
	"github.com/maneesh/sharebox/internal/files"
	"github.com/maneesh/sharebox/internal/handlers"
	"github.com/maneesh/sharebox/internal/ledger"
	"github.com/maneesh/sharebox/internal/metrics"
	"github.com/maneesh/sharebox/internal/payments"
	"github.com/maneesh/sharebox/internal/profiles"
	"github.com/maneesh/sharebox/internal/reconcile"
	"github.com/maneesh/sharebox/internal/sharing"
	"github.com/maneesh/sharebox/internal/storage"
	"github.com/maneesh/sharebox/internal/storage/memstore"
	"github.com/maneesh/sharebox/internal/transactions"
	"github.com/maneesh/sharebox/internal/upload"
	"go.uber.org/zap"
)

// MetadataStore is everything the services need from the metadata backend.
type MetadataStore interface {
	profiles.Store
	files.Store
	upload.FileStore
	sharing.Store
	transactions.Store
	ledger.BalanceStore
	reconcile.OrphanStore
}

// BlobStore holds file contents.
type BlobStore interface {
	upload.BlobStore
}

// KV holds pending orders, rate-limit buckets and locks.
type KV interface {
	payments.OrderStore
	handlers.RateLimiter
	reconcile.Locker
}

// Backend bundles the three stores.
type Backend struct {
	Metadata MetadataStore
	Blobs    BlobStore
	KV       KV
	closers  []func() error
}

// Close releases backend connections.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

// OpenBackend connects to the configured stores. With BACKEND=memory nothing
// external is contacted and all state lives in process.
func OpenBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Backend, error) {
	if cfg.Backend == config.BackendMemory {
		logger.Warn("using in-memory backend, data is not persisted")
		return &Backend{
			Metadata: memstore.New(),
			Blobs:    memstore.NewBlobs(cfg.MinIOPublicBaseURL, cfg.MinIOBucketName),
			KV:       memstore.NewKV(),
		}, nil
	}

	b := &Backend{}

	logger.Info("connecting to MinIO", zap.String("endpoint", cfg.MinIOEndpoint))
	minioClient, err := storage.NewMinioClient(ctx, storage.MinioConfig{
		Endpoint:      cfg.MinIOEndpoint,
		AccessKey:     cfg.MinIOAccessKey,
		SecretKey:     cfg.MinIOSecretKey,
		BucketName:    cfg.MinIOBucketName,
		UseSSL:        cfg.MinIOUseSSL,
		PublicBaseURL: cfg.MinIOPublicBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	b.Blobs = minioClient

	logger.Info("connecting to TiDB", zap.String("host", cfg.TiDBHost))
	tidbClient, err := storage.NewTiDBClient(ctx, cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize TiDB client: %w", err)
	}
	b.Metadata = tidbClient
	b.closers = append(b.closers, tidbClient.Close)

	logger.Info("connecting to Redis", zap.String("addr", cfg.GetRedisAddr()))
	redisClient, err := storage.NewRedisClient(ctx, cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to initialize Redis client: %w", err)
	}
	b.KV = redisClient
	b.closers = append(b.closers, redisClient.Close)

	return b, nil
}

// App is the wired service.
type App struct {
	Router     http.Handler
	Reconciler *reconcile.Reconciler
}

// New builds every service on top of the backend.
func New(cfg *config.Config, b *Backend, logger *zap.Logger, m *metrics.Metrics) *App {
	if cfg.PaymentsSecret == "" {
		logger.Warn("PAYMENTS_SECRET not set, order confirmation is disabled")
	}

	recorder := transactions.NewRecorder(b.Metadata, logger.Named("transactions"))
	credits := ledger.New(b.Metadata, recorder, logger.Named("ledger"), m)

	router := handlers.NewRouter(handlers.Options{
		Profiles:       profiles.NewService(b.Metadata, cfg.StartingCredit),
		Files:          files.NewService(b.Metadata, b.Blobs, logger.Named("files"), m),
		Uploads:        upload.NewPipeline(credits, b.Blobs, b.Metadata, cfg.MaxUploadBytes, logger.Named("upload"), m),
		Sharing:        sharing.NewManager(b.Metadata, cfg.PublicBaseURL, logger.Named("sharing"), m),
		Payments:       payments.NewService(b.KV, credits, cfg.Plans, cfg.OrderTTL, logger.Named("payments")),
		Transactions:   recorder,
		Limiter:        b.KV,
		PublicRate:     cfg.PublicRateLimit,
		PublicBurst:    cfg.PublicBurst,
		JWTSecret:      []byte(cfg.JWTSecret),
		PaymentsSecret: []byte(cfg.PaymentsSecret),
		Logger:         logger.Named("http"),
		Metrics:        m,
	})

	return &App{
		Router: router,
		Reconciler: reconcile.New(b.Metadata, b.Blobs, b.KV,
			cfg.ReconcileBatch, cfg.ReconcileInterval, logger.Named("reconcile"), m),
	}
}
