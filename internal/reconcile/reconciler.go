// Package reconcile removes blobs that were left behind without metadata.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maneesh/sharebox/internal/metrics"
	"github.com/maneesh/sharebox/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("sharebox-reconcile")

const (
	lockKey     = "reconcile-orphans"
	parallelism = 4

	// sweepTimeout bounds one sweep. The lock outlives it by the same amount
	// again, so a sweep never runs unlocked.
	sweepTimeout = 2 * time.Minute
)

type OrphanStore interface {
	ListOrphans(ctx context.Context, limit int) ([]*models.OrphanedBlob, error)
	DeleteOrphan(ctx context.Context, storagePath string) error
}

type BlobDeleter interface {
	Delete(ctx context.Context, path string) error
}

// Locker keeps two replicas from sweeping at the same time.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Unlock(ctx context.Context, key, token string) error
}

type Reconciler struct {
	store    OrphanStore
	blobs    BlobDeleter
	locker   Locker
	batch    int
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func New(store OrphanStore, blobs BlobDeleter, locker Locker, batch int, interval time.Duration, logger *zap.Logger, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		store:    store,
		blobs:    blobs,
		locker:   locker,
		batch:    batch,
		interval: interval,
		timeout:  sweepTimeout,
		logger:   logger,
		metrics:  m,
	}
}

// RunOnce sweeps one batch of orphans and returns how many were removed.
// It does nothing if another sweep holds the lock.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "reconcile.run_once",
		trace.WithAttributes(attribute.Int("batch", r.batch)),
	)
	defer span.End()

	token, ok, err := r.locker.TryLock(ctx, lockKey, r.lockTTL())
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to acquire reconcile lock: %w", err)
	}
	if !ok {
		r.logger.Debug("reconcile already running elsewhere")
		return 0, nil
	}
	defer func() {
		if err := r.locker.Unlock(context.WithoutCancel(ctx), lockKey, token); err != nil {
			r.logger.Warn("failed to release reconcile lock", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	orphans, err := r.store.ListOrphans(ctx, r.batch)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to list orphans: %w", err)
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	var (
		mu      sync.Mutex
		cleaned []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, o := range orphans {
		o := o
		g.Go(func() error {
			if err := r.blobs.Delete(gctx, o.StoragePath); err != nil {
				// Left in the queue for the next sweep.
				r.logger.Warn("orphan blob still not removable",
					zap.String("storage_path", o.StoragePath),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			cleaned = append(cleaned, o.StoragePath)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	removed := 0
	for _, path := range cleaned {
		if err := r.store.DeleteOrphan(ctx, path); err != nil {
			r.logger.Warn("failed to clear orphan record", zap.String("storage_path", path), zap.Error(err))
			continue
		}
		removed++
	}

	r.metrics.Reconciled(removed)
	span.SetAttributes(attribute.Int("removed", removed))
	r.logger.Info("orphan sweep finished",
		zap.Int("found", len(orphans)),
		zap.Int("removed", removed),
	)
	return removed, nil
}

// Run sweeps on every tick until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error("orphan sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) lockTTL() time.Duration {
	return 2 * r.timeout
}
