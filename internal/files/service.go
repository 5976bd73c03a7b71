// Package files serves an owner's own files: listing, lookup and deletion.
package files

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maneesh/sharebox/internal/common"
	"github.com/maneesh/sharebox/internal/logging"
	"github.com/maneesh/sharebox/internal/metrics"
	"github.com/maneesh/sharebox/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("sharebox-files")

type Store interface {
	GetFile(ctx context.Context, id string) (*models.FileRecord, error)
	ListFiles(ctx context.Context, ownerID string) ([]*models.FileRecord, error)
	DeleteFile(ctx context.Context, id, ownerID string) (*models.FileRecord, error)
	RecordOrphan(ctx context.Context, o *models.OrphanedBlob) error
}

type BlobDeleter interface {
	Delete(ctx context.Context, path string) error
}

type Service struct {
	store   Store
	blobs   BlobDeleter
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewService(store Store, blobs BlobDeleter, logger *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{store: store, blobs: blobs, logger: logger, metrics: m}
}

// List returns the owner's files, newest first.
func (s *Service) List(ctx context.Context, ownerID string) ([]*models.FileRecord, error) {
	files, err := s.store.ListFiles(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	if files == nil {
		files = []*models.FileRecord{}
	}
	return files, nil
}

// Get returns one file. Files of other owners are reported as missing.
func (s *Service) Get(ctx context.Context, fileID, ownerID string) (*models.FileRecord, error) {
	f, err := s.store.GetFile(ctx, fileID)
	if errors.Is(err, common.ErrNotFound) {
		return nil, common.ErrNotFoundOrForbidden
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	if f.OwnerID != ownerID {
		return nil, common.ErrNotFoundOrForbidden
	}
	return f, nil
}

// Delete removes the metadata row, then the blob. Once the row is gone the
// delete has succeeded; a blob that cannot be removed is queued as an orphan.
func (s *Service) Delete(ctx context.Context, fileID, ownerID string) error {
	ctx, span := tracer.Start(ctx, "files.delete",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
			attribute.String("owner_id", ownerID),
		),
	)
	defer span.End()

	f, err := s.store.DeleteFile(ctx, fileID, ownerID)
	if errors.Is(err, common.ErrNotFound) {
		return common.ErrNotFoundOrForbidden
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete file: %w", err)
	}

	cleanupCtx := context.WithoutCancel(ctx)
	if err := s.blobs.Delete(cleanupCtx, f.StoragePath); err != nil {
		span.RecordError(err)
		s.metrics.Orphaned()
		log := logging.WithContext(ctx, s.logger)
		log.Error("blob left after file delete",
			zap.String("file_id", f.ID),
			zap.String("storage_path", f.StoragePath),
			zap.Error(fmt.Errorf("%w: %w", common.ErrOrphanedBlob, err)),
		)
		qerr := s.store.RecordOrphan(cleanupCtx, &models.OrphanedBlob{
			StoragePath: f.StoragePath,
			Reason:      err.Error(),
			DetectedAt:  time.Now().UTC(),
		})
		if qerr != nil {
			log.Error("failed to queue orphaned blob", zap.String("storage_path", f.StoragePath), zap.Error(qerr))
		}
	}
	return nil
}
