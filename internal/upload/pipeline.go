// Package upload runs the credit-gated upload sequence: reserve a credit,
// store the blob, write the metadata row, then commit the credit. Any failure
// after the reservation rolls back what was done so far.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/sharebox/internal/common"
	"github.com/maneesh/sharebox/internal/digest"
	"github.com/maneesh/sharebox/internal/ledger"
	"github.com/maneesh/sharebox/internal/logging"
	"github.com/maneesh/sharebox/internal/metrics"
	"github.com/maneesh/sharebox/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("sharebox-upload")

// Credits reserves and settles one credit per upload.
type Credits interface {
	CheckAndReserve(ctx context.Context, ownerID string) (*ledger.Reservation, error)
	Commit(r *ledger.Reservation) bool
	Release(ctx context.Context, r *ledger.Reservation) error
}

type BlobStore interface {
	Put(ctx context.Context, path string, r io.Reader, size int64, contentType string) (string, error)
	Delete(ctx context.Context, path string) error
}

type FileStore interface {
	InsertFile(ctx context.Context, f *models.FileRecord) error
	DeleteFile(ctx context.Context, id, ownerID string) (*models.FileRecord, error)
	RecordOrphan(ctx context.Context, o *models.OrphanedBlob) error
}

// Request describes one upload. Size is the declared length of Body.
type Request struct {
	OwnerID  string
	Filename string
	MimeType string
	Size     int64
	Body     io.Reader
}

type Pipeline struct {
	credits Credits
	blobs   BlobStore
	files   FileStore
	maxSize int64
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewPipeline(credits Credits, blobs BlobStore, files FileStore, maxSize int64, logger *zap.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		credits: credits,
		blobs:   blobs,
		files:   files,
		maxSize: maxSize,
		logger:  logger,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// MaxSize returns the largest accepted upload in bytes.
func (p *Pipeline) MaxSize() int64 {
	return p.maxSize
}

// Upload stores one file for the owner and charges one credit for it.
// The credit is spent only if both the blob and its metadata row were
// written; otherwise it is refunded, also when ctx is cancelled before the
// row is written. The one exception is ErrUploadUnresolved.
func (p *Pipeline) Upload(ctx context.Context, req Request) (*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "upload.file",
		trace.WithAttributes(
			attribute.String("owner_id", req.OwnerID),
			attribute.String("file_name", req.Filename),
			attribute.Int64("file_size", req.Size),
		),
	)
	defer span.End()
	log := logging.WithContext(ctx, p.logger).With(zap.String("owner_id", req.OwnerID))

	if req.OwnerID == "" {
		return nil, fmt.Errorf("%w: missing owner", common.ErrInvalidInput)
	}
	if req.Size < 0 {
		return nil, fmt.Errorf("%w: negative size", common.ErrInvalidInput)
	}
	if req.Size > p.maxSize {
		p.metrics.Upload(metrics.ResultTooLarge, 0)
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", common.ErrFileTooLarge, req.Size, p.maxSize)
	}

	// Step 1: reserve the credit
	res, err := p.credits.CheckAndReserve(ctx, req.OwnerID)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, common.ErrInsufficientCredits) {
			p.metrics.Upload(metrics.ResultNoCredits, 0)
		} else {
			p.metrics.Upload(metrics.ResultFailed, 0)
		}
		return nil, err
	}

	// Compensation must finish even if the client is gone.
	cleanupCtx := context.WithoutCancel(ctx)

	// Step 2: write the blob
	storagePath := StoragePath(req.OwnerID, req.Filename)
	publicURL, checksum, err := p.putBlob(ctx, storagePath, req)
	if err != nil {
		span.RecordError(err)
		p.release(cleanupCtx, res)
		p.metrics.Upload(metrics.ResultStorageFailed, 0)
		log.Warn("blob write failed", zap.String("storage_path", storagePath), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", common.ErrStorageWriteFailed, err)
	}

	// Step 3: write the metadata row
	file := &models.FileRecord{
		ID:           uuid.NewString(),
		OwnerID:      req.OwnerID,
		OriginalName: req.Filename,
		MimeType:     req.MimeType,
		SizeBytes:    req.Size,
		StoragePath:  storagePath,
		PublicURL:    publicURL,
		Checksum:     checksum,
		CreatedAt:    p.now(),
	}
	// A request cancelled by now rolls back. Once started, the insert runs to
	// completion so its outcome is known.
	err = ctx.Err()
	if err == nil {
		err = p.files.InsertFile(cleanupCtx, file)
	}
	if err != nil {
		span.RecordError(err)
		log.Warn("metadata write failed", zap.String("storage_path", storagePath), zap.Error(err))
		return nil, p.undoMetadata(cleanupCtx, log, file, res, err)
	}

	// Step 4: commit
	p.credits.Commit(res)
	p.metrics.Upload(metrics.ResultSuccess, req.Size)
	span.SetAttributes(attribute.String("file_id", file.ID))
	log.Info("file uploaded",
		zap.String("file_id", file.ID),
		zap.Int64("file_size", file.SizeBytes),
	)
	return file, nil
}

func (p *Pipeline) putBlob(ctx context.Context, storagePath string, req Request) (string, string, error) {
	ctx, span := tracer.Start(ctx, "upload.put_blob",
		trace.WithAttributes(attribute.String("storage_path", storagePath)),
	)
	defer span.End()

	body := digest.NewReader(req.Body)
	publicURL, err := p.blobs.Put(ctx, storagePath, body, req.Size, req.MimeType)
	if err == nil && body.BytesRead() != req.Size {
		err = fmt.Errorf("body length %d does not match declared size %d", body.BytesRead(), req.Size)
		if derr := p.blobs.Delete(context.WithoutCancel(ctx), storagePath); derr != nil {
			p.orphan(context.WithoutCancel(ctx), storagePath, derr)
		}
	}
	if err != nil {
		span.RecordError(err)
		return "", "", err
	}
	return publicURL, body.Sum(), nil
}

// undoMetadata rolls back after a failed metadata write. The row is removed
// first because the insert may have landed despite the error. If that removal
// fails the row may be live, so the blob and the credit are both kept.
func (p *Pipeline) undoMetadata(ctx context.Context, log *zap.Logger, file *models.FileRecord, res *ledger.Reservation, cause error) error {
	wrapped := fmt.Errorf("%w: %w", common.ErrMetadataWriteFailed, cause)

	if _, err := p.files.DeleteFile(ctx, file.ID, file.OwnerID); err != nil && !errors.Is(err, common.ErrNotFound) {
		p.credits.Commit(res)
		p.metrics.Upload(metrics.ResultUnresolved, 0)
		log.Error("upload outcome unknown, keeping blob and credit",
			zap.String("file_id", file.ID),
			zap.String("storage_path", file.StoragePath),
			zap.NamedError("insert_error", cause),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", wrapped, common.ErrUploadUnresolved)
	}

	p.metrics.Upload(metrics.ResultMetadataFailed, 0)
	if err := p.blobs.Delete(ctx, file.StoragePath); err != nil {
		p.orphan(ctx, file.StoragePath, err)
		wrapped = fmt.Errorf("%w: %w", wrapped, common.ErrOrphanedBlob)
	}
	p.release(ctx, res)
	return wrapped
}

func (p *Pipeline) release(ctx context.Context, res *ledger.Reservation) {
	// Release logs its own failure.
	_ = p.credits.Release(ctx, res)
}

func (p *Pipeline) orphan(ctx context.Context, storagePath string, cause error) {
	p.metrics.Orphaned()
	log := logging.WithContext(ctx, p.logger)
	log.Error("blob left without metadata",
		zap.String("storage_path", storagePath),
		zap.Error(fmt.Errorf("%w: %w", common.ErrOrphanedBlob, cause)),
	)
	err := p.files.RecordOrphan(ctx, &models.OrphanedBlob{
		StoragePath: storagePath,
		Reason:      cause.Error(),
		DetectedAt:  p.now(),
	})
	if err != nil {
		log.Error("failed to queue orphaned blob", zap.String("storage_path", storagePath), zap.Error(err))
	}
}

// StoragePath builds a unique object key under the owner's prefix, keeping
// the original extension.
func StoragePath(ownerID, filename string) string {
	ext := strings.ToLower(path.Ext(path.Base(strings.ReplaceAll(filename, "\\", "/"))))
	if len(ext) > 16 || strings.ContainsAny(ext, " ?#%") {
		ext = ""
	}
	return url.PathEscape(ownerID) + "/" + uuid.NewString() + ext
}
