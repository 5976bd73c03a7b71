// Package sharing turns files into public links and resolves those links
// for anonymous downloaders.
package sharing

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/maneesh/sharebox/internal/common"
	"github.com/maneesh/sharebox/internal/logging"
	"github.com/maneesh/sharebox/internal/metrics"
	"github.com/maneesh/sharebox/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("sharebox-sharing")

const (
	tokenBytes = 16
	// TokenLength is the encoded length of every share token.
	TokenLength = 22

	maxShareAttempts = 5
)

type Store interface {
	UpdateShare(ctx context.Context, id, ownerID string, token *string) (*models.FileRecord, error)
	IncrementDownloads(ctx context.Context, token string) (*models.FileRecord, error)
}

type Manager struct {
	store    Store
	baseURL  string
	logger   *zap.Logger
	metrics  *metrics.Metrics
	newToken func() (string, error)
}

func NewManager(store Store, publicBaseURL string, logger *zap.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		store:    store,
		baseURL:  strings.TrimRight(publicBaseURL, "/"),
		logger:   logger,
		metrics:  m,
		newToken: NewToken,
	}
}

// NewToken returns 128 random bits, base64url encoded without padding.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate share token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ValidToken reports whether s has the shape of a share token.
func ValidToken(s string) bool {
	if len(s) != TokenLength {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(s)
	return err == nil
}

// ShareURL is the public link for a token.
func (m *Manager) ShareURL(token string) string {
	return m.baseURL + "/share/" + token
}

// Share issues a fresh token for the file, invalidating any previous link.
func (m *Manager) Share(ctx context.Context, fileID, ownerID string) (*models.FileRecord, string, error) {
	ctx, span := tracer.Start(ctx, "sharing.share",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
			attribute.String("owner_id", ownerID),
		),
	)
	defer span.End()

	var lastErr error
	for attempt := 1; attempt <= maxShareAttempts; attempt++ {
		token, err := m.newToken()
		if err != nil {
			span.RecordError(err)
			return nil, "", err
		}

		f, err := m.store.UpdateShare(ctx, fileID, ownerID, &token)
		switch {
		case err == nil:
			span.SetAttributes(attribute.Int("attempts", attempt))
			return f, m.ShareURL(token), nil
		case errors.Is(err, common.ErrNotFound):
			return nil, "", common.ErrNotFoundOrForbidden
		case errors.Is(err, common.ErrDuplicateKey):
			lastErr = fmt.Errorf("%w: %w", common.ErrShareTokenCollision, err)
			logging.WithContext(ctx, m.logger).Warn("share token collision, retrying",
				zap.String("file_id", fileID),
				zap.Int("attempt", attempt),
			)
		default:
			span.RecordError(err)
			return nil, "", fmt.Errorf("failed to share file: %w", err)
		}
	}

	span.RecordError(lastErr)
	return nil, "", fmt.Errorf("failed to share file after %d attempts: %w", maxShareAttempts, lastErr)
}

// Unshare revokes the file's public link.
func (m *Manager) Unshare(ctx context.Context, fileID, ownerID string) (*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "sharing.unshare",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
			attribute.String("owner_id", ownerID),
		),
	)
	defer span.End()

	f, err := m.store.UpdateShare(ctx, fileID, ownerID, nil)
	if errors.Is(err, common.ErrNotFound) {
		return nil, common.ErrNotFoundOrForbidden
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unshare file: %w", err)
	}
	return f, nil
}

// ResolveShared counts one download and returns the public view of the
// shared file. Unknown, revoked and malformed tokens all yield
// common.ErrNotFound.
func (m *Manager) ResolveShared(ctx context.Context, token string) (*models.FileView, error) {
	if !ValidToken(token) {
		m.metrics.Resolution(metrics.ResultNotFound)
		return nil, common.ErrNotFound
	}

	ctx, span := tracer.Start(ctx, "sharing.resolve")
	defer span.End()

	f, err := m.store.IncrementDownloads(ctx, token)
	if errors.Is(err, common.ErrNotFound) {
		m.metrics.Resolution(metrics.ResultNotFound)
		return nil, common.ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		m.metrics.Resolution(metrics.ResultFailed)
		return nil, fmt.Errorf("failed to resolve share: %w", err)
	}

	m.metrics.Resolution(metrics.ResultSuccess)
	span.SetAttributes(
		attribute.String("file_id", f.ID),
		attribute.Int64("download_count", f.DownloadCount),
	)
	return f.PublicView(), nil
}
