package files

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/maneesh/sharebox/internal/common"
	"github.com/maneesh/sharebox/internal/models"
	"github.com/maneesh/sharebox/internal/storage/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func seed(t *testing.T, store *memstore.Store, blobs *memstore.Blobs, id, owner string, created time.Time) *models.FileRecord {
	t.Helper()
	ctx := context.Background()
	path := owner + "/" + id + ".txt"
	url, err := blobs.Put(ctx, path, strings.NewReader("data"), 4, "text/plain")
	require.NoError(t, err)
	f := &models.FileRecord{
		ID:          id,
		OwnerID:     owner,
		SizeBytes:   4,
		StoragePath: path,
		PublicURL:   url,
		CreatedAt:   created,
	}
	require.NoError(t, store.InsertFile(ctx, f))
	return f
}

type stuckBlobs struct{ *memstore.Blobs }

func (stuckBlobs) Delete(context.Context, string) error { return errors.New("access denied") }

func TestList_NewestFirstAndScoped(t *testing.T) {
	store, blobs := memstore.New(), memstore.NewBlobs("", "b")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seed(t, store, blobs, "old", "alice", base)
	seed(t, store, blobs, "new", "alice", base.Add(time.Hour))
	seed(t, store, blobs, "bobs", "bob", base.Add(2*time.Hour))

	svc := NewService(store, blobs, zaptest.NewLogger(t), nil)
	files, err := svc.List(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "new", files[0].ID)
	assert.Equal(t, "old", files[1].ID)

	none, err := svc.List(context.Background(), "carol")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestGet_OwnerOnly(t *testing.T) {
	store, blobs := memstore.New(), memstore.NewBlobs("", "b")
	seed(t, store, blobs, "f1", "alice", time.Now())
	svc := NewService(store, blobs, zaptest.NewLogger(t), nil)

	f, err := svc.Get(context.Background(), "f1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "f1", f.ID)

	_, err = svc.Get(context.Background(), "f1", "bob")
	assert.ErrorIs(t, err, common.ErrNotFoundOrForbidden)
	_, err = svc.Get(context.Background(), "missing", "alice")
	assert.ErrorIs(t, err, common.ErrNotFoundOrForbidden)
}

// After a delete neither the row nor the blob remains.
func TestDelete_RemovesRowAndBlob(t *testing.T) {
	store, blobs := memstore.New(), memstore.NewBlobs("", "b")
	f := seed(t, store, blobs, "f1", "alice", time.Now())
	svc := NewService(store, blobs, zaptest.NewLogger(t), nil)

	require.NoError(t, svc.Delete(context.Background(), "f1", "alice"))

	_, err := store.GetFile(context.Background(), "f1")
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = blobs.Get(context.Background(), f.StoragePath)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestDelete_ForeignFileUntouched(t *testing.T) {
	store, blobs := memstore.New(), memstore.NewBlobs("", "b")
	seed(t, store, blobs, "f1", "alice", time.Now())
	svc := NewService(store, blobs, zaptest.NewLogger(t), nil)

	err := svc.Delete(context.Background(), "f1", "bob")
	assert.ErrorIs(t, err, common.ErrNotFoundOrForbidden)
	assert.Equal(t, 1, blobs.Len())

	_, err = store.GetFile(context.Background(), "f1")
	assert.NoError(t, err)
}

func TestDelete_BlobFailureQueuesOrphan(t *testing.T) {
	store, blobs := memstore.New(), memstore.NewBlobs("", "b")
	f := seed(t, store, blobs, "f1", "alice", time.Now())
	svc := NewService(store, stuckBlobs{blobs}, zaptest.NewLogger(t), nil)

	require.NoError(t, svc.Delete(context.Background(), "f1", "alice"))

	_, err := store.GetFile(context.Background(), "f1")
	assert.ErrorIs(t, err, common.ErrNotFound)

	orphans, err := store.ListOrphans(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, f.StoragePath, orphans[0].StoragePath)
	assert.Equal(t, "access denied", orphans[0].Reason)
}

func TestDelete_SharedLinkDies(t *testing.T) {
	store, blobs := memstore.New(), memstore.NewBlobs("", "b")
	seed(t, store, blobs, "f1", "alice", time.Now())
	token := "abcdefghijklmnopqrstuv"
	_, err := store.UpdateShare(context.Background(), "f1", "alice", &token)
	require.NoError(t, err)

	svc := NewService(store, blobs, zaptest.NewLogger(t), nil)
	require.NoError(t, svc.Delete(context.Background(), "f1", "alice"))

	_, err = store.IncrementDownloads(context.Background(), token)
	assert.ErrorIs(t, err, common.ErrNotFound)
}
