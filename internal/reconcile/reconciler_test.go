package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maneesh/sharebox/internal/metrics"
	"github.com/maneesh/sharebox/internal/models"
	"github.com/maneesh/sharebox/internal/storage/memstore"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func seedOrphans(t *testing.T, store *memstore.Store, blobs *memstore.Blobs, paths ...string) {
	t.Helper()
	ctx := context.Background()
	for i, p := range paths {
		_, err := blobs.Put(ctx, p, strings.NewReader("x"), 1, "")
		require.NoError(t, err)
		require.NoError(t, store.RecordOrphan(ctx, &models.OrphanedBlob{
			StoragePath: p,
			Reason:      "test",
			DetectedAt:  time.Date(2026, 1, 1, 0, i, 0, 0, time.UTC),
		}))
	}
}

type partialBlobs struct {
	*memstore.Blobs
	mu   sync.Mutex
	fail map[string]bool
}

func (b *partialBlobs) Delete(ctx context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail[path] {
		return errors.New("still locked")
	}
	return b.Blobs.Delete(ctx, path)
}

func TestRunOnce_RemovesOrphans(t *testing.T) {
	store, blobs := memstore.New(), memstore.NewBlobs("", "b")
	seedOrphans(t, store, blobs, "a/1", "a/2", "b/3", "c/4", "c/5", "d/6")
	m := metrics.New()
	r := New(store, blobs, memstore.NewKV(), 100, time.Minute, zaptest.NewLogger(t), m)

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, 0, blobs.Len())

	left, err := store.ListOrphans(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.Equal(t, 6.0, testutil.ToFloat64(m.OrphansReconciled))
}

func TestRunOnce_RespectsBatch(t *testing.T) {
	store, blobs := memstore.New(), memstore.NewBlobs("", "b")
	seedOrphans(t, store, blobs, "a/1", "a/2", "a/3")
	r := New(store, blobs, memstore.NewKV(), 2, time.Minute, zaptest.NewLogger(t), nil)

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := store.ListOrphans(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "a/3", left[0].StoragePath)
}

func TestRunOnce_KeepsFailuresQueued(t *testing.T) {
	store, mem := memstore.New(), memstore.NewBlobs("", "b")
	seedOrphans(t, store, mem, "a/1", "a/2")
	blobs := &partialBlobs{Blobs: mem, fail: map[string]bool{"a/2": true}}
	r := New(store, blobs, memstore.NewKV(), 10, time.Minute, zaptest.NewLogger(t), nil)

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := store.ListOrphans(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "a/2", left[0].StoragePath)
}

func TestRunOnce_SkipsWhenLocked(t *testing.T) {
	store, blobs := memstore.New(), memstore.NewBlobs("", "b")
	seedOrphans(t, store, blobs, "a/1")
	kv := memstore.NewKV()
	_, ok, err := kv.TryLock(context.Background(), lockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	r := New(store, blobs, kv, 10, time.Minute, zaptest.NewLogger(t), nil)
	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, blobs.Len())
}

func TestRunOnce_ReleasesLock(t *testing.T) {
	store, blobs := memstore.New(), memstore.NewBlobs("", "b")
	kv := memstore.NewKV()
	r := New(store, blobs, kv, 10, time.Minute, zaptest.NewLogger(t), nil)

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	_, ok, err := kv.TryLock(context.Background(), lockKey, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRun_StopsOnCancel(t *testing.T) {
	store, blobs := memstore.New(), memstore.NewBlobs("", "b")
	seedOrphans(t, store, blobs, "a/1")
	r := New(store, blobs, memstore.NewKV(), 10, 10*time.Millisecond, zaptest.NewLogger(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return blobs.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type ttlLocker struct {
	*memstore.KV
	ttl      time.Duration
	lockedAt time.Time
}

func (l *ttlLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.ttl, l.lockedAt = ttl, time.Now()
	return l.KV.TryLock(ctx, key, ttl)
}

type deadlineBlobs struct {
	*memstore.Blobs
	mu       sync.Mutex
	deadline time.Time
}

func (b *deadlineBlobs) Delete(ctx context.Context, path string) error {
	b.mu.Lock()
	b.deadline, _ = ctx.Deadline()
	b.mu.Unlock()
	return b.Blobs.Delete(ctx, path)
}

// A sweep must finish, or be cut off, before its lock can expire, even when
// the interval is shorter than the sweep.
func TestRunOnce_SweepEndsBeforeLockExpires(t *testing.T) {
	store := memstore.New()
	blobs := &deadlineBlobs{Blobs: memstore.NewBlobs("", "b")}
	seedOrphans(t, store, blobs.Blobs, "a/1")
	locker := &ttlLocker{KV: memstore.NewKV()}

	r := New(store, blobs, locker, 10, time.Second, zaptest.NewLogger(t), nil)
	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Greater(t, locker.ttl, time.Second)
	require.False(t, blobs.deadline.IsZero(), "sweep must carry a deadline")
	assert.True(t, blobs.deadline.Before(locker.lockedAt.Add(locker.ttl)))
}
