// Package memstore is an in-process backend with the same contracts as the
// TiDB, MinIO and Redis clients. It backs BACKEND=memory runs and tests.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/sharebox/internal/common"
	"github.com/maneesh/sharebox/internal/models"
	"github.com/maneesh/sharebox/internal/storage"
)

// Store holds profiles, files, transactions and orphaned blobs.
type Store struct {
	mu           sync.Mutex
	profiles     map[string]*models.Profile
	files        map[string]*models.FileRecord
	paths        map[string]string // storage_path -> file id
	tokens       map[string]string // share_token -> file id
	transactions []*models.Transaction
	orphans      map[string]*models.OrphanedBlob
	now          func() time.Time
}

func New() *Store {
	return &Store{
		profiles: make(map[string]*models.Profile),
		files:    make(map[string]*models.FileRecord),
		paths:    make(map[string]string),
		tokens:   make(map[string]string),
		orphans:  make(map[string]*models.OrphanedBlob),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) UpsertProfile(ctx context.Context, p *models.Profile, initialCredits int64) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur, ok := s.profiles[p.OwnerID]
	if !ok {
		cur = &models.Profile{
			OwnerID:       p.OwnerID,
			CreditBalance: initialCredits,
			Plan:          models.PlanBasic,
			CreatedAt:     now,
		}
		s.profiles[p.OwnerID] = cur
	}
	cur.Email = p.Email
	cur.DisplayName = p.DisplayName
	cur.ImageURL = p.ImageURL
	cur.UpdatedAt = now

	c := *cur
	return &c, nil
}

func (s *Store) GetProfile(ctx context.Context, ownerID string) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[ownerID]
	if !ok {
		return nil, common.ErrNotFound
	}
	c := *p
	return &c, nil
}

func (s *Store) DecrementCreditIfPositive(ctx context.Context, ownerID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[ownerID]
	if !ok || p.CreditBalance <= 0 {
		return false, nil
	}
	p.CreditBalance--
	p.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) IncrementCredits(ctx context.Context, ownerID string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[ownerID]
	if !ok {
		return common.ErrNotFound
	}
	p.CreditBalance += amount
	p.UpdatedAt = s.now()
	return nil
}

func (s *Store) GrantCredits(ctx context.Context, ownerID string, amount int64, plan models.Plan) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[ownerID]
	if !ok {
		return 0, common.ErrNotFound
	}
	p.CreditBalance += amount
	p.Plan = plan
	p.UpdatedAt = s.now()
	return p.CreditBalance, nil
}

func (s *Store) InsertFile(ctx context.Context, f *models.FileRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[f.ID]; ok {
		return fmt.Errorf("failed to insert file: %w", common.ErrDuplicateKey)
	}
	if _, ok := s.paths[f.StoragePath]; ok {
		return fmt.Errorf("failed to insert file: %w", common.ErrDuplicateKey)
	}
	if f.ShareToken != nil {
		if _, ok := s.tokens[*f.ShareToken]; ok {
			return fmt.Errorf("failed to insert file: %w", common.ErrDuplicateKey)
		}
		s.tokens[*f.ShareToken] = f.ID
	}
	s.files[f.ID] = f.Clone()
	s.paths[f.StoragePath] = f.ID
	return nil
}

func (s *Store) GetFile(ctx context.Context, id string) (*models.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return f.Clone(), nil
}

func (s *Store) ListFiles(ctx context.Context, ownerID string) ([]*models.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.FileRecord
	for _, f := range s.files {
		if f.OwnerID == ownerID {
			out = append(out, f.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateShare(ctx context.Context, id, ownerID string, token *string) (*models.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[id]
	if !ok || f.OwnerID != ownerID {
		return nil, common.ErrNotFound
	}
	if token != nil {
		if holder, ok := s.tokens[*token]; ok && holder != id {
			return nil, common.ErrDuplicateKey
		}
	}
	if f.ShareToken != nil {
		delete(s.tokens, *f.ShareToken)
	}
	if token != nil {
		t := *token
		f.ShareToken = &t
		s.tokens[t] = id
	} else {
		f.ShareToken = nil
	}
	f.PubliclyShared = token != nil
	return f.Clone(), nil
}

func (s *Store) IncrementDownloads(ctx context.Context, token string) (*models.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.tokens[token]
	if !ok {
		return nil, common.ErrNotFound
	}
	f := s.files[id]
	if !f.PubliclyShared {
		return nil, common.ErrNotFound
	}
	f.DownloadCount++
	return f.Clone(), nil
}

func (s *Store) DeleteFile(ctx context.Context, id, ownerID string) (*models.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[id]
	if !ok || f.OwnerID != ownerID {
		return nil, common.ErrNotFound
	}
	delete(s.files, id)
	delete(s.paths, f.StoragePath)
	if f.ShareToken != nil {
		delete(s.tokens, *f.ShareToken)
	}
	return f, nil
}

func (s *Store) InsertTransaction(ctx context.Context, t *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *t
	s.transactions = append(s.transactions, &c)
	return nil
}

func (s *Store) ListTransactions(ctx context.Context, ownerID string) ([]*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Transaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if t := s.transactions[i]; t.OwnerID == ownerID {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) RecordOrphan(ctx context.Context, o *models.OrphanedBlob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *o
	s.orphans[o.StoragePath] = &c
	return nil
}

func (s *Store) ListOrphans(ctx context.Context, limit int) ([]*models.OrphanedBlob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.OrphanedBlob, 0, len(s.orphans))
	for _, o := range s.orphans {
		c := *o
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeleteOrphan(ctx context.Context, storagePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.orphans, storagePath)
	return nil
}

// Blobs is an in-memory object store.
type Blobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	baseURL string
	bucket  string
}

func NewBlobs(baseURL, bucket string) *Blobs {
	return &Blobs{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
		baseURL: baseURL,
		bucket:  bucket,
	}
}

func (b *Blobs) Put(ctx context.Context, path string, r io.Reader, size int64, contentType string) (string, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, size+1))
	if err != nil {
		return "", fmt.Errorf("failed to put object: %w", err)
	}
	if n != size {
		return "", fmt.Errorf("short write: stored %d of %d bytes", n, size)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = buf.Bytes()
	b.types[path] = contentType
	return storage.PublicObjectURL(b.baseURL, b.bucket, path), nil
}

func (b *Blobs) Get(ctx context.Context, path string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.objects[path]
	if !ok {
		return nil, common.ErrNotFound
	}
	return bytes.Clone(data), nil
}

func (b *Blobs) Delete(ctx context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.objects, path)
	delete(b.types, path)
	return nil
}

// Len returns the number of stored objects.
func (b *Blobs) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

// KV stands in for Redis: pending orders, token buckets and locks.
type KV struct {
	mu      sync.Mutex
	orders  map[string]kvOrder
	buckets map[string]*bucket
	locks   map[string]kvLock
	now     func() time.Time
}

type kvOrder struct {
	order   models.Order
	expires time.Time
}

type bucket struct {
	tokens float64
	ts     time.Time
}

type kvLock struct {
	token   string
	expires time.Time
}

func NewKV() *KV {
	return &KV{
		orders:  make(map[string]kvOrder),
		buckets: make(map[string]*bucket),
		locks:   make(map[string]kvLock),
		now:     time.Now,
	}
}

func (k *KV) SaveOrder(ctx context.Context, o *models.Order, ttl time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.orders[o.OwnerID+":"+o.ID] = kvOrder{order: *o, expires: k.now().Add(ttl)}
	return nil
}

func (k *KV) TakeOrder(ctx context.Context, ownerID, orderID string) (*models.Order, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	key := ownerID + ":" + orderID
	o, ok := k.orders[key]
	if !ok {
		return nil, common.ErrNotFound
	}
	delete(k.orders, key)
	if k.now().After(o.expires) {
		return nil, common.ErrNotFound
	}
	return &o.order, nil
}

func (k *KV) Allow(ctx context.Context, key string, rate float64, burst int) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	b, ok := k.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(burst), ts: now}
		k.buckets[key] = b
	} else {
		elapsed := math.Max(0, now.Sub(b.ts).Seconds())
		b.tokens = math.Min(float64(burst), b.tokens+elapsed*rate)
		b.ts = now
	}
	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

func (k *KV) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	if l, ok := k.locks[key]; ok && now.Before(l.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	k.locks[key] = kvLock{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (k *KV) Unlock(ctx context.Context, key, token string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if l, ok := k.locks[key]; ok && l.token == token {
		delete(k.locks, key)
	}
	return nil
}
