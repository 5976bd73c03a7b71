package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/maneesh/sharebox/internal/auth"
	"github.com/maneesh/sharebox/internal/config"
	"github.com/maneesh/sharebox/internal/files"
	"github.com/maneesh/sharebox/internal/ledger"
	"github.com/maneesh/sharebox/internal/metrics"
	"github.com/maneesh/sharebox/internal/models"
	"github.com/maneesh/sharebox/internal/payments"
	"github.com/maneesh/sharebox/internal/profiles"
	"github.com/maneesh/sharebox/internal/sharing"
	"github.com/maneesh/sharebox/internal/storage/memstore"
	"github.com/maneesh/sharebox/internal/transactions"
	"github.com/maneesh/sharebox/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	jwtSecret      = []byte("test-secret")
	paymentsSecret = []byte("payments-secret")
)

const testMaxUpload = 1 << 10

type testServer struct {
	t      *testing.T
	router http.Handler
	store  *memstore.Store
	blobs  *memstore.Blobs
}

type serverOption func(*Options, *memstore.Store)

func withRecorder(rec ledger.Recorder) serverOption {
	return func(o *Options, store *memstore.Store) {
		logger := o.Logger
		l := ledger.New(store, rec, logger, o.Metrics)
		o.Payments = payments.NewService(memstore.NewKV(), l, testPlans, 15*time.Minute, logger)
	}
}

var testPlans = map[models.Plan]config.PlanSpec{
	models.PlanBasic:   {Credits: 7, PriceLabel: "Free"},
	models.PlanPremium: {Credits: 500, PriceLabel: "₹499", Purchasable: true},
	models.PlanUltra:   {Credits: 6000, PriceLabel: "₹1,999", Purchasable: true},
}

func newTestServer(t *testing.T, burst int, opts ...serverOption) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	m := metrics.New()
	store := memstore.New()
	blobs := memstore.NewBlobs("http://minio:9000", "sharebox")
	kv := memstore.NewKV()

	recorder := transactions.NewRecorder(store, logger)
	l := ledger.New(store, recorder, logger, m)
	o := Options{
		Profiles:       profiles.NewService(store, 7),
		Files:          files.NewService(store, blobs, logger, m),
		Uploads:        upload.NewPipeline(l, blobs, store, testMaxUpload, logger, m),
		Sharing:        sharing.NewManager(store, "https://sharebox.test", logger, m),
		Payments:       payments.NewService(kv, l, testPlans, 15*time.Minute, logger),
		Transactions:   recorder,
		Limiter:        kv,
		PublicRate:     0.001,
		PublicBurst:    burst,
		JWTSecret:      jwtSecret,
		PaymentsSecret: paymentsSecret,
		Logger:         logger,
		Metrics:        m,
	}
	for _, opt := range opts {
		opt(&o, store)
	}
	return &testServer{t: t, router: NewRouter(o), store: store, blobs: blobs}
}

func (s *testServer) do(req *http.Request, owner string) *httptest.ResponseRecorder {
	s.t.Helper()
	if owner != "" {
		tok, err := auth.GenerateToken(owner, jwtSecret, time.Hour)
		require.NoError(s.t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) doJSON(method, path, owner string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(s.t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, owner)
}

// confirm calls the order confirmation route as the payment collaborator.
func (s *testServer) confirm(orderID string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	b, err := json.Marshal(body)
	require.NoError(s.t, err)
	tok, err := auth.GenerateServiceToken("gateway", auth.PaymentsAudience, paymentsSecret, time.Hour)
	require.NoError(s.t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/payments/orders/"+orderID+"/confirm", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) register(owner string) {
	s.t.Helper()
	rec := s.doJSON(http.MethodPost, "/api/v1/register", owner, map[string]string{
		"email": owner + "@example.com", "firstName": "Test", "lastName": "User",
	})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (s *testServer) upload(owner, name string, content []byte) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	require.NoError(s.t, err)
	_, err = part.Write(content)
	require.NoError(s.t, err)
	require.NoError(s.t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/files/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return s.do(req, owner)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, 10)
	rec := s.do(httptest.NewRequest(http.MethodGet, "/health", nil), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = s.do(httptest.NewRequest(http.MethodGet, "/metrics", nil), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, 10)

	rec := s.doJSON(http.MethodGet, "/api/v1/files", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decode[errorResponse](t, rec).Error)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/profile", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, s.do(req, "").Code)
}

func TestRegisterAndProfile(t *testing.T) {
	s := newTestServer(t, 10)

	rec := s.doJSON(http.MethodGet, "/api/v1/profile", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s.register("alice")
	s.register("alice")

	rec = s.doJSON(http.MethodGet, "/api/v1/profile", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[models.Profile](t, rec)
	assert.Equal(t, "alice", p.OwnerID)
	assert.Equal(t, int64(7), p.CreditBalance)
	assert.Equal(t, "Test User", p.DisplayName)
}

// Seven uploads on the starting credit, the eighth is refused.
func TestUpload_CreditScenario(t *testing.T) {
	s := newTestServer(t, 10)
	s.register("alice")

	for i := 0; i < 7; i++ {
		rec := s.upload("alice", "note.txt", []byte("hello"))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	rec := s.upload("alice", "note.txt", []byte("hello"))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, decode[errorResponse](t, rec).Error, "Insufficient credits")

	rec = s.doJSON(http.MethodGet, "/api/v1/files", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.FileRecord](t, rec), 7)

	p := decode[models.Profile](t, s.doJSON(http.MethodGet, "/api/v1/profile", "alice", nil))
	assert.Equal(t, int64(0), p.CreditBalance)
}

func TestUpload_Response(t *testing.T) {
	s := newTestServer(t, 10)
	s.register("alice")

	rec := s.upload("alice", "photo.png", []byte("not really a png"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "photo.png", body["original_file_name"])
	assert.Equal(t, "application/octet-stream", body["file_type"])
	assert.Equal(t, float64(16), body["file_size"])
	assert.Equal(t, false, body["publicly_shared"])
	assert.Nil(t, body["share_token"])
	assert.NotContains(t, body, "storage_path")
	assert.NotContains(t, body, "StoragePath")
}

func TestUpload_TooLarge(t *testing.T) {
	s := newTestServer(t, 10)
	s.register("alice")

	// Over the limit but within multipart slack: rejected by the pipeline.
	rec := s.upload("alice", "big.bin", bytes.Repeat([]byte("x"), testMaxUpload+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	// Far over: rejected before the body is read.
	rec = s.upload("alice", "huge.bin", bytes.Repeat([]byte("x"), 200<<10))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	assert.Equal(t, 0, s.blobs.Len())
	p := decode[models.Profile](t, s.doJSON(http.MethodGet, "/api/v1/profile", "alice", nil))
	assert.Equal(t, int64(7), p.CreditBalance)
}

func TestUpload_MissingField(t *testing.T) {
	s := newTestServer(t, 10)
	s.register("alice")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/files/upload", strings.NewReader("plain body"))
	req.Header.Set("Content-Type", "text/plain")
	assert.Equal(t, http.StatusBadRequest, s.do(req, "alice").Code)
}

func TestShareLifecycle(t *testing.T) {
	s := newTestServer(t, 100)
	s.register("alice")
	f := decode[models.FileRecord](t, s.upload("alice", "doc.txt", []byte("shared!")))

	rec := s.doJSON(http.MethodPost, "/api/v1/files/"+f.ID+"/share", "bob", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.doJSON(http.MethodPost, "/api/v1/files/"+f.ID+"/share", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	shared := decode[ShareResponse](t, rec)
	require.NotNil(t, shared.ShareToken)
	assert.True(t, shared.PubliclyShared)
	assert.Equal(t, "https://sharebox.test/share/"+*shared.ShareToken, shared.ShareURL)

	for i := 1; i <= 3; i++ {
		rec = s.doJSON(http.MethodGet, "/api/v1/public/files/"+*shared.ShareToken, "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var view map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
		assert.Equal(t, float64(i), view["download_count"])
		assert.NotContains(t, view, "owner_id")
		assert.NotContains(t, view, "share_token")
	}

	rec = s.doJSON(http.MethodPost, "/api/v1/files/"+f.ID+"/unshare", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[models.FileRecord](t, rec).PubliclyShared)

	rec = s.doJSON(http.MethodGet, "/api/v1/public/files/"+*shared.ShareToken, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPublic_MalformedToken(t *testing.T) {
	s := newTestServer(t, 10)
	rec := s.doJSON(http.MethodGet, "/api/v1/public/files/short", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPublic_RateLimited(t *testing.T) {
	s := newTestServer(t, 2)
	path := "/api/v1/public/files/" + strings.Repeat("a", sharing.TokenLength)

	assert.Equal(t, http.StatusNotFound, s.doJSON(http.MethodGet, path, "", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.doJSON(http.MethodGet, path, "", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, s.doJSON(http.MethodGet, path, "", nil).Code)
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string, float64, int) (bool, error) {
	return false, errors.New("redis down")
}

func TestPublic_LimiterFailsOpen(t *testing.T) {
	s := newTestServer(t, 1, func(o *Options, _ *memstore.Store) { o.Limiter = brokenLimiter{} })
	path := "/api/v1/public/files/" + strings.Repeat("a", sharing.TokenLength)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusNotFound, s.doJSON(http.MethodGet, path, "", nil).Code)
	}
}

func TestGetAndDeleteFile(t *testing.T) {
	s := newTestServer(t, 10)
	s.register("alice")
	f := decode[models.FileRecord](t, s.upload("alice", "doc.txt", []byte("bye")))

	assert.Equal(t, http.StatusOK, s.doJSON(http.MethodGet, "/api/v1/files/"+f.ID, "alice", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.doJSON(http.MethodGet, "/api/v1/files/"+f.ID, "bob", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.doJSON(http.MethodDelete, "/api/v1/files/"+f.ID, "bob", nil).Code)

	rec := s.doJSON(http.MethodDelete, "/api/v1/files/"+f.ID, "alice", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, s.blobs.Len())

	rec = s.doJSON(http.MethodGet, "/api/v1/files", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

// Buying a plan shows up in both the balance and the transaction list.
func TestPaymentScenario(t *testing.T) {
	s := newTestServer(t, 10)
	s.register("alice")

	rec := s.doJSON(http.MethodPost, "/api/v1/payments/orders", "alice", map[string]string{"planName": "basic"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.doJSON(http.MethodPost, "/api/v1/payments/orders", "alice", map[string]string{"planName": "premium"})
	require.Equal(t, http.StatusCreated, rec.Code)
	order := decode[models.Order](t, rec)
	assert.Equal(t, "₹499", order.AmountLabel)

	rec = s.confirm(order.ID, map[string]string{"ownerId": "bob", "paymentReference": "pay_1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.confirm(order.ID, map[string]string{"ownerId": "alice", "paymentReference": "pay_1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(507), decode[ledger.GrantResult](t, rec).NewBalance)

	rec = s.confirm(order.ID, map[string]string{"ownerId": "alice"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	p := decode[models.Profile](t, s.doJSON(http.MethodGet, "/api/v1/profile", "alice", nil))
	assert.Equal(t, int64(507), p.CreditBalance)
	assert.Equal(t, models.PlanPremium, p.Plan)

	txs := decode[[]models.Transaction](t, s.doJSON(http.MethodGet, "/api/v1/transactions", "alice", nil))
	require.Len(t, txs, 1)
	assert.Equal(t, int64(500), txs[0].CreditsGranted)
	assert.Equal(t, "pay_1", txs[0].PaymentReference)
}

// Owners cannot confirm their own orders; only the payment collaborator can.
func TestPayment_UserCannotConfirm(t *testing.T) {
	s := newTestServer(t, 10)
	s.register("alice")

	order := decode[models.Order](t, s.doJSON(http.MethodPost, "/api/v1/payments/orders", "alice",
		map[string]string{"plan": "premium"}))

	rec := s.doJSON(http.MethodPost, "/api/v1/internal/payments/orders/"+order.ID+"/confirm", "alice",
		map[string]string{"ownerId": "alice", "paymentReference": "pay_1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.doJSON(http.MethodPost, "/api/v1/payments/orders/"+order.ID+"/confirm", "alice",
		map[string]string{"paymentReference": "pay_1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.confirm(order.ID, map[string]string{"paymentReference": "pay_1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	p := decode[models.Profile](t, s.doJSON(http.MethodGet, "/api/v1/profile", "alice", nil))
	assert.Equal(t, int64(7), p.CreditBalance)

	// The order survives the rejected attempts.
	rec = s.confirm(order.ID, map[string]string{"ownerId": "alice"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, string, models.Plan, int64, string, string) (*models.Transaction, error) {
	return nil, errors.New("insert failed")
}

func TestPayment_PartialGrant(t *testing.T) {
	s := newTestServer(t, 10, withRecorder(failingRecorder{}))
	s.register("alice")

	order := decode[models.Order](t, s.doJSON(http.MethodPost, "/api/v1/payments/orders", "alice",
		map[string]string{"plan": "ultra"}))

	rec := s.confirm(order.ID, map[string]string{"ownerId": "alice"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode[partialGrantResponse](t, rec)
	assert.Equal(t, int64(6007), body.Credits)
	assert.NotEmpty(t, body.Error)

	assert.JSONEq(t, "[]", s.doJSON(http.MethodGet, "/api/v1/transactions", "alice", nil).Body.String())
}

func TestStatusFor(t *testing.T) {
	status, msg := statusFor(errors.New("dial tcp 10.0.0.1:4000: connection refused"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal error", msg)
}
