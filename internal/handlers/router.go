package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/maneesh/sharebox/internal/auth"
	"github.com/maneesh/sharebox/internal/files"
	"github.com/maneesh/sharebox/internal/metrics"
	"github.com/maneesh/sharebox/internal/payments"
	"github.com/maneesh/sharebox/internal/profiles"
	"github.com/maneesh/sharebox/internal/sharing"
	"github.com/maneesh/sharebox/internal/transactions"
	"github.com/maneesh/sharebox/internal/upload"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// RateLimiter is a token bucket keyed by caller.
type RateLimiter interface {
	Allow(ctx context.Context, key string, rate float64, burst int) (bool, error)
}

// Options wires the services behind the HTTP API.
type Options struct {
	Profiles     *profiles.Service
	Files        *files.Service
	Uploads      *upload.Pipeline
	Sharing      *sharing.Manager
	Payments     *payments.Service
	Transactions *transactions.Recorder

	Limiter     RateLimiter
	PublicRate  float64
	PublicBurst int

	JWTSecret []byte
	// PaymentsSecret verifies the payment collaborator. Order confirmation
	// is not routed while it is empty.
	PaymentsSecret []byte

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Handler serves the sharebox API.
type Handler struct {
	profiles     *profiles.Service
	files        *files.Service
	uploads      *upload.Pipeline
	sharing      *sharing.Manager
	payments     *payments.Service
	transactions *transactions.Recorder

	limiter     RateLimiter
	publicRate  float64
	publicBurst int

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRouter builds the routes. Every API route is traced under its pattern.
func NewRouter(opts Options) *mux.Router {
	h := &Handler{
		profiles:     opts.Profiles,
		files:        opts.Files,
		uploads:      opts.Uploads,
		sharing:      opts.Sharing,
		payments:     opts.Payments,
		transactions: opts.Transactions,
		limiter:      opts.Limiter,
		publicRate:   opts.PublicRate,
		publicBurst:  opts.PublicBurst,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}

	router := mux.NewRouter()

	// Health check endpoint (no tracing needed)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	if opts.Metrics != nil {
		router.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api/v1").Subrouter()

	public := api.PathPrefix("/public").Subrouter()
	handle(public, http.MethodGet, "/files/{token}", h.resolvePublic)

	if len(opts.PaymentsSecret) > 0 {
		collaborator := api.PathPrefix("/internal").Subrouter()
		collaborator.Use(auth.ServiceMiddleware(opts.PaymentsSecret, auth.PaymentsAudience, h.writeError))
		handle(collaborator, http.MethodPost, "/payments/orders/{id}/confirm", h.confirmOrder)
	}

	private := api.NewRoute().Subrouter()
	private.Use(auth.Middleware(opts.JWTSecret, h.writeError))

	handle(private, http.MethodPost, "/register", h.register)
	handle(private, http.MethodGet, "/profile", h.getProfile)

	handle(private, http.MethodPost, "/files/upload", h.upload)
	handle(private, http.MethodGet, "/files", h.listFiles)
	handle(private, http.MethodGet, "/files/{id}", h.getFile)
	handle(private, http.MethodDelete, "/files/{id}", h.deleteFile)
	handle(private, http.MethodPost, "/files/{id}/share", h.share)
	handle(private, http.MethodPost, "/files/{id}/unshare", h.unshare)

	handle(private, http.MethodGet, "/transactions", h.listTransactions)
	handle(private, http.MethodPost, "/payments/orders", h.createOrder)

	return router
}

func handle(r *mux.Router, method, route string, fn http.HandlerFunc) {
	r.Handle(route, otelhttp.NewHandler(fn, method+" "+route)).Methods(method)
}
