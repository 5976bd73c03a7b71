// Package metrics provides Prometheus metrics for the sharebox service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels.
const (
	ResultSuccess        = "success"
	ResultTooLarge       = "too_large"
	ResultNoCredits      = "insufficient_credits"
	ResultStorageFailed  = "storage_failed"
	ResultMetadataFailed = "metadata_failed"
	ResultUnresolved     = "unresolved"
	ResultNotFound       = "not_found"
	ResultRateLimited    = "rate_limited"
	ResultPartialGrant   = "partial"
	ResultFailed         = "failed"
)

// Metrics holds all Prometheus instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Uploads            *prometheus.CounterVec // result
	UploadedBytes      prometheus.Counter
	CreditRefunds      prometheus.Counter
	CreditRefundErrors prometheus.Counter
	Grants             *prometheus.CounterVec // result
	ShareResolutions   *prometheus.CounterVec // result
	OrphanedBlobs      prometheus.Counter
	OrphansReconciled  prometheus.Counter
}

// New registers all instruments in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Uploads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sharebox_uploads_total",
			Help: "Upload attempts by result.",
		}, []string{"result"}),
		UploadedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "sharebox_uploaded_bytes_total",
			Help: "Bytes stored by successful uploads.",
		}),
		CreditRefunds: f.NewCounter(prometheus.CounterOpts{
			Name: "sharebox_credit_refunds_total",
			Help: "Credit reservations released after a failed upload.",
		}),
		CreditRefundErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "sharebox_credit_refund_errors_total",
			Help: "Credit reservations that could not be refunded.",
		}),
		Grants: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sharebox_credit_grants_total",
			Help: "Credit grants by result.",
		}, []string{"result"}),
		ShareResolutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sharebox_share_resolutions_total",
			Help: "Public share link resolutions by result.",
		}, []string{"result"}),
		OrphanedBlobs: f.NewCounter(prometheus.CounterOpts{
			Name: "sharebox_orphaned_blobs_total",
			Help: "Blobs left without metadata and queued for cleanup.",
		}),
		OrphansReconciled: f.NewCounter(prometheus.CounterOpts{
			Name: "sharebox_orphans_reconciled_total",
			Help: "Orphaned blobs removed by the reconciler.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Upload(result string, bytes int64) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues(result).Inc()
	if result == ResultSuccess {
		m.UploadedBytes.Add(float64(bytes))
	}
}

func (m *Metrics) Refund(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.CreditRefundErrors.Inc()
		return
	}
	m.CreditRefunds.Inc()
}

func (m *Metrics) Grant(result string) {
	if m == nil {
		return
	}
	m.Grants.WithLabelValues(result).Inc()
}

func (m *Metrics) Resolution(result string) {
	if m == nil {
		return
	}
	m.ShareResolutions.WithLabelValues(result).Inc()
}

func (m *Metrics) Orphaned() {
	if m == nil {
		return
	}
	m.OrphanedBlobs.Inc()
}

func (m *Metrics) Reconciled(n int) {
	if m == nil {
		return
	}
	m.OrphansReconciled.Add(float64(n))
}
