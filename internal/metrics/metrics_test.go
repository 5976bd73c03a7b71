package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadCounters(t *testing.T) {
	m := New()

	m.Upload(ResultSuccess, 10)
	m.Upload(ResultSuccess, 5)
	m.Upload(ResultNoCredits, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Uploads.WithLabelValues(ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Uploads.WithLabelValues(ResultNoCredits)))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.UploadedBytes))
}

func TestRefundCounters(t *testing.T) {
	m := New()

	m.Refund(nil)
	m.Refund(errors.New("db down"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CreditRefunds))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CreditRefundErrors))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Upload(ResultSuccess, 1)
		m.Refund(nil)
		m.Grant(ResultSuccess)
		m.Resolution(ResultNotFound)
		m.Orphaned()
		m.Reconciled(3)
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Orphaned()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sharebox_orphaned_blobs_total 1")
}
