package transactions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/maneesh/sharebox/internal/models"
	"github.com/maneesh/sharebox/internal/storage/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecord(t *testing.T) {
	store := memstore.New()
	r := NewRecorder(store, zaptest.NewLogger(t))
	r.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }

	tx, err := r.Record(context.Background(), "u1", models.PlanUltra, 6000, "₹1,999", "ord-1")
	require.NoError(t, err)
	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, models.TransactionSuccess, tx.Status)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), tx.CreatedAt)

	txs, err := r.List(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, *tx, *txs[0])

	others, err := r.List(context.Background(), "u2")
	require.NoError(t, err)
	assert.Empty(t, others)
}

func TestList_NewestFirst(t *testing.T) {
	r := NewRecorder(memstore.New(), zaptest.NewLogger(t))
	ctx := context.Background()

	first, err := r.Record(ctx, "u1", models.PlanPremium, 500, "₹499", "a")
	require.NoError(t, err)
	second, err := r.Record(ctx, "u1", models.PlanUltra, 6000, "₹1,999", "b")
	require.NoError(t, err)

	txs, err := r.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, second.ID, txs[0].ID)
	assert.Equal(t, first.ID, txs[1].ID)
}

type failingStore struct{ memstore.Store }

func (*failingStore) InsertTransaction(context.Context, *models.Transaction) error {
	return errors.New("disk full")
}

func TestRecord_StoreError(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := NewRecorder(&failingStore{}, zap.New(core))

	_, err := r.Record(context.Background(), "u1", models.PlanPremium, 500, "₹499", "a")
	assert.ErrorContains(t, err, "disk full")

	entries := logs.FilterMessage("failed to record transaction").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].ContextMap()["payment_reference"])
}

func TestRecordAndList_Traced(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	core, logs := observer.New(zap.InfoLevel)
	r := NewRecorder(memstore.New(), zap.New(core))
	ctx := context.Background()

	tx, err := r.Record(ctx, "u1", models.PlanPremium, 500, "₹499", "pay_1")
	require.NoError(t, err)
	_, err = r.List(ctx, "u1")
	require.NoError(t, err)

	ended := spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "transactions.record", ended[0].Name())
	assert.Equal(t, "transactions.list", ended[1].Name())

	entries := logs.FilterMessage("transaction recorded").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, tx.ID, fields["transaction_id"])
	assert.NotEmpty(t, fields["trace_id"])
}
