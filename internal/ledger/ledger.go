// Package ledger enforces the credit quota.
//
// A reservation debits one credit up front with a single conditional update,
// so concurrent uploads from the same owner can never overdraw the balance.
// Committing keeps the debit; releasing refunds it. Either happens at most
// once per reservation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/maneesh/sharebox/internal/common"
	"github.com/maneesh/sharebox/internal/logging"
	"github.com/maneesh/sharebox/internal/metrics"
	"github.com/maneesh/sharebox/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("sharebox-ledger")

// BalanceStore is the part of the metadata store that owns credit balances.
type BalanceStore interface {
	DecrementCreditIfPositive(ctx context.Context, ownerID string) (bool, error)
	IncrementCredits(ctx context.Context, ownerID string, amount int64) error
	GrantCredits(ctx context.Context, ownerID string, amount int64, plan models.Plan) (int64, error)
}

// Recorder appends grant receipts.
type Recorder interface {
	Record(ctx context.Context, ownerID string, plan models.Plan, credits int64, amountLabel, paymentRef string) (*models.Transaction, error)
}

const (
	pending int32 = iota
	committed
	released
)

// Reservation is one credit held for an in-flight upload.
type Reservation struct {
	ID      string
	OwnerID string
	state   atomic.Int32
}

// Settled reports whether the reservation was committed or released.
func (r *Reservation) Settled() bool {
	return r.state.Load() != pending
}

type Ledger struct {
	store    BalanceStore
	recorder Recorder
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func New(store BalanceStore, recorder Recorder, logger *zap.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{store: store, recorder: recorder, logger: logger, metrics: m}
}

// CheckAndReserve debits one credit if the balance is positive.
func (l *Ledger) CheckAndReserve(ctx context.Context, ownerID string) (*Reservation, error) {
	ctx, span := tracer.Start(ctx, "ledger.reserve",
		trace.WithAttributes(attribute.String("owner_id", ownerID)),
	)
	defer span.End()

	ok, err := l.store.DecrementCreditIfPositive(ctx, ownerID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to reserve credit: %w", err)
	}
	if !ok {
		span.SetAttributes(attribute.Bool("reserved", false))
		return nil, common.ErrInsufficientCredits
	}

	r := &Reservation{ID: uuid.NewString(), OwnerID: ownerID}
	span.SetAttributes(
		attribute.Bool("reserved", true),
		attribute.String("reservation_id", r.ID),
	)
	return r, nil
}

// Commit keeps the reserved credit spent. It reports whether this call
// settled the reservation.
func (l *Ledger) Commit(r *Reservation) bool {
	return r.state.CompareAndSwap(pending, committed)
}

// Release refunds the reserved credit unless the reservation is already
// settled. A failed refund is logged and returned; the credit is then lost
// until reconciled by hand.
func (l *Ledger) Release(ctx context.Context, r *Reservation) error {
	if !r.state.CompareAndSwap(pending, released) {
		return nil
	}

	ctx, span := tracer.Start(ctx, "ledger.release",
		trace.WithAttributes(
			attribute.String("owner_id", r.OwnerID),
			attribute.String("reservation_id", r.ID),
		),
	)
	defer span.End()

	err := l.store.IncrementCredits(ctx, r.OwnerID, 1)
	l.metrics.Refund(err)
	if err != nil {
		span.RecordError(err)
		logging.WithContext(ctx, l.logger).Error("credit refund failed",
			zap.String("owner_id", r.OwnerID),
			zap.String("reservation_id", r.ID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to refund credit: %w", err)
	}
	return nil
}

// GrantRequest carries a confirmed payment.
type GrantRequest struct {
	OwnerID          string
	Credits          int64
	Plan             models.Plan
	AmountLabel      string
	PaymentReference string
}

// GrantResult is the outcome of a grant. Transaction is nil on partial failure.
type GrantResult struct {
	NewBalance  int64               `json:"credits"`
	Transaction *models.Transaction `json:"transaction,omitempty"`
}

// Grant adds credits unconditionally and appends the receipt. When the
// credits land but the receipt does not, the result is returned together
// with an error wrapping common.ErrPaymentGrantPartialFailure.
func (l *Ledger) Grant(ctx context.Context, req GrantRequest) (*GrantResult, error) {
	ctx, span := tracer.Start(ctx, "ledger.grant",
		trace.WithAttributes(
			attribute.String("owner_id", req.OwnerID),
			attribute.Int64("credits", req.Credits),
			attribute.String("plan", string(req.Plan)),
		),
	)
	defer span.End()

	if req.Credits <= 0 {
		return nil, fmt.Errorf("%w: credits must be positive", common.ErrInvalidInput)
	}

	balance, err := l.store.GrantCredits(ctx, req.OwnerID, req.Credits, req.Plan)
	if err != nil {
		span.RecordError(err)
		l.metrics.Grant(metrics.ResultFailed)
		if errors.Is(err, common.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to grant credits: %w", err)
	}

	result := &GrantResult{NewBalance: balance}
	tx, err := l.recorder.Record(ctx, req.OwnerID, req.Plan, req.Credits, req.AmountLabel, req.PaymentReference)
	if err != nil {
		span.RecordError(err)
		l.metrics.Grant(metrics.ResultPartialGrant)
		logging.WithContext(ctx, l.logger).Error("credits granted without transaction record",
			zap.String("owner_id", req.OwnerID),
			zap.Int64("credits", req.Credits),
			zap.String("plan", string(req.Plan)),
			zap.String("payment_reference", req.PaymentReference),
			zap.Error(err),
		)
		return result, fmt.Errorf("%w: %w", common.ErrPaymentGrantPartialFailure, err)
	}

	l.metrics.Grant(metrics.ResultSuccess)
	result.Transaction = tx
	return result, nil
}
