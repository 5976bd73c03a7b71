// Package transactions keeps the append-only receipt log of credit grants.
package transactions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/sharebox/internal/logging"
	"github.com/maneesh/sharebox/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("sharebox-transactions")

// Store persists transactions. It has no update or delete operations.
type Store interface {
	InsertTransaction(ctx context.Context, t *models.Transaction) error
	ListTransactions(ctx context.Context, ownerID string) ([]*models.Transaction, error)
}

type Recorder struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewRecorder(store Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record appends one successful grant receipt.
func (r *Recorder) Record(ctx context.Context, ownerID string, plan models.Plan, credits int64, amountLabel, paymentRef string) (*models.Transaction, error) {
	ctx, span := tracer.Start(ctx, "transactions.record",
		trace.WithAttributes(
			attribute.String("owner_id", ownerID),
			attribute.String("plan", string(plan)),
			attribute.Int64("credits", credits),
		),
	)
	defer span.End()

	t := &models.Transaction{
		ID:               uuid.NewString(),
		OwnerID:          ownerID,
		Plan:             plan,
		CreditsGranted:   credits,
		AmountLabel:      amountLabel,
		PaymentReference: paymentRef,
		Status:           models.TransactionSuccess,
		CreatedAt:        r.now(),
	}
	if err := r.store.InsertTransaction(ctx, t); err != nil {
		span.RecordError(err)
		logging.WithContext(ctx, r.logger).Error("failed to record transaction",
			zap.String("owner_id", ownerID),
			zap.String("payment_reference", paymentRef),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}

	span.SetAttributes(attribute.String("transaction_id", t.ID))
	logging.WithContext(ctx, r.logger).Info("transaction recorded",
		zap.String("transaction_id", t.ID),
		zap.String("owner_id", ownerID),
		zap.Int64("credits", credits),
	)
	return t, nil
}

// List returns the owner's receipts, newest first.
func (r *Recorder) List(ctx context.Context, ownerID string) ([]*models.Transaction, error) {
	ctx, span := tracer.Start(ctx, "transactions.list",
		trace.WithAttributes(attribute.String("owner_id", ownerID)),
	)
	defer span.End()

	txs, err := r.store.ListTransactions(ctx, ownerID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	span.SetAttributes(attribute.Int("transaction_count", len(txs)))
	return txs, nil
}
