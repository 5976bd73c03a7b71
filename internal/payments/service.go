// Package payments is the single path by which purchased credits reach a
// profile. An order is created first and held for a limited time; confirming
// it consumes the order and grants the plan's credits through the ledger.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/sharebox/internal/common"
	"github.com/maneesh/sharebox/internal/config"
	"github.com/maneesh/sharebox/internal/ledger"
	"github.com/maneesh/sharebox/internal/logging"
	"github.com/maneesh/sharebox/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("sharebox-payments")

type OrderStore interface {
	SaveOrder(ctx context.Context, o *models.Order, ttl time.Duration) error
	TakeOrder(ctx context.Context, ownerID, orderID string) (*models.Order, error)
}

type Granter interface {
	Grant(ctx context.Context, req ledger.GrantRequest) (*ledger.GrantResult, error)
}

type Service struct {
	orders  OrderStore
	granter Granter
	plans   map[models.Plan]config.PlanSpec
	ttl     time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(orders OrderStore, granter Granter, plans map[models.Plan]config.PlanSpec, ttl time.Duration, logger *zap.Logger) *Service {
	return &Service{
		orders:  orders,
		granter: granter,
		plans:   plans,
		ttl:     ttl,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrder prices a plan for the owner and holds the order until it is
// confirmed or expires.
func (s *Service) CreateOrder(ctx context.Context, ownerID string, plan models.Plan) (*models.Order, error) {
	ctx, span := tracer.Start(ctx, "payments.create_order",
		trace.WithAttributes(
			attribute.String("owner_id", ownerID),
			attribute.String("plan", string(plan)),
		),
	)
	defer span.End()

	spec, ok := s.plans[plan]
	if !ok {
		return nil, fmt.Errorf("%w: %q", common.ErrUnknownPlan, plan)
	}
	if !spec.Purchasable {
		return nil, fmt.Errorf("%w: %q", common.ErrPlanNotPurchasable, plan)
	}

	o := &models.Order{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Plan:        plan,
		Credits:     spec.Credits,
		AmountLabel: spec.PriceLabel,
		CreatedAt:   s.now(),
	}
	if err := s.orders.SaveOrder(ctx, o, s.ttl); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	span.SetAttributes(attribute.String("order_id", o.ID))
	return o, nil
}

// Confirm consumes the order and grants its credits. A second confirmation
// of the same order finds nothing. If the grant fails outright the order is
// put back so the confirmation can be retried; a partial grant is final.
func (s *Service) Confirm(ctx context.Context, ownerID, orderID, paymentRef string) (*ledger.GrantResult, error) {
	ctx, span := tracer.Start(ctx, "payments.confirm",
		trace.WithAttributes(
			attribute.String("owner_id", ownerID),
			attribute.String("order_id", orderID),
		),
	)
	defer span.End()
	log := logging.WithContext(ctx, s.logger).With(
		zap.String("owner_id", ownerID),
		zap.String("order_id", orderID),
	)

	o, err := s.orders.TakeOrder(ctx, ownerID, orderID)
	if errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load order: %w", err)
	}

	if paymentRef == "" {
		paymentRef = o.ID
	}
	res, err := s.granter.Grant(ctx, ledger.GrantRequest{
		OwnerID:          ownerID,
		Credits:          o.Credits,
		Plan:             o.Plan,
		AmountLabel:      o.AmountLabel,
		PaymentReference: paymentRef,
	})
	switch {
	case err == nil:
		log.Info("payment confirmed",
			zap.String("plan", string(o.Plan)),
			zap.Int64("credits", o.Credits),
			zap.Int64("balance", res.NewBalance),
		)
		return res, nil
	case errors.Is(err, common.ErrPaymentGrantPartialFailure):
		span.RecordError(err)
		return res, err
	default:
		span.RecordError(err)
		if rerr := s.orders.SaveOrder(context.WithoutCancel(ctx), o, s.ttl); rerr != nil {
			log.Error("failed to restore order after failed grant", zap.Error(rerr))
		}
		return nil, fmt.Errorf("failed to confirm payment: %w", err)
	}
}
