package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	domain "github.com/Avnish-oP/veracious-sub001/internal/domain"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/observability"
	"github.com/Avnish-oP/veracious-sub001/internal/repositories"
)

const (
	defaultPendingTTL     = 30 * time.Minute
	defaultSweepBatchSize = 100
	maxSweepBatches       = 50
	actorSweeper          = "system:sweeper"
)

// OrderSweeperDeps wires the collaborators used to expire abandoned PENDING orders.
type OrderSweeperDeps struct {
	Orders     repositories.OrderRepository
	Payments   repositories.PaymentRepository
	UnitOfWork repositories.UnitOfWork
	Events     OrderEventPublisher
	Metrics    SettlementMetrics
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
	PendingTTL time.Duration
	BatchSize  int
}

type orderSweeper struct {
	orders     repositories.OrderRepository
	payments   repositories.PaymentRepository
	unitOfWork repositories.UnitOfWork
	events     OrderEventPublisher
	metrics    SettlementMetrics
	now        func() time.Time
	logger     func(context.Context, string, map[string]any)
	ttl        time.Duration
	batchSize  int
}

var _ OrderSweeper = (*orderSweeper)(nil)

// NewOrderSweeper constructs the PENDING order sweeper.
func NewOrderSweeper(deps OrderSweeperDeps) (OrderSweeper, error) {
	if deps.Orders == nil {
		return nil, errors.New("order sweeper: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("order sweeper: payment repository is required")
	}
	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopSettlementMetrics{}
	}
	ttl := deps.PendingTTL
	if ttl <= 0 {
		ttl = defaultPendingTTL
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatchSize
	}

	return &orderSweeper{
		orders:     deps.Orders,
		payments:   deps.Payments,
		unitOfWork: unit,
		events:     deps.Events,
		metrics:    metrics,
		now: func() time.Time {
			return clock().UTC()
		},
		logger:    logger,
		ttl:       ttl,
		batchSize: batch,
	}, nil
}

// Sweep moves PENDING orders older than the TTL to PAYMENT_FAILED. Each order is expired with a
// conditional update, so an order finalized concurrently is skipped rather than overwritten.
func (s *orderSweeper) Sweep(ctx context.Context) (result SweepResult, err error) {
	ctx, span := observability.StartSpan(ctx, "orders.Sweep", attribute.Int("sweep.batch_size", s.batchSize))
	defer func() { observability.EndSpan(span, err) }()

	cutoff := s.now().Add(-s.ttl)
	for range maxSweepBatches {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		ids, err := s.orders.ListStalePending(ctx, cutoff, s.batchSize)
		if err != nil {
			s.logger(ctx, "orders.sweep.failed", map[string]any{"error": err.Error()})
			return result, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
		}
		result.Scanned += len(ids)

		expired := 0
		for _, id := range ids {
			ok, failed, err := s.expire(ctx, id)
			if err != nil {
				s.logger(ctx, "orders.sweep.expire.failed", map[string]any{
					"orderId": id,
					"error":   err.Error(),
				})
				continue
			}
			if ok {
				expired++
				result.PaymentsFailed += failed
			}
		}
		result.Expired += expired

		if len(ids) < s.batchSize || expired == 0 {
			break
		}
	}

	s.metrics.RecordSweep(ctx, result.Expired)
	s.logger(ctx, "orders.sweep.completed", map[string]any{
		"scanned":        result.Scanned,
		"expired":        result.Expired,
		"paymentsFailed": result.PaymentsFailed,
		"cutoff":         cutoff,
	})
	return result, nil
}

func (s *orderSweeper) expire(ctx context.Context, orderID string) (bool, int64, error) {
	now := s.now()
	var (
		updated bool
		failed  int64
	)
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		var err error
		updated, err = s.orders.Transition(txCtx, repositories.OrderTransition{
			OrderID:       orderID,
			From:          []domain.OrderStatus{domain.OrderStatusPending},
			To:            domain.OrderStatusPaymentFailed,
			PaymentStatus: valuePtr(domain.PaymentStatusFailed),
			At:            now,
		})
		if err != nil || !updated {
			return err
		}
		failed, err = s.payments.FailPendingByOrder(txCtx, orderID, now)
		if err != nil {
			return err
		}
		return s.orders.AppendStatusHistory(txCtx, OrderStatusChange{
			OrderID:   orderID,
			From:      domain.OrderStatusPending,
			To:        domain.OrderStatusPaymentFailed,
			Actor:     actorSweeper,
			Note:      "payment window expired",
			CreatedAt: now,
		})
	})
	if err != nil {
		return false, 0, err
	}
	if updated {
		publishOrderEvent(ctx, s.events, s.logger, OrderEvent{
			Type:           OrderEventExpired,
			OrderID:        orderID,
			PreviousStatus: string(domain.OrderStatusPending),
			CurrentStatus:  string(domain.OrderStatusPaymentFailed),
			ActorID:        actorSweeper,
			OccurredAt:     now,
		})
	}
	return updated, failed, nil
}

// RunSweepLoop runs sweeper every interval until ctx is cancelled.
func RunSweepLoop(ctx context.Context, sweeper OrderSweeper, interval time.Duration, logger func(context.Context, string, map[string]any)) {
	if sweeper == nil || interval <= 0 {
		return
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sweeper.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger(ctx, "orders.sweep.loop.failed", map[string]any{"error": err.Error()})
			}
		}
	}
}
