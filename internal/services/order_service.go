package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	domain "github.com/Avnish-oP/veracious-sub001/internal/domain"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/textutil"
	"github.com/Avnish-oP/veracious-sub001/internal/repositories"
)

const maxAdminNoteRunes = 500

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidTransition indicates an illegal status transition was attempted.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates the order changed concurrently.
	ErrOrderConflict = errors.New("order: conflict")
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusPaymentFailed, domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered, domain.OrderStatusCancelled},
	domain.OrderStatusDelivered:  {domain.OrderStatusReturned},
}

// CanTransition reports whether the order state machine allows from -> to.
func CanTransition(from, to OrderStatus) bool {
	return slices.Contains(orderStateTransitions[from], to)
}

// paymentDerived reports transitions only the settlement path may perform.
func paymentDerived(from, to OrderStatus) bool {
	return from == domain.OrderStatusPending &&
		(to == domain.OrderStatusProcessing || to == domain.OrderStatusPaymentFailed)
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders     repositories.OrderRepository
	Payments   repositories.PaymentRepository
	UnitOfWork repositories.UnitOfWork
	Clock      func() time.Time
	Events     OrderEventPublisher
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	payments   repositories.PaymentRepository
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	events     OrderEventPublisher
	logger     func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("order service: payment repository is required")
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

	return &orderService{
		orders:     deps.Orders,
		payments:   deps.Payments,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		events: deps.Events,
		logger: logger,
	}, nil
}

// GetOrder returns the order with masked payment info. Customers only see their own orders.
func (s *orderService) GetOrder(ctx context.Context, cmd GetOrderCommand) (OrderDetail, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return OrderDetail{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	userID := strings.TrimSpace(cmd.UserID)
	if !cmd.Admin && userID == "" {
		return OrderDetail{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return OrderDetail{}, s.mapRepositoryError(err)
	}
	if !cmd.Admin && order.UserID != userID {
		return OrderDetail{}, ErrOrderNotFound
	}

	records, err := s.payments.ListByOrder(ctx, orderID)
	if err != nil {
		return OrderDetail{}, s.mapRepositoryError(err)
	}
	detail := OrderDetail{
		Order:    order,
		Payments: make([]PaymentSummary, 0, len(records)),
	}
	for _, record := range records {
		detail.Payments = append(detail.Payments, summarisePayment(record))
	}

	if cmd.Admin {
		history, err := s.orders.ListStatusHistory(ctx, orderID)
		if err != nil {
			return OrderDetail{}, s.mapRepositoryError(err)
		}
		detail.History = history
	}
	return detail, nil
}

// AdminUpdateStatus applies an operator transition. The update is conditional on the status read, so
// a concurrent settlement or sweep wins and the operator gets ErrOrderConflict.
func (s *orderService) AdminUpdateStatus(ctx context.Context, cmd AdminUpdateStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target := domain.OrderStatus(strings.ToUpper(strings.TrimSpace(string(cmd.Status))))
	if !target.Valid() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.Status)
	}
	actor := strings.TrimSpace(cmd.ActorID)
	if actor == "" {
		return Order{}, fmt.Errorf("%w: actor is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if cmd.ExpectedStatus != nil && order.Status != *cmd.ExpectedStatus {
		return Order{}, fmt.Errorf("%w: expected status %q but was %q", ErrOrderConflict, *cmd.ExpectedStatus, order.Status)
	}

	prev := order.Status
	if !CanTransition(prev, target) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidTransition, prev, target)
	}
	if paymentDerived(prev, target) {
		return Order{}, fmt.Errorf("%w: %s -> %s is reserved for payment settlement", ErrOrderInvalidTransition, prev, target)
	}

	note := textutil.SanitizeNote(cmd.Note, maxAdminNoteRunes)
	now := s.clock()
	transition := repositories.OrderTransition{
		OrderID: orderID,
		From:    []domain.OrderStatus{prev},
		To:      target,
		At:      now,
	}
	refund := target == domain.OrderStatusCancelled && order.PaymentStatus == domain.PaymentStatusPaid
	if refund {
		transition.RefundRequired = valuePtr(true)
	}

	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		updated, err := s.orders.Transition(txCtx, transition)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if !updated {
			return fmt.Errorf("%w: order %s is no longer %s", ErrOrderConflict, orderID, prev)
		}
		if prev == domain.OrderStatusPending {
			if _, err := s.payments.FailPendingByOrder(txCtx, orderID, now); err != nil {
				return s.mapRepositoryError(err)
			}
		}
		return s.mapRepositoryError(s.orders.AppendStatusHistory(txCtx, domain.OrderStatusChange{
			OrderID:   orderID,
			From:      prev,
			To:        target,
			Actor:     actor,
			Note:      note,
			CreatedAt: now,
		}))
	})
	if err != nil {
		return Order{}, err
	}

	order.Status = target
	order.UpdatedAt = now
	if refund {
		order.RefundRequired = true
	}

	metadata := map[string]any{}
	if note != "" {
		metadata["note"] = note
	}
	s.publishEvent(ctx, OrderEvent{
		Type:           OrderEventStatusChanged,
		OrderID:        order.ID,
		UserID:         order.UserID,
		PreviousStatus: string(prev),
		CurrentStatus:  string(target),
		ActorID:        actor,
		OccurredAt:     now,
		Metadata:       metadata,
	})
	if refund {
		s.publishEvent(ctx, OrderEvent{
			Type:           OrderEventRefundRequired,
			OrderID:        order.ID,
			UserID:         order.UserID,
			PreviousStatus: string(prev),
			CurrentStatus:  string(target),
			ActorID:        actor,
			OccurredAt:     now,
			Metadata:       map[string]any{"reason": "cancelled_after_payment", "amount": order.FinalAmount},
		})
	}
	s.logger(ctx, "orders.status.updated", map[string]any{
		"orderId": order.ID,
		"from":    string(prev),
		"to":      string(target),
		"actor":   actor,
	})
	return order, nil
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if isServiceError(err) {
		return err
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
		}
	}
	return err
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	publishOrderEvent(ctx, s.events, s.logger, event)
}

func publishOrderEvent(ctx context.Context, events OrderEventPublisher, logger func(context.Context, string, map[string]any), event OrderEvent) {
	if events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := events.PublishOrderEvent(ctx, event); err != nil {
		logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func summarisePayment(record PaymentRecord) PaymentSummary {
	summary := PaymentSummary{
		Provider:       record.Provider,
		GatewayOrderID: record.GatewayOrderID,
		Status:         record.Status,
		Amount:         record.Amount,
		Currency:       record.Currency,
		UpdatedAt:      record.UpdatedAt,
	}
	if record.GatewayPaymentID != nil {
		summary.GatewayPaymentID = MaskIdentifier(*record.GatewayPaymentID)
	}
	return summary
}

// MaskIdentifier keeps the last four characters of an identifier.
func MaskIdentifier(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	runes := []rune(value)
	if len(runes) <= 4 {
		return strings.Repeat("*", len(runes))
	}
	return strings.Repeat("*", len(runes)-4) + string(runes[len(runes)-4:])
}

func isServiceError(err error) bool {
	for _, target := range []error{
		ErrOrderInvalidInput, ErrOrderNotFound, ErrOrderInvalidTransition, ErrOrderConflict,
		ErrCheckoutUnavailable, ErrCheckoutInvalidInput, ErrLineUnavailable, ErrOrderNotPending,
		ErrSignatureMismatch, ErrInsufficientStock, ErrGatewayUnreachable, ErrGatewayRejected, ErrPaymentPending,
		ErrCouponInvalid, ErrCouponExpired, ErrCouponMinOrderNotMet, ErrCouponLimitExceeded, ErrCouponNotApplicable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func valuePtr[T any](v T) *T {
	return &v
}
