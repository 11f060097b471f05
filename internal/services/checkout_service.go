package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/Avnish-oP/veracious-sub001/internal/domain"
	"github.com/Avnish-oP/veracious-sub001/internal/payments"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/observability"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/textutil"
	"github.com/Avnish-oP/veracious-sub001/internal/repositories"
)

const (
	orderIDPrefix           = "ord_"
	paymentRecordIDPrefix   = "pay_"
	receiptPrefix           = "rcpt_"
	defaultCheckoutCurrency = "INR"

	actorSettlement = "system:settlement"
	actorWebhook    = "system:webhook"
)

// errFinalizeLost marks a finalize whose conditional PENDING update matched no row.
var errFinalizeLost = errors.New("checkout: finalize lost race")

// checkoutGateway abstracts payments.Manager for easier testing.
type checkoutGateway interface {
	CreateOrder(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CreateOrderRequest) (payments.RemoteOrder, error)
	Verify(ctx context.Context, providerName string, req payments.VerifyRequest) (bool, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Pricing         PricingEngine
	Coupons         CouponEvaluator
	Inventory       InventoryReconciler
	Gateway         checkoutGateway
	Orders          repositories.OrderRepository
	PaymentRecords  repositories.PaymentRepository
	CouponStore     repositories.CouponRepository
	Addresses       repositories.AddressRepository
	UnitOfWork      repositories.UnitOfWork
	Events          OrderEventPublisher
	Metrics         SettlementMetrics
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          func(ctx context.Context, event string, fields map[string]any)
	DefaultCurrency string
}

type checkoutService struct {
	pricing        PricingEngine
	coupons        CouponEvaluator
	inventory      InventoryReconciler
	gateway        checkoutGateway
	orders         repositories.OrderRepository
	paymentRecords repositories.PaymentRepository
	couponStore    repositories.CouponRepository
	addresses      repositories.AddressRepository
	unitOfWork     repositories.UnitOfWork
	events         OrderEventPublisher
	metrics        SettlementMetrics
	now            func() time.Time
	newID          func() string
	logger         func(context.Context, string, map[string]any)
	currency       string
}

var _ CheckoutService = (*checkoutService)(nil)

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	switch {
	case deps.Pricing == nil:
		return nil, errors.New("checkout service: pricing engine is required")
	case deps.Coupons == nil:
		return nil, errors.New("checkout service: coupon evaluator is required")
	case deps.Inventory == nil:
		return nil, errors.New("checkout service: inventory reconciler is required")
	case deps.Gateway == nil:
		return nil, errors.New("checkout service: payment gateway is required")
	case deps.Orders == nil:
		return nil, errors.New("checkout service: order repository is required")
	case deps.PaymentRecords == nil:
		return nil, errors.New("checkout service: payment repository is required")
	case deps.CouponStore == nil:
		return nil, errors.New("checkout service: coupon repository is required")
	case deps.Addresses == nil:
		return nil, errors.New("checkout service: address repository is required")
	case deps.UnitOfWork == nil:
		return nil, errors.New("checkout service: unit of work is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopSettlementMetrics{}
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = defaultCheckoutCurrency
	}

	return &checkoutService{
		pricing:        deps.Pricing,
		coupons:        deps.Coupons,
		inventory:      deps.Inventory,
		gateway:        deps.Gateway,
		orders:         deps.Orders,
		paymentRecords: deps.PaymentRecords,
		couponStore:    deps.CouponStore,
		addresses:      deps.Addresses,
		unitOfWork:     deps.UnitOfWork,
		events:         deps.Events,
		metrics:        metrics,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:    idGen,
		logger:   logger,
		currency: currency,
	}, nil
}

// CreateCheckout prices the cart, applies the coupon, snapshots the address and creates the PENDING
// order together with its gateway order. The order insert, the gateway call and the Payment Record
// share one transaction so a gateway failure leaves no order behind.
func (s *checkoutService) CreateCheckout(ctx context.Context, cmd CreateCheckoutCommand) (result CreateCheckoutResult, err error) {
	ctx, span := observability.StartSpan(ctx, "checkout.CreateCheckout")
	defer func() { observability.EndSpan(span, err) }()
	defer func() {
		if err != nil {
			s.metrics.RecordCheckout(ctx, outcomeFor(err))
		}
	}()

	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return CreateCheckoutResult{}, fmt.Errorf("%w: user id is required", ErrCheckoutInvalidInput)
	}
	if cmd.Shipping < 0 || cmd.Tax < 0 {
		return CreateCheckoutResult{}, fmt.Errorf("%w: shipping and tax must not be negative", ErrCheckoutInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = s.currency
	}

	priced, err := s.pricing.Price(ctx, PriceCartCommand{Lines: cmd.Lines})
	if err != nil {
		return CreateCheckoutResult{}, err
	}

	order := Order{
		ID:            orderIDPrefix + s.newID(),
		UserID:        userID,
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		Currency:      currency,
		Lines:         toOrderLines(priced.Lines),
		Subtotal:      priced.Subtotal,
		Shipping:      cmd.Shipping,
		Tax:           cmd.Tax,
	}

	if cmd.CouponCode != nil && strings.TrimSpace(*cmd.CouponCode) != "" {
		evaluation, err := s.coupons.Evaluate(ctx, EvaluateCouponCommand{
			Code:       *cmd.CouponCode,
			OrderValue: priced.Subtotal,
			ProductIDs: order.ProductIDs(),
			UserID:     userID,
		})
		if err != nil {
			return CreateCheckoutResult{}, err
		}
		order.Discount = evaluation.Discount
		order.CouponID = valuePtr(evaluation.Coupon.ID)
		order.CouponCode = valuePtr(evaluation.Coupon.Code)
	}

	if cmd.AddressID != nil && strings.TrimSpace(*cmd.AddressID) != "" {
		address, err := s.addresses.FindByID(ctx, userID, strings.TrimSpace(*cmd.AddressID))
		if err != nil {
			var repoErr repositories.RepositoryError
			if errors.As(err, &repoErr) && repoErr.IsNotFound() {
				return CreateCheckoutResult{}, fmt.Errorf("%w: address not found", ErrCheckoutInvalidInput)
			}
			return CreateCheckoutResult{}, s.translateRepoError(err)
		}
		order.Address = &address
	}

	final, ok := addInt64(order.Subtotal-order.Discount, order.Shipping)
	if ok {
		final, ok = addInt64(final, order.Tax)
	}
	if !ok {
		return CreateCheckoutResult{}, fmt.Errorf("%w: order total overflows", ErrCheckoutInvalidInput)
	}
	if final <= 0 {
		return CreateCheckoutResult{}, fmt.Errorf("%w: order total must be positive", ErrCheckoutInvalidInput)
	}
	order.FinalAmount = final

	now := s.now()
	order.CreatedAt = now
	order.UpdatedAt = now
	receipt := receiptPrefix + strings.TrimPrefix(order.ID, orderIDPrefix)

	remote, err := s.gateway.CreateOrder(ctx, payments.PaymentContext{
		PreferredProvider: cmd.Provider,
		Currency:          currency,
	}, payments.CreateOrderRequest{
		OrderID:        order.ID,
		Amount:         final,
		Currency:       currency,
		Receipt:        receipt,
		IdempotencyKey: order.ID,
		Notes:          textutil.CompactStringMap(map[string]string{"user_id": userID}),
	})
	if err == nil && (remote.ID == "" || (remote.Amount != 0 && remote.Amount != final)) {
		err = fmt.Errorf("%w: gateway order %q amount %d does not match %d", ErrGatewayRejected, remote.ID, remote.Amount, final)
	}
	if err != nil {
		err = s.translateGatewayError(err)
		s.logger(ctx, "checkout.create.failed", map[string]any{
			"orderId": order.ID,
			"userId":  observability.SanitizeUserID(userID),
			"error":   err.Error(),
		})
		return CreateCheckoutResult{}, err
	}

	// The remote order exists from here on. A failed commit leaves it orphaned at the gateway, where it
	// expires unpaid; webhooks for it find no payment record and are ignored.
	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.translateRepoError(err)
		}
		if err := s.orders.AppendStatusHistory(txCtx, OrderStatusChange{
			OrderID:   order.ID,
			To:        domain.OrderStatusPending,
			Actor:     userID,
			CreatedAt: now,
		}); err != nil {
			return s.translateRepoError(err)
		}
		return s.translateRepoError(s.paymentRecords.Insert(txCtx, PaymentRecord{
			ID:             paymentRecordIDPrefix + s.newID(),
			OrderID:        order.ID,
			Provider:       remote.Provider,
			GatewayOrderID: remote.ID,
			Amount:         final,
			Currency:       currency,
			Status:         domain.PaymentRecordPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}))
	})
	if err != nil {
		s.logger(ctx, "checkout.create.orphaned_gateway_order", map[string]any{
			"orderId":        order.ID,
			"userId":         observability.SanitizeUserID(userID),
			"provider":       remote.Provider,
			"gatewayOrderId": remote.ID,
			"error":          err.Error(),
		})
		return CreateCheckoutResult{}, err
	}

	s.metrics.RecordCheckout(ctx, outcomeSucceeded)
	s.logger(ctx, "checkout.create.succeeded", map[string]any{
		"orderId":        order.ID,
		"provider":       remote.Provider,
		"gatewayOrderId": remote.ID,
		"amount":         final,
		"currency":       currency,
	})
	s.publish(ctx, OrderEvent{
		Type:          OrderEventCreated,
		OrderID:       order.ID,
		UserID:        userID,
		CurrentStatus: string(domain.OrderStatusPending),
		ActorID:       userID,
		OccurredAt:    now,
		Metadata: map[string]any{
			"amount":   final,
			"currency": currency,
			"provider": remote.Provider,
		},
	})

	return CreateCheckoutResult{
		OrderID:        order.ID,
		Amount:         final,
		Currency:       currency,
		Provider:       remote.Provider,
		KeyID:          remote.PublicKey,
		GatewayOrderID: remote.ID,
		Receipt:        chooseFirstNonEmpty(remote.Receipt, receipt),
		ClientSecret:   remote.ClientSecret,
		Subtotal:       order.Subtotal,
		Discount:       order.Discount,
	}, nil
}

// VerifyAndFinalize authenticates the gateway callback and settles the order exactly once.
// Replays of an already settled payment succeed without side effects.
func (s *checkoutService) VerifyAndFinalize(ctx context.Context, cmd VerifyPaymentCommand) (result VerifyPaymentResult, err error) {
	ctx, span := observability.StartSpan(ctx, "checkout.VerifyAndFinalize", attribute.String("order.id", cmd.OrderID))
	defer func() { observability.EndSpan(span, err) }()

	cmd.OrderID = strings.TrimSpace(cmd.OrderID)
	cmd.GatewayOrderID = strings.TrimSpace(cmd.GatewayOrderID)
	cmd.GatewayPaymentID = strings.TrimSpace(cmd.GatewayPaymentID)
	cmd.Signature = strings.TrimSpace(cmd.Signature)
	if cmd.OrderID == "" || cmd.GatewayOrderID == "" || cmd.GatewayPaymentID == "" || cmd.Signature == "" {
		return VerifyPaymentResult{}, fmt.Errorf("%w: order id, gateway order id, payment id and signature are required", ErrCheckoutInvalidInput)
	}

	order, record, err := s.loadForVerification(ctx, cmd.OrderID, strings.TrimSpace(cmd.UserID), cmd.GatewayOrderID)
	if err != nil {
		return VerifyPaymentResult{}, err
	}

	req := payments.VerifyRequest{
		OrderID:          order.ID,
		GatewayOrderID:   record.GatewayOrderID,
		GatewayPaymentID: cmd.GatewayPaymentID,
		Signature:        cmd.Signature,
	}
	verified, err := s.gateway.Verify(ctx, record.Provider, req)
	if errors.Is(err, payments.ErrPaymentPending) {
		s.metrics.RecordFinalize(ctx, outcomePending)
		s.logger(ctx, "checkout.verify.pending", map[string]any{
			"orderId":  order.ID,
			"provider": record.Provider,
		})
		return resultOf(order), s.translateGatewayError(err)
	}
	if err != nil {
		s.metrics.RecordFinalize(ctx, outcomeGatewayError)
		s.logger(ctx, "checkout.verify.gateway_failed", map[string]any{
			"orderId":  order.ID,
			"provider": record.Provider,
			"error":    err.Error(),
		})
		return VerifyPaymentResult{}, s.translateGatewayError(err)
	}

	if order.Status != domain.OrderStatusPending {
		if !verified {
			s.metrics.RecordFinalize(ctx, outcomeSignatureMismatch)
			s.logger(ctx, "checkout.verify.signature_mismatch", map[string]any{
				"orderId":     order.ID,
				"orderStatus": string(order.Status),
			})
			return resultOf(order), ErrSignatureMismatch
		}
		return s.resolveVerified(ctx, order, record, cmd.GatewayPaymentID)
	}

	digest := signatureDigest(cmd.Signature)
	if !verified {
		result, err := s.failPayment(ctx, order, record, cmd.GatewayPaymentID, &digest, "signature_mismatch", actorSettlement)
		if err != nil {
			return VerifyPaymentResult{}, err
		}
		s.metrics.RecordFinalize(ctx, outcomeSignatureMismatch)
		return result, ErrSignatureMismatch
	}
	return s.finalize(ctx, order, record, cmd.GatewayPaymentID, &digest, actorSettlement)
}

// HandleGatewayEvent applies an authenticated gateway webhook. Captures settle through the same
// conditional path as VerifyAndFinalize. Failures are logged only: the customer may retry on the same
// gateway order and the sweep expires abandoned ones.
func (s *checkoutService) HandleGatewayEvent(ctx context.Context, event GatewayEvent) (err error) {
	ctx, span := observability.StartSpan(ctx, "checkout.HandleGatewayEvent",
		attribute.String("gateway.event", event.Type),
		attribute.String("gateway.order_id", event.GatewayOrderID),
	)
	defer func() { observability.EndSpan(span, err) }()

	eventType := strings.ToLower(strings.TrimSpace(event.Type))
	fields := map[string]any{
		"eventId":        event.EventID,
		"type":           eventType,
		"provider":       event.Provider,
		"gatewayOrderId": event.GatewayOrderID,
	}

	switch eventType {
	case GatewayEventPaymentCaptured, GatewayEventOrderPaid, GatewayEventPaymentFailed:
	default:
		s.logger(ctx, "checkout.webhook.ignored", fields)
		return nil
	}
	gatewayOrderID := strings.TrimSpace(event.GatewayOrderID)
	paymentID := strings.TrimSpace(event.GatewayPaymentID)
	if gatewayOrderID == "" || paymentID == "" {
		return fmt.Errorf("%w: gateway order id and payment id are required", ErrCheckoutInvalidInput)
	}

	record, err := s.paymentRecords.FindByGatewayOrderID(ctx, gatewayOrderID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			// Remote orders whose checkout transaction rolled back have no local record.
			s.logger(ctx, "checkout.webhook.unknown_gateway_order", fields)
			return nil
		}
		return s.translateRepoError(err)
	}
	order, err := s.orders.FindByID(ctx, record.OrderID)
	if err != nil {
		return s.translateRepoError(err)
	}
	fields["orderId"] = order.ID
	fields["orderStatus"] = string(order.Status)

	if eventType == GatewayEventPaymentFailed {
		s.logger(ctx, "checkout.webhook.payment_failed", fields)
		return nil
	}

	if event.Amount > 0 && event.Amount != record.Amount {
		fields["amount"] = event.Amount
		fields["expectedAmount"] = record.Amount
		s.logger(ctx, "checkout.webhook.amount_mismatch", fields)
		return nil
	}

	if order.Status != domain.OrderStatusPending {
		_, err = s.resolveVerified(ctx, order, record, paymentID)
	} else {
		_, err = s.finalize(ctx, order, record, paymentID, nil, actorWebhook)
	}
	switch {
	case err == nil, errors.Is(err, ErrOrderNotPending), errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrCouponLimitExceeded):
		s.logger(ctx, "checkout.webhook.applied", fields)
		return nil
	default:
		return err
	}
}

func (s *checkoutService) loadForVerification(ctx context.Context, orderID, userID, gatewayOrderID string) (Order, PaymentRecord, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, PaymentRecord{}, s.translateRepoError(err)
	}
	if userID != "" && order.UserID != userID {
		return Order{}, PaymentRecord{}, ErrOrderNotFound
	}
	record, err := s.paymentRecords.FindByGatewayOrderID(ctx, gatewayOrderID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return Order{}, PaymentRecord{}, fmt.Errorf("%w: unknown gateway order", ErrCheckoutInvalidInput)
		}
		return Order{}, PaymentRecord{}, s.translateRepoError(err)
	}
	if record.OrderID != order.ID {
		return Order{}, PaymentRecord{}, fmt.Errorf("%w: gateway order does not belong to order", ErrCheckoutInvalidInput)
	}
	return order, record, nil
}

// finalize moves a verified order PENDING -> PROCESSING. The conditional status update runs first so
// concurrent finalizers serialize on the order row and only the first one redeems the coupon and
// commits stock.
func (s *checkoutService) finalize(ctx context.Context, order Order, record PaymentRecord, paymentID string, digest *string, actor string) (VerifyPaymentResult, error) {
	now := s.now()
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		updated, err := s.orders.Transition(txCtx, repositories.OrderTransition{
			OrderID:       order.ID,
			From:          []domain.OrderStatus{domain.OrderStatusPending},
			To:            domain.OrderStatusProcessing,
			PaymentStatus: valuePtr(domain.PaymentStatusPaid),
			At:            now,
		})
		if err != nil {
			return s.translateRepoError(err)
		}
		if !updated {
			return errFinalizeLost
		}
		if order.CouponID != nil {
			if err := s.redeemCoupon(txCtx, order, now); err != nil {
				return err
			}
		}
		if err := s.inventory.Commit(txCtx, order.ID, order.Lines); err != nil {
			return err
		}
		if err := s.verifyRecord(txCtx, record, paymentID, digest, now); err != nil {
			return err
		}
		return s.translateRepoError(s.orders.AppendStatusHistory(txCtx, OrderStatusChange{
			OrderID:   order.ID,
			From:      domain.OrderStatusPending,
			To:        domain.OrderStatusProcessing,
			Actor:     actor,
			CreatedAt: now,
		}))
	})

	switch {
	case err == nil:
		s.metrics.RecordFinalize(ctx, outcomeSucceeded)
		s.logger(ctx, "checkout.verify.succeeded", map[string]any{
			"orderId":          order.ID,
			"gatewayPaymentId": MaskIdentifier(paymentID),
			"actor":            actor,
		})
		s.publish(ctx, OrderEvent{
			Type:           OrderEventPaid,
			OrderID:        order.ID,
			UserID:         order.UserID,
			PreviousStatus: string(domain.OrderStatusPending),
			CurrentStatus:  string(domain.OrderStatusProcessing),
			ActorID:        actor,
			OccurredAt:     now,
			Metadata: map[string]any{
				"amount":   order.FinalAmount,
				"currency": order.Currency,
				"provider": record.Provider,
			},
		})
		return VerifyPaymentResult{
			OrderID:       order.ID,
			Status:        domain.OrderStatusProcessing,
			PaymentStatus: domain.PaymentStatusPaid,
		}, nil
	case errors.Is(err, errFinalizeLost):
		return s.reloadAndResolve(ctx, order.ID, record.GatewayOrderID, paymentID)
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrCouponLimitExceeded):
		return s.settleWithRefund(ctx, order, record, paymentID, digest, actor, err)
	default:
		s.metrics.RecordFinalize(ctx, outcomeError)
		s.logger(ctx, "checkout.verify.finalize_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return VerifyPaymentResult{}, err
	}
}

func (s *checkoutService) redeemCoupon(ctx context.Context, order Order, now time.Time) error {
	couponID := *order.CouponID
	if err := s.couponStore.IncrementUsage(ctx, couponID); err != nil {
		return s.translateCouponError(err)
	}
	coupon, err := s.couponStore.FindByID(ctx, couponID)
	if err != nil {
		return s.translateCouponError(err)
	}
	if coupon.PerUserLimit != nil {
		used, err := s.couponStore.CountUserRedemptions(ctx, couponID, order.UserID)
		if err != nil {
			return s.translateRepoError(err)
		}
		if used >= *coupon.PerUserLimit {
			return fmt.Errorf("%w: per-user limit reached for coupon %s", ErrCouponLimitExceeded, coupon.Code)
		}
	}
	if err := s.couponStore.InsertRedemption(ctx, domain.CouponRedemption{
		CouponID:  couponID,
		OrderID:   order.ID,
		UserID:    order.UserID,
		Amount:    order.Discount,
		CreatedAt: now,
	}); err != nil {
		return s.translateCouponError(err)
	}
	return nil
}

func (s *checkoutService) verifyRecord(ctx context.Context, record PaymentRecord, paymentID string, digest *string, now time.Time) error {
	updated, err := s.paymentRecords.Transition(ctx, repositories.PaymentTransition{
		RecordID:         record.ID,
		From:             domain.PaymentRecordPending,
		To:               domain.PaymentRecordVerified,
		GatewayPaymentID: valuePtr(paymentID),
		SignatureDigest:  digest,
		At:               now,
	})
	if err != nil {
		return s.translateRepoError(err)
	}
	if !updated {
		return fmt.Errorf("%w: payment record %s is no longer pending", ErrOrderConflict, record.ID)
	}
	return nil
}

// settleWithRefund records a verified payment that could not be fulfilled: the order fails, the
// payment stays PAID and the order is flagged for a manual refund.
func (s *checkoutService) settleWithRefund(ctx context.Context, order Order, record PaymentRecord, paymentID string, digest *string, actor string, cause error) (VerifyPaymentResult, error) {
	now := s.now()
	transitioned := false
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		updated, err := s.orders.Transition(txCtx, repositories.OrderTransition{
			OrderID:        order.ID,
			From:           []domain.OrderStatus{domain.OrderStatusPending},
			To:             domain.OrderStatusPaymentFailed,
			PaymentStatus:  valuePtr(domain.PaymentStatusPaid),
			RefundRequired: valuePtr(true),
			At:             now,
		})
		if err != nil {
			return s.translateRepoError(err)
		}
		if !updated {
			return nil
		}
		transitioned = true
		if err := s.verifyRecord(txCtx, record, paymentID, digest, now); err != nil {
			return err
		}
		return s.translateRepoError(s.orders.AppendStatusHistory(txCtx, OrderStatusChange{
			OrderID:   order.ID,
			From:      domain.OrderStatusPending,
			To:        domain.OrderStatusPaymentFailed,
			Actor:     actor,
			Note:      "refund required: " + refundReason(cause),
			CreatedAt: now,
		}))
	})
	if err != nil {
		s.metrics.RecordFinalize(ctx, outcomeError)
		s.logger(ctx, "checkout.verify.refund_flag_failed", map[string]any{
			"orderId": order.ID,
			"cause":   cause.Error(),
			"error":   err.Error(),
		})
		return VerifyPaymentResult{}, err
	}
	if !transitioned {
		return s.reloadAndResolve(ctx, order.ID, record.GatewayOrderID, paymentID)
	}

	s.metrics.RecordFinalize(ctx, outcomeFor(cause))
	s.logger(ctx, "checkout.verify.refund_required", map[string]any{
		"orderId": order.ID,
		"reason":  refundReason(cause),
		"error":   cause.Error(),
	})
	s.publish(ctx, OrderEvent{
		Type:           OrderEventRefundRequired,
		OrderID:        order.ID,
		UserID:         order.UserID,
		PreviousStatus: string(domain.OrderStatusPending),
		CurrentStatus:  string(domain.OrderStatusPaymentFailed),
		ActorID:        actor,
		OccurredAt:     now,
		Metadata: map[string]any{
			"reason":           refundReason(cause),
			"amount":           order.FinalAmount,
			"currency":         order.Currency,
			"gatewayPaymentId": paymentID,
		},
	})
	return VerifyPaymentResult{
		OrderID:       order.ID,
		Status:        domain.OrderStatusPaymentFailed,
		PaymentStatus: domain.PaymentStatusPaid,
	}, cause
}

// failPayment moves a PENDING order to PAYMENT_FAILED. It is a no-op when the order already left
// PENDING.
func (s *checkoutService) failPayment(ctx context.Context, order Order, record PaymentRecord, paymentID string, digest *string, reason string, actor string) (VerifyPaymentResult, error) {
	now := s.now()
	transitioned := false
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		updated, err := s.orders.Transition(txCtx, repositories.OrderTransition{
			OrderID:       order.ID,
			From:          []domain.OrderStatus{domain.OrderStatusPending},
			To:            domain.OrderStatusPaymentFailed,
			PaymentStatus: valuePtr(domain.PaymentStatusFailed),
			At:            now,
		})
		if err != nil {
			return s.translateRepoError(err)
		}
		if !updated {
			return nil
		}
		transitioned = true
		transition := repositories.PaymentTransition{
			RecordID:        record.ID,
			From:            domain.PaymentRecordPending,
			To:              domain.PaymentRecordFailed,
			SignatureDigest: digest,
			At:              now,
		}
		if paymentID != "" {
			transition.GatewayPaymentID = valuePtr(paymentID)
		}
		if _, err := s.paymentRecords.Transition(txCtx, transition); err != nil {
			return s.translateRepoError(err)
		}
		if _, err := s.paymentRecords.FailPendingByOrder(txCtx, order.ID, now); err != nil {
			return s.translateRepoError(err)
		}
		return s.translateRepoError(s.orders.AppendStatusHistory(txCtx, OrderStatusChange{
			OrderID:   order.ID,
			From:      domain.OrderStatusPending,
			To:        domain.OrderStatusPaymentFailed,
			Actor:     actor,
			Note:      reason,
			CreatedAt: now,
		}))
	})
	if err != nil {
		s.metrics.RecordFinalize(ctx, outcomeError)
		return VerifyPaymentResult{}, err
	}

	s.logger(ctx, "checkout.verify.payment_failed", map[string]any{
		"orderId":      order.ID,
		"reason":       reason,
		"transitioned": transitioned,
	})
	if transitioned {
		s.publish(ctx, OrderEvent{
			Type:           OrderEventPaymentFailed,
			OrderID:        order.ID,
			UserID:         order.UserID,
			PreviousStatus: string(domain.OrderStatusPending),
			CurrentStatus:  string(domain.OrderStatusPaymentFailed),
			ActorID:        actor,
			OccurredAt:     now,
			Metadata:       map[string]any{"reason": reason},
		})
	}
	return VerifyPaymentResult{
		OrderID:       order.ID,
		Status:        domain.OrderStatusPaymentFailed,
		PaymentStatus: domain.PaymentStatusFailed,
	}, nil
}

func (s *checkoutService) reloadAndResolve(ctx context.Context, orderID, gatewayOrderID, paymentID string) (VerifyPaymentResult, error) {
	latest, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return VerifyPaymentResult{}, s.translateRepoError(err)
	}
	record, err := s.paymentRecords.FindByGatewayOrderID(ctx, gatewayOrderID)
	if err != nil {
		return VerifyPaymentResult{}, s.translateRepoError(err)
	}
	return s.resolveVerified(ctx, latest, record, paymentID)
}

// resolveVerified answers an authentic callback for an order that already left PENDING.
func (s *checkoutService) resolveVerified(ctx context.Context, order Order, record PaymentRecord, paymentID string) (VerifyPaymentResult, error) {
	result := resultOf(order)
	matching := record.GatewayPaymentID != nil && *record.GatewayPaymentID == paymentID

	switch {
	case matching && record.Status == domain.PaymentRecordVerified &&
		order.PaymentStatus == domain.PaymentStatusPaid && fulfilmentStatus(order.Status):
		result.Replayed = true
		s.metrics.RecordFinalize(ctx, outcomeReplayed)
		s.logger(ctx, "checkout.verify.replayed", map[string]any{"orderId": order.ID})
		return result, nil
	case order.PaymentStatus != domain.PaymentStatusPaid &&
		(order.Status == domain.OrderStatusPaymentFailed || order.Status == domain.OrderStatusCancelled):
		s.flagLateCapture(ctx, order, paymentID)
	}

	s.metrics.RecordFinalize(ctx, outcomeNotPending)
	s.logger(ctx, "checkout.verify.not_pending", map[string]any{
		"orderId":     order.ID,
		"orderStatus": string(order.Status),
	})
	return result, ErrOrderNotPending
}

// flagLateCapture marks an expired or cancelled order whose payment was captured anyway.
func (s *checkoutService) flagLateCapture(ctx context.Context, order Order, paymentID string) {
	if order.RefundRequired {
		return
	}
	now := s.now()
	updated, err := s.orders.Transition(ctx, repositories.OrderTransition{
		OrderID:        order.ID,
		From:           []domain.OrderStatus{order.Status},
		To:             order.Status,
		RefundRequired: valuePtr(true),
		At:             now,
	})
	if err != nil {
		s.logger(ctx, "checkout.verify.late_capture_flag_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return
	}
	if !updated {
		return
	}
	s.publish(ctx, OrderEvent{
		Type:          OrderEventRefundRequired,
		OrderID:       order.ID,
		UserID:        order.UserID,
		CurrentStatus: string(order.Status),
		ActorID:       actorSettlement,
		OccurredAt:    now,
		Metadata: map[string]any{
			"reason":           "captured_after_close",
			"amount":           order.FinalAmount,
			"currency":         order.Currency,
			"gatewayPaymentId": paymentID,
		},
	})
}

func (s *checkoutService) translateGatewayError(err error) error {
	switch {
	case errors.Is(err, payments.ErrUnsupportedProvider):
		return fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	case errors.Is(err, payments.ErrPaymentPending), errors.Is(err, ErrPaymentPending):
		return fmt.Errorf("%w: %v", ErrPaymentPending, err)
	case errors.Is(err, payments.ErrGatewayRejected), errors.Is(err, ErrGatewayRejected):
		return fmt.Errorf("%w: %v", ErrGatewayRejected, err)
	case errors.Is(err, ErrGatewayUnreachable):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
	}
}

func (s *checkoutService) translateCouponError(err error) error {
	var couponErr *repositories.CouponError
	if errors.As(err, &couponErr) {
		switch couponErr.Code {
		case repositories.CouponErrorUsageLimitReached:
			return fmt.Errorf("%w: %v", ErrCouponLimitExceeded, err)
		case repositories.CouponErrorAlreadyRedeemed:
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		}
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %v", ErrCouponLimitExceeded, err)
	}
	return s.translateRepoError(err)
}

func (s *checkoutService) translateRepoError(err error) error {
	if err == nil || isServiceError(err) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
}

func (s *checkoutService) publish(ctx context.Context, event OrderEvent) {
	publishOrderEvent(ctx, s.events, s.logger, event)
}

func resultOf(order Order) VerifyPaymentResult {
	return VerifyPaymentResult{
		OrderID:       order.ID,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
	}
}

func fulfilmentStatus(status OrderStatus) bool {
	switch status {
	case domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered:
		return true
	}
	return false
}

func refundReason(cause error) string {
	if errors.Is(cause, ErrCouponLimitExceeded) {
		return "coupon_limit_exceeded"
	}
	return "insufficient_stock"
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return outcomeSucceeded
	case errors.Is(err, ErrSignatureMismatch):
		return outcomeSignatureMismatch
	case errors.Is(err, ErrInsufficientStock):
		return outcomeInsufficientStock
	case errors.Is(err, ErrCouponLimitExceeded):
		return outcomeCouponLimit
	case errors.Is(err, ErrOrderNotPending):
		return outcomeNotPending
	case errors.Is(err, ErrPaymentPending):
		return outcomePending
	case errors.Is(err, ErrGatewayUnreachable), errors.Is(err, ErrGatewayRejected):
		return outcomeGatewayError
	case errors.Is(err, ErrCheckoutInvalidInput), errors.Is(err, ErrLineUnavailable),
		errors.Is(err, ErrCouponInvalid), errors.Is(err, ErrCouponExpired),
		errors.Is(err, ErrCouponMinOrderNotMet), errors.Is(err, ErrCouponNotApplicable):
		return outcomeRejected
	default:
		return outcomeError
	}
}

// signatureDigest is the audit form of a callback signature; the raw value is never stored.
func signatureDigest(signature string) string {
	sum := sha256.Sum256([]byte(signature))
	return hex.EncodeToString(sum[:])
}

func toOrderLines(lines []PricedLine) []OrderLine {
	out := make([]OrderLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, OrderLine{
			ProductID:     line.ProductID,
			ProductName:   line.ProductName,
			Quantity:      line.Quantity,
			UnitPrice:     line.UnitPrice,
			Surcharge:     line.Surcharge,
			LineTotal:     line.LineTotal,
			Configuration: line.Configuration,
		})
	}
	return out
}

func chooseFirstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
