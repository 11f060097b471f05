package services

import (
	"context"
	"time"

	domain "github.com/Avnish-oP/veracious-sub001/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order              = domain.Order
	OrderLine          = domain.OrderLine
	OrderStatus        = domain.OrderStatus
	OrderStatusChange  = domain.OrderStatusChange
	PaymentStatus      = domain.PaymentStatus
	PaymentRecord      = domain.PaymentRecord
	Coupon             = domain.Coupon
	Address            = domain.Address
	CartLine           = domain.CartLine
	PricedLine         = domain.PricedLine
	SystemHealthReport = domain.SystemHealthReport
)

// PricingEngine re-derives authoritative prices for a cart snapshot from the catalog.
type PricingEngine interface {
	Price(ctx context.Context, cmd PriceCartCommand) (PriceCartResult, error)
}

// CouponEvaluator validates coupon codes against an order value and product set.
type CouponEvaluator interface {
	Evaluate(ctx context.Context, cmd EvaluateCouponCommand) (CouponEvaluation, error)
	Discount(coupon Coupon, orderValue int64) int64
}

// CheckoutService drives the create, verify and finalize sequence of an order.
type CheckoutService interface {
	CreateCheckout(ctx context.Context, cmd CreateCheckoutCommand) (CreateCheckoutResult, error)
	VerifyAndFinalize(ctx context.Context, cmd VerifyPaymentCommand) (VerifyPaymentResult, error)
	HandleGatewayEvent(ctx context.Context, event GatewayEvent) error
}

// OrderService exposes order reads and operator driven status changes.
type OrderService interface {
	GetOrder(ctx context.Context, cmd GetOrderCommand) (OrderDetail, error)
	AdminUpdateStatus(ctx context.Context, cmd AdminUpdateStatusCommand) (Order, error)
}

// InventoryReconciler commits stock for settled orders. Commit must run inside the caller's unit of
// work so a failure rolls back every decrement.
type InventoryReconciler interface {
	Commit(ctx context.Context, orderID string, lines []OrderLine) error
	Release(ctx context.Context, orderID string) error
}

// OrderSweeper expires PENDING orders whose payment window elapsed.
type OrderSweeper interface {
	Sweep(ctx context.Context) (SweepResult, error)
}

// InvoiceService renders invoices for settled orders.
type InvoiceService interface {
	Invoice(ctx context.Context, orderID string) (InvoiceDocument, error)
}

// SystemService exposes readiness information.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// SettlementMetrics records checkout outcomes. Implementations must be safe for concurrent use.
type SettlementMetrics interface {
	RecordCheckout(ctx context.Context, outcome string)
	RecordFinalize(ctx context.Context, outcome string)
	RecordSweep(ctx context.Context, expired int)
}

const (
	OrderEventCreated        = "order.created"
	OrderEventPaid           = "order.paid"
	OrderEventPaymentFailed  = "order.payment_failed"
	OrderEventRefundRequired = "order.refund_required"
	OrderEventStatusChanged  = "order.status_changed"
	OrderEventExpired        = "order.expired"
)

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	UserID         string         `json:"userId,omitempty"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Command and DTO definitions ------------------------------------------------

type PriceCartCommand struct {
	Lines []CartLine
}

type PriceCartResult struct {
	Lines    []PricedLine
	Subtotal int64
}

type EvaluateCouponCommand struct {
	Code       string
	OrderValue int64
	ProductIDs []string
	UserID     string
}

type CouponEvaluation struct {
	Coupon   Coupon
	Discount int64
}

type CreateCheckoutCommand struct {
	UserID     string
	Lines      []CartLine
	AddressID  *string
	CouponCode *string
	Shipping   int64
	Tax        int64
	Currency   string
	// Provider optionally pins the payment gateway; empty selects by currency.
	Provider string
}

type CreateCheckoutResult struct {
	OrderID        string
	Amount         int64
	Currency       string
	Provider       string
	KeyID          string
	GatewayOrderID string
	Receipt        string
	ClientSecret   string
	Subtotal       int64
	Discount       int64
}

type VerifyPaymentCommand struct {
	OrderID          string
	UserID           string
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
}

type VerifyPaymentResult struct {
	OrderID       string
	Status        OrderStatus
	PaymentStatus PaymentStatus
	Replayed      bool
}

// GatewayEvent is an authenticated asynchronous notification from a payment gateway.
type GatewayEvent struct {
	Provider         string
	EventID          string
	Type             string
	GatewayOrderID   string
	GatewayPaymentID string
	Amount           int64
	Currency         string
}

const (
	GatewayEventPaymentCaptured = "payment.captured"
	GatewayEventPaymentFailed   = "payment.failed"
	GatewayEventOrderPaid       = "order.paid"
)

type GetOrderCommand struct {
	OrderID string
	UserID  string
	Admin   bool
}

// OrderDetail is the read model returned for a single order.
type OrderDetail struct {
	Order    Order
	Payments []PaymentSummary
	History  []OrderStatusChange
}

// PaymentSummary is a Payment Record with the gateway payment id masked.
type PaymentSummary struct {
	Provider         string
	GatewayOrderID   string
	GatewayPaymentID string
	Status           domain.PaymentRecordStatus
	Amount           int64
	Currency         string
	UpdatedAt        time.Time
}

type AdminUpdateStatusCommand struct {
	OrderID        string
	Status         OrderStatus
	ActorID        string
	Note           string
	ExpectedStatus *OrderStatus
}

type SweepResult struct {
	Scanned        int
	Expired        int
	PaymentsFailed int64
}

// InvoiceDocument is a rendered invoice ready to stream.
type InvoiceDocument struct {
	OrderID     string
	FileName    string
	ContentType string
	Body        []byte
	ArchivedURI string
}
