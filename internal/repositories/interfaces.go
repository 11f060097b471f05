package repositories

import (
	"context"
	"time"

	domain "github.com/Avnish-oP/veracious-sub001/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Products() ProductRepository
	LensOptions() LensOptionRepository
	Addresses() AddressRepository
	Coupons() CouponRepository
	Orders() OrderRepository
	Payments() PaymentRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in a transactional boundary. Repository calls made with
// the ctx passed to fn join the transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ProductRepository is the read side of the catalog plus the stock counter.
type ProductRepository interface {
	FindByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	// DecrementStock subtracts qty only when enough stock remains. It returns an *InventoryError with
	// InventoryErrorInsufficientStock when the guard fails.
	DecrementStock(ctx context.Context, productID string, qty int64) error
}

// LensOptionRepository exposes server-side lens and coating surcharges.
type LensOptionRepository interface {
	FindByIDs(ctx context.Context, ids []string) (map[string]domain.LensOption, error)
}

// AddressRepository resolves shipping addresses owned by a user.
type AddressRepository interface {
	FindByID(ctx context.Context, userID string, addressID string) (domain.Address, error)
}

// CouponRepository loads coupons and maintains redemption counters.
type CouponRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
	FindByID(ctx context.Context, couponID string) (domain.Coupon, error)
	CountUserRedemptions(ctx context.Context, couponID string, userID string) (int64, error)
	// IncrementUsage bumps used_count while it stays within usage_limit. It returns a *CouponError
	// with CouponErrorUsageLimitReached when the guard fails.
	IncrementUsage(ctx context.Context, couponID string) error
	InsertRedemption(ctx context.Context, redemption domain.CouponRedemption) error
}

// OrderTransition describes a conditional status change keyed on the expected current status.
type OrderTransition struct {
	OrderID        string
	From           []domain.OrderStatus
	To             domain.OrderStatus
	PaymentStatus  *domain.PaymentStatus
	RefundRequired *bool
	At             time.Time
}

// OrderRepository persists orders, their lines and the status history.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// Transition applies the change only while the order is in one of From. It reports whether a row
	// was updated.
	Transition(ctx context.Context, transition OrderTransition) (bool, error)
	AppendStatusHistory(ctx context.Context, change domain.OrderStatusChange) error
	ListStatusHistory(ctx context.Context, orderID string) ([]domain.OrderStatusChange, error)
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]string, error)
}

// PaymentTransition describes a conditional Payment Record status change.
type PaymentTransition struct {
	RecordID         string
	From             domain.PaymentRecordStatus
	To               domain.PaymentRecordStatus
	GatewayPaymentID *string
	SignatureDigest  *string
	At               time.Time
}

// PaymentRepository persists Payment Records.
type PaymentRepository interface {
	Insert(ctx context.Context, record domain.PaymentRecord) error
	FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (domain.PaymentRecord, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentRecord, error)
	Transition(ctx context.Context, transition PaymentTransition) (bool, error)
	FailPendingByOrder(ctx context.Context, orderID string, at time.Time) (int64, error)
}

// HealthRepository surfaces dependency health information for readiness endpoints.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
