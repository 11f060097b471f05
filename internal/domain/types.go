package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus enumerates the lifecycle states of an order.
type OrderStatus string

const (
	// OrderStatusPending indicates the order awaits payment verification.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusPaymentFailed indicates payment verification failed or timed out.
	OrderStatusPaymentFailed OrderStatus = "PAYMENT_FAILED"
	// OrderStatusProcessing indicates payment was verified and stock committed.
	OrderStatusProcessing OrderStatus = "PROCESSING"
	// OrderStatusShipped indicates the order left the warehouse.
	OrderStatusShipped OrderStatus = "SHIPPED"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "DELIVERED"
	// OrderStatusCancelled indicates the order was cancelled by an operator or policy.
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusReturned indicates a delivered order was returned.
	OrderStatusReturned OrderStatus = "RETURNED"
)

// Valid reports whether the status is one of the known order states.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaymentFailed, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusReturned:
		return true
	}
	return false
}

// PaymentStatus is the coarse payment state tracked on the order.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusPaid    PaymentStatus = "PAID"
	PaymentStatusFailed  PaymentStatus = "FAILED"
)

// PaymentRecordStatus tracks the verification state of a single gateway order.
type PaymentRecordStatus string

const (
	PaymentRecordPending  PaymentRecordStatus = "PENDING"
	PaymentRecordVerified PaymentRecordStatus = "VERIFIED"
	PaymentRecordFailed   PaymentRecordStatus = "FAILED"
)

// Order is the immutable-once-settled record created at checkout.
type Order struct {
	ID             string
	UserID         string
	Status         OrderStatus
	PaymentStatus  PaymentStatus
	Currency       string
	Lines          []OrderLine
	Subtotal       int64
	Discount       int64
	Shipping       int64
	Tax            int64
	FinalAmount    int64
	CouponID       *string
	CouponCode     *string
	Address        *Address
	RefundRequired bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ComputeFinalAmount returns subtotal - discount + shipping + tax.
func (o Order) ComputeFinalAmount() int64 {
	return o.Subtotal - o.Discount + o.Shipping + o.Tax
}

// ProductIDs lists the distinct product ids ordered, in line order.
func (o Order) ProductIDs() []string {
	seen := make(map[string]struct{}, len(o.Lines))
	ids := make([]string, 0, len(o.Lines))
	for _, line := range o.Lines {
		if _, ok := seen[line.ProductID]; ok {
			continue
		}
		seen[line.ProductID] = struct{}{}
		ids = append(ids, line.ProductID)
	}
	return ids
}

// OrderLine stores the priced snapshot of one cart line.
type OrderLine struct {
	ProductID     string
	ProductName   string
	Quantity      int64
	UnitPrice     int64
	Surcharge     int64
	LineTotal     int64
	Configuration Configuration
}

// OrderStatusChange is an append-only audit entry for an order status transition.
type OrderStatusChange struct {
	OrderID   string
	From      OrderStatus
	To        OrderStatus
	Actor     string
	Note      string
	CreatedAt time.Time
}

// PaymentRecord links an order to one gateway order attempt.
type PaymentRecord struct {
	ID               string
	OrderID          string
	Provider         string
	GatewayOrderID   string
	GatewayPaymentID *string
	SignatureDigest  *string
	Amount           int64
	Currency         string
	Status           PaymentRecordStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CouponType determines how a coupon discount is computed.
type CouponType string

const (
	CouponTypePercentage CouponType = "PERCENTAGE"
	CouponTypeFixed      CouponType = "FIXED"
)

// Coupon is a discount code with usage caps and an activity window. Value holds a
// percentage for PERCENTAGE coupons and a minor-unit amount for FIXED coupons.
type Coupon struct {
	ID            string
	Code          string
	Type          CouponType
	Value         decimal.Decimal
	MaxDiscount   *int64
	MinOrderValue int64
	ValidFrom     *time.Time
	ValidTo       *time.Time
	UsageLimit    *int64
	UsedCount     int64
	PerUserLimit  *int64
	ProductIDs    []string
	Active        bool
}

// CouponRedemption records a coupon applied to a settled order.
type CouponRedemption struct {
	CouponID  string
	OrderID   string
	UserID    string
	Amount    int64
	CreatedAt time.Time
}

// Product is the catalog view consumed by pricing and stock commit.
type Product struct {
	ID        string
	Name      string
	Price     int64
	Stock     int64
	Active    bool
	DeletedAt *time.Time
}

// Available reports whether the product can currently be sold.
func (p Product) Available() bool {
	return p.Active && p.DeletedAt == nil
}

// LensOptionKind distinguishes lens types from coatings.
type LensOptionKind string

const (
	LensOptionType    LensOptionKind = "LENS_TYPE"
	LensOptionCoating LensOptionKind = "COATING"
)

// LensOption is a server-side priced lens type or coating.
type LensOption struct {
	ID        string
	Kind      LensOptionKind
	Name      string
	Surcharge int64
	Active    bool
}

// Address represents the postal address snapshotted onto an order.
type Address struct {
	ID         string
	UserID     string
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
}

// CartLine is one request-scoped line submitted at checkout.
type CartLine struct {
	ProductID     string
	Quantity      int64
	Configuration Configuration
}
