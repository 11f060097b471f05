package services

import (
	"errors"
	"fmt"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrLineUnavailable indicates a cart line references a product that cannot be sold.
	ErrLineUnavailable = errors.New("checkout: line unavailable")
	// ErrOrderNotPending indicates a verification arrived for an order that already left PENDING.
	ErrOrderNotPending = errors.New("checkout: order not pending")
	// ErrSignatureMismatch indicates the gateway callback failed authentication.
	ErrSignatureMismatch = errors.New("checkout: signature mismatch")
	// ErrInsufficientStock indicates stock ran out between checkout and finalize.
	ErrInsufficientStock = errors.New("checkout: insufficient stock")
	// ErrGatewayUnreachable indicates the payment gateway could not be reached.
	ErrGatewayUnreachable = errors.New("checkout: payment gateway unreachable")
	// ErrGatewayRejected indicates the payment gateway refused to create the remote order.
	ErrGatewayRejected = errors.New("checkout: payment gateway rejected order")
	// ErrPaymentPending indicates the gateway has not settled the payment yet; the order stays PENDING.
	ErrPaymentPending = errors.New("checkout: payment pending")
)

// LineUnavailableError names the product that failed pricing.
type LineUnavailableError struct {
	ProductID string
	Reason    string
}

func (e *LineUnavailableError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: product %s %s", ErrLineUnavailable, e.ProductID, e.Reason)
}

func (e *LineUnavailableError) Unwrap() error {
	return ErrLineUnavailable
}

// InsufficientStockError names the product whose stock could not be committed.
type InsufficientStockError struct {
	ProductID string
}

func (e *InsufficientStockError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: product %s", ErrInsufficientStock, e.ProductID)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}
