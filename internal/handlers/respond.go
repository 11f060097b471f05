package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/Avnish-oP/veracious-sub001/internal/platform/auth"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/httpx"
	"github.com/Avnish-oP/veracious-sub001/internal/services"
)

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body too large")
)

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	return data, nil
}

// decodeBody reads and decodes a JSON body, writing a 400 or 413 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, limit)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON: "+err.Error(), http.StatusBadRequest))
		return false
	}
	return true
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// requireIdentity returns the caller or writes a 401.
func requireIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

// writeServiceError maps checkout, coupon and order errors onto the API error envelope. Pricing and
// coupon failures keep their message so the shopper can fix the cart.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	httpx.WriteError(ctx, w, serviceError(err))
}

func serviceError(err error) httpx.Error {
	var lineErr *services.LineUnavailableError
	var stockErr *services.InsufficientStockError
	switch {
	case errors.As(err, &lineErr):
		return httpx.NewError("line_unavailable", err.Error(), http.StatusConflict).
			WithDetails(map[string]any{"productId": lineErr.ProductID})
	case errors.As(err, &stockErr):
		return httpx.NewError("insufficient_stock", "insufficient stock", http.StatusConflict).
			WithDetails(map[string]any{"productId": stockErr.ProductID})
	case errors.Is(err, services.ErrLineUnavailable):
		return httpx.NewError("line_unavailable", err.Error(), http.StatusConflict)
	case errors.Is(err, services.ErrInsufficientStock):
		return httpx.NewError("insufficient_stock", "insufficient stock", http.StatusConflict)
	case errors.Is(err, services.ErrCheckoutInvalidInput), errors.Is(err, services.ErrOrderInvalidInput):
		return httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrCouponInvalid):
		return httpx.NewError("coupon_invalid", "coupon code is not valid", http.StatusUnprocessableEntity)
	case errors.Is(err, services.ErrCouponExpired):
		return httpx.NewError("coupon_expired", "coupon has expired", http.StatusUnprocessableEntity)
	case errors.Is(err, services.ErrCouponMinOrderNotMet):
		return httpx.NewError("coupon_min_order_not_met", err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, services.ErrCouponNotApplicable):
		return httpx.NewError("coupon_not_applicable", "coupon does not apply to these products", http.StatusUnprocessableEntity)
	case errors.Is(err, services.ErrCouponLimitExceeded):
		return httpx.NewError("coupon_limit_exceeded", "coupon usage limit reached", http.StatusConflict)
	case errors.Is(err, services.ErrOrderNotFound):
		return httpx.NewError("order_not_found", "order not found", http.StatusNotFound)
	case errors.Is(err, services.ErrSignatureMismatch):
		return httpx.NewError("signature_mismatch", "payment signature mismatch", http.StatusBadRequest)
	case errors.Is(err, services.ErrOrderNotPending):
		return httpx.NewError("order_not_pending", "order is no longer awaiting payment", http.StatusConflict)
	case errors.Is(err, services.ErrOrderInvalidTransition):
		return httpx.NewError("invalid_status_transition", err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, services.ErrOrderConflict):
		return httpx.NewError("order_conflict", err.Error(), http.StatusConflict)
	case errors.Is(err, services.ErrInvoiceNotAvailable):
		return httpx.NewError("invoice_not_available", "order has not been paid", http.StatusConflict)
	case errors.Is(err, services.ErrGatewayUnreachable):
		return httpx.NewError("gateway_unreachable", "payment gateway unavailable, try again shortly", http.StatusServiceUnavailable)
	case errors.Is(err, services.ErrPaymentPending):
		return httpx.NewError("payment_pending", "payment is still processing, try again shortly", http.StatusConflict)
	case errors.Is(err, services.ErrGatewayRejected):
		return httpx.NewError("gateway_rejected", "payment gateway rejected the order", http.StatusBadGateway)
	case errors.Is(err, services.ErrCheckoutUnavailable):
		return httpx.NewError("checkout_unavailable", "checkout temporarily unavailable", http.StatusServiceUnavailable)
	default:
		return httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError)
	}
}
