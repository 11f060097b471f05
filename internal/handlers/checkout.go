package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/Avnish-oP/veracious-sub001/internal/domain"
	"github.com/Avnish-oP/veracious-sub001/internal/payments"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/auth"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/httpx"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/requestctx"
	"github.com/Avnish-oP/veracious-sub001/internal/services"
)

const (
	maxCheckoutRequestBody = 32 * 1024
	maxVerifyRequestBody   = 4 * 1024

	verifyFailedMessage = "payment could not be verified"
)

// CheckoutHandlers serves checkout creation and client-side payment verification.
type CheckoutHandlers struct {
	authn       *auth.Authenticator
	checkout    services.CheckoutService
	idempotency func(http.Handler) http.Handler
	limiter     rateLimiter
}

// CheckoutOption customises CheckoutHandlers.
type CheckoutOption func(*CheckoutHandlers)

// WithCheckoutIdempotency guards checkout creation with the given middleware.
func WithCheckoutIdempotency(mw func(http.Handler) http.Handler) CheckoutOption {
	return func(h *CheckoutHandlers) { h.idempotency = mw }
}

// WithCheckoutRateLimit caps checkout creations per user within window.
func WithCheckoutRateLimit(limit int, window time.Duration) CheckoutOption {
	return func(h *CheckoutHandlers) { h.limiter = newUserRateLimiter(limit, window, nil) }
}

func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{authn: authn, checkout: checkout}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers /checkout/create and /checkout/verify.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth(auth.RoleUser, auth.RoleStaff, auth.RoleAdmin))
	}
	create := group
	if h.idempotency != nil {
		create = create.With(h.idempotency)
	}
	create.Post("/checkout/create", h.createCheckout)
	group.Post("/checkout/verify", h.verifyPayment)
}

type checkoutItemRequest struct {
	ProductID     string                `json:"productId"`
	Quantity      int64                 `json:"quantity"`
	Configuration *domain.Configuration `json:"configuration"`
}

type createCheckoutRequest struct {
	Items      []checkoutItemRequest `json:"items"`
	AddressID  *string               `json:"addressId"`
	CouponCode *string               `json:"couponCode"`
	Shipping   int64                 `json:"shipping"`
	GST        int64                 `json:"gst"`
	Currency   string                `json:"currency"`
	Provider   string                `json:"provider"`
}

type razorpayCheckoutPayload struct {
	KeyID    string `json:"key_id"`
	OrderID  string `json:"orderId"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

type stripeCheckoutPayload struct {
	PublishableKey  string `json:"publishableKey"`
	PaymentIntentID string `json:"paymentIntentId"`
	ClientSecret    string `json:"clientSecret"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
}

type createCheckoutResponse struct {
	Success  bool                     `json:"success"`
	OrderID  string                   `json:"orderId"`
	Provider string                   `json:"provider"`
	Subtotal int64                    `json:"subtotal"`
	Discount int64                    `json:"discount"`
	Razorpay *razorpayCheckoutPayload `json:"razorpay,omitempty"`
	Stripe   *stripeCheckoutPayload   `json:"stripe,omitempty"`
}

type verifyPaymentRequest struct {
	OrderID           string `json:"orderId"`
	RazorpayOrderID   string `json:"razorpay_order_id"`
	RazorpayPaymentID string `json:"razorpay_payment_id"`
	RazorpaySignature string `json:"razorpay_signature"`
}

type verifyPaymentResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderId,omitempty"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

func (h *CheckoutHandlers) createCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	if allowed, wait := h.allow(identity.UID); !allowed {
		if wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		}
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many checkout attempts", http.StatusTooManyRequests))
		return
	}

	var req createCheckoutRequest
	if !decodeBody(w, r, maxCheckoutRequestBody, &req) {
		return
	}
	if len(req.Items) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "items must not be empty", http.StatusBadRequest))
		return
	}

	lines := make([]services.CartLine, 0, len(req.Items))
	for _, item := range req.Items {
		cfg := domain.NoConfiguration()
		if item.Configuration != nil {
			cfg = *item.Configuration
		}
		lines = append(lines, services.CartLine{
			ProductID:     strings.TrimSpace(item.ProductID),
			Quantity:      item.Quantity,
			Configuration: cfg,
		})
	}

	result, err := h.checkout.CreateCheckout(ctx, services.CreateCheckoutCommand{
		UserID:     identity.UID,
		Lines:      lines,
		AddressID:  trimmedPointer(req.AddressID),
		CouponCode: trimmedPointer(req.CouponCode),
		Shipping:   req.Shipping,
		Tax:        req.GST,
		Currency:   strings.TrimSpace(req.Currency),
		Provider:   strings.TrimSpace(req.Provider),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := createCheckoutResponse{
		Success:  true,
		OrderID:  result.OrderID,
		Provider: result.Provider,
		Subtotal: result.Subtotal,
		Discount: result.Discount,
	}
	switch result.Provider {
	case payments.ProviderStripe:
		resp.Stripe = &stripeCheckoutPayload{
			PublishableKey:  result.KeyID,
			PaymentIntentID: result.GatewayOrderID,
			ClientSecret:    result.ClientSecret,
			Amount:          result.Amount,
			Currency:        result.Currency,
		}
	default:
		resp.Razorpay = &razorpayCheckoutPayload{
			KeyID:    result.KeyID,
			OrderID:  result.GatewayOrderID,
			Amount:   result.Amount,
			Currency: result.Currency,
			Receipt:  result.Receipt,
		}
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *CheckoutHandlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req verifyPaymentRequest
	if !decodeBody(w, r, maxVerifyRequestBody, &req) {
		return
	}
	cmd := services.VerifyPaymentCommand{
		OrderID:          strings.TrimSpace(req.OrderID),
		UserID:           identity.UID,
		GatewayOrderID:   strings.TrimSpace(req.RazorpayOrderID),
		GatewayPaymentID: strings.TrimSpace(req.RazorpayPaymentID),
		Signature:        strings.TrimSpace(req.RazorpaySignature),
	}
	if cmd.OrderID == "" || cmd.GatewayOrderID == "" || cmd.GatewayPaymentID == "" || cmd.Signature == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "orderId, razorpay_order_id, razorpay_payment_id and razorpay_signature are required", http.StatusBadRequest))
		return
	}

	result, err := h.checkout.VerifyAndFinalize(ctx, cmd)
	if err != nil {
		h.writeVerifyFailure(w, r, cmd, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, verifyPaymentResponse{
		Success: true,
		OrderID: result.OrderID,
		Status:  string(result.Status),
	})
}

// writeVerifyFailure hides the failure kind from the shopper and logs it for support.
func (h *CheckoutHandlers) writeVerifyFailure(w http.ResponseWriter, r *http.Request, cmd services.VerifyPaymentCommand, err error) {
	ctx := r.Context()
	if errors.Is(err, services.ErrCheckoutInvalidInput) || errors.Is(err, services.ErrOrderNotFound) {
		writeServiceError(ctx, w, err)
		return
	}

	mapped := serviceError(err)
	requestctx.Logger(ctx).Warn("checkout verify failed",
		zap.String("order_id", cmd.OrderID),
		zap.String("gateway_order_id", cmd.GatewayOrderID),
		zap.String("kind", mapped.Code),
		zap.Error(err),
	)

	writeJSONResponse(w, mapped.Status, verifyPaymentResponse{
		Success: false,
		OrderID: cmd.OrderID,
		Message: verifyFailedMessage,
	})
}

func trimmedPointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func (h *CheckoutHandlers) allow(uid string) (bool, time.Duration) {
	if h.limiter == nil {
		return true, 0
	}
	return h.limiter.Allow(uid)
}
