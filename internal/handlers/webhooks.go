package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
	"go.uber.org/zap"

	"github.com/Avnish-oP/veracious-sub001/internal/payments"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/auth"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/httpx"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/requestctx"
	"github.com/Avnish-oP/veracious-sub001/internal/services"
)

const (
	maxWebhookBody        = 64 * 1024
	stripeSignatureHeader = "Stripe-Signature"
	stripeIntentSucceeded = "payment_intent.succeeded"
	stripeIntentFailed    = "payment_intent.payment_failed"
	webhookStatusOK       = "ok"
)

// WebhookHandlers receives asynchronous payment notifications. The Razorpay route relies on the HMAC
// verifier middleware. The Stripe route checks the Stripe-Signature header itself.
type WebhookHandlers struct {
	checkout     services.CheckoutService
	verifier     *auth.WebhookVerifier
	secretName   string
	stripeSecret string
}

// WebhookOption customises WebhookHandlers.
type WebhookOption func(*WebhookHandlers)

// WithStripeWebhookSecret enables the Stripe route.
func WithStripeWebhookSecret(secret string) WebhookOption {
	return func(h *WebhookHandlers) { h.stripeSecret = strings.TrimSpace(secret) }
}

func NewWebhookHandlers(checkout services.CheckoutService, verifier *auth.WebhookVerifier, secretName string, opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{checkout: checkout, verifier: verifier, secretName: strings.TrimSpace(secretName)}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers /payments/razorpay and, when configured, /payments/stripe.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	razorpay := r
	if h.verifier != nil {
		razorpay = razorpay.With(h.verifier.RequireSignature(h.secretName))
	}
	razorpay.Post("/payments/razorpay", h.razorpay)
	if h.stripeSecret != "" {
		r.Post("/payments/stripe", h.stripe)
	}
}

type razorpayWebhook struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID       string `json:"id"`
				OrderID  string `json:"order_id"`
				Amount   int64  `json:"amount"`
				Currency string `json:"currency"`
			} `json:"entity"`
		} `json:"payment"`
		Order struct {
			Entity struct {
				ID string `json:"id"`
			} `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

func (h *WebhookHandlers) razorpay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body []byte
	if meta, ok := auth.WebhookMetadataFromContext(ctx); ok && meta != nil {
		body = meta.Body
	}
	if len(body) == 0 {
		data, err := readLimitedBody(r, maxWebhookBody)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
		body = data
	}

	var payload razorpayWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "webhook payload must be valid JSON", http.StatusBadRequest))
		return
	}

	payment := payload.Payload.Payment.Entity
	event := services.GatewayEvent{
		Provider:         payments.ProviderRazorpay,
		EventID:          strings.TrimSpace(r.Header.Get(auth.RazorpayEventIDHeader)),
		Type:             payload.Event,
		GatewayOrderID:   payment.OrderID,
		GatewayPaymentID: payment.ID,
		Amount:           payment.Amount,
		Currency:         strings.ToUpper(payment.Currency),
	}
	if event.GatewayOrderID == "" {
		event.GatewayOrderID = payload.Payload.Order.Entity.ID
	}
	h.dispatch(w, r, event)
}

func (h *WebhookHandlers) stripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := readLimitedBody(r, maxWebhookBody)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	evt, err := webhook.ConstructEventWithOptions(body, r.Header.Get(stripeSignatureHeader), h.stripeSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("signature_invalid", "signature verification failed", http.StatusUnauthorized))
		return
	}

	var eventType string
	switch string(evt.Type) {
	case stripeIntentSucceeded:
		eventType = services.GatewayEventPaymentCaptured
	case stripeIntentFailed:
		eventType = services.GatewayEventPaymentFailed
	default:
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	var intent stripe.PaymentIntent
	if evt.Data == nil || json.Unmarshal(evt.Data.Raw, &intent) != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "payment intent payload is malformed", http.StatusBadRequest))
		return
	}
	event := services.GatewayEvent{
		Provider:       payments.ProviderStripe,
		EventID:        evt.ID,
		Type:           eventType,
		GatewayOrderID: intent.ID,
		Amount:         intent.Amount,
		Currency:       strings.ToUpper(string(intent.Currency)),
	}
	if intent.LatestCharge != nil {
		event.GatewayPaymentID = intent.LatestCharge.ID
	}
	h.dispatch(w, r, event)
}

// dispatch forwards the event. Malformed events answer 400 so the gateway stops retrying. Any other
// failure answers 503 so it retries.
func (h *WebhookHandlers) dispatch(w http.ResponseWriter, r *http.Request, event services.GatewayEvent) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	err := h.checkout.HandleGatewayEvent(ctx, event)
	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": webhookStatusOK})
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	default:
		requestctx.Logger(ctx).Error("payment webhook failed",
			zap.String("provider", event.Provider),
			zap.String("event_id", event.EventID),
			zap.String("gateway_order_id", event.GatewayOrderID),
			zap.Error(err),
		)
		httpx.WriteError(ctx, w, httpx.NewError("webhook_retry", "event could not be processed", http.StatusServiceUnavailable))
	}
}
