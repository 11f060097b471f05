package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	razorpay "github.com/razorpay/razorpay-go"
)

// ProviderRazorpay is the registry key of the Razorpay adapter.
const ProviderRazorpay = "razorpay"

// EventLogger is the event-style logging contract used by the adapters.
type EventLogger func(ctx context.Context, event string, fields map[string]any)

type razorpayOrderAPI interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

// RazorpayProviderConfig configures the RazorpayProvider.
type RazorpayProviderConfig struct {
	KeyID     string
	KeySecret string
	Logger    EventLogger
	Orders    razorpayOrderAPI
}

// RazorpayProvider creates Razorpay orders and verifies checkout callbacks.
type RazorpayProvider struct {
	keyID  string
	orders razorpayOrderAPI
	signer *Signer
	logger EventLogger
}

// NewRazorpayProvider constructs the adapter. The key secret doubles as the callback signing secret.
func NewRazorpayProvider(cfg RazorpayProviderConfig) (*RazorpayProvider, error) {
	keyID := strings.TrimSpace(cfg.KeyID)
	if keyID == "" {
		return nil, errors.New("razorpay: key id is required")
	}
	signer, err := NewSigner(cfg.KeySecret)
	if err != nil {
		return nil, fmt.Errorf("razorpay: %w", err)
	}

	orders := cfg.Orders
	if orders == nil {
		orders = razorpay.NewClient(keyID, cfg.KeySecret).Order
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &RazorpayProvider{
		keyID:  keyID,
		orders: orders,
		signer: signer,
		logger: logger,
	}, nil
}

// Name implements Provider.
func (p *RazorpayProvider) Name() string { return ProviderRazorpay }

// PublicKey implements Provider.
func (p *RazorpayProvider) PublicKey() string { return p.keyID }

// CreateOrder implements Provider. The SDK has no context support, so the call runs on its own
// goroutine and is abandoned when ctx ends.
func (p *RazorpayProvider) CreateOrder(ctx context.Context, req CreateOrderRequest) (RemoteOrder, error) {
	if req.Amount <= 0 {
		return RemoteOrder{}, fmt.Errorf("%w: amount must be positive", ErrGatewayRejected)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	data := map[string]interface{}{
		"amount":   req.Amount,
		"currency": currency,
		"receipt":  req.Receipt,
	}
	notes := map[string]interface{}{"order_id": req.OrderID}
	for k, v := range req.Notes {
		notes[k] = v
	}
	data["notes"] = notes

	var headers map[string]string
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		headers = map[string]string{"X-Razorpay-Idempotency": key}
	}

	type result struct {
		body map[string]interface{}
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := p.orders.Create(data, headers)
		done <- result{body: body, err: err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return RemoteOrder{}, fmt.Errorf("%w: razorpay create order: %v", ErrGatewayUnreachable, ctx.Err())
	case res = <-done:
	}
	if res.err != nil {
		p.logger(ctx, "payments.razorpay.order.failed", map[string]any{
			"orderId": req.OrderID,
			"error":   res.err.Error(),
		})
		return RemoteOrder{}, fmt.Errorf("%w: razorpay create order: %v", ErrGatewayUnreachable, res.err)
	}

	id, _ := res.body["id"].(string)
	if id == "" {
		return RemoteOrder{}, fmt.Errorf("%w: razorpay response missing order id", ErrGatewayUnreachable)
	}
	amount := req.Amount
	if v, ok := res.body["amount"].(float64); ok {
		amount = int64(v)
	}
	if v, ok := res.body["currency"].(string); ok && v != "" {
		currency = strings.ToUpper(v)
	}
	receipt := req.Receipt
	if v, ok := res.body["receipt"].(string); ok && v != "" {
		receipt = v
	}

	p.logger(ctx, "payments.razorpay.order.created", map[string]any{
		"orderId":        req.OrderID,
		"gatewayOrderId": id,
		"amount":         amount,
		"currency":       currency,
	})

	return RemoteOrder{
		Provider:  ProviderRazorpay,
		ID:        id,
		Amount:    amount,
		Currency:  currency,
		Receipt:   receipt,
		PublicKey: p.keyID,
	}, nil
}

// VerifiesLocally implements LocalVerifier.
func (p *RazorpayProvider) VerifiesLocally() bool { return true }

// Verify implements Provider using the checkout signature scheme. No network call is made.
func (p *RazorpayProvider) Verify(_ context.Context, req VerifyRequest) (bool, error) {
	return p.signer.Verify(req.GatewayOrderID, req.GatewayPaymentID, req.Signature), nil
}
