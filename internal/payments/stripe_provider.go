package payments

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// ProviderStripe is the registry key of the Stripe adapter.
const ProviderStripe = "stripe"

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey         string
	PublishableKey string
	AccountID      string
	Backends       *stripe.Backends
	Logger         EventLogger
	Intents        stripePaymentIntentAPI
}

// StripeProvider maps gateway orders onto Stripe PaymentIntents.
type StripeProvider struct {
	intents        stripePaymentIntentAPI
	publishableKey string
	account        string
	logger         EventLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Intents == nil {
		return nil, errors.New("stripe: api key is required")
	}

	intents := cfg.Intents
	if intents == nil {
		intents = client.New(apiKey, cfg.Backends).PaymentIntents
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		intents:        intents,
		publishableKey: strings.TrimSpace(cfg.PublishableKey),
		account:        strings.TrimSpace(cfg.AccountID),
		logger:         logger,
	}, nil
}

// Name implements Provider.
func (p *StripeProvider) Name() string { return ProviderStripe }

// PublicKey implements Provider.
func (p *StripeProvider) PublicKey() string { return p.publishableKey }

// CreateOrder creates a PaymentIntent tagged with the internal order id.
func (p *StripeProvider) CreateOrder(ctx context.Context, req CreateOrderRequest) (RemoteOrder, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(strings.TrimSpace(req.Currency))),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("receipt", req.Receipt)
	for k, v := range req.Notes {
		params.AddMetadata(k, v)
	}

	intent, err := p.intents.New(params)
	if err != nil {
		p.logger(ctx, "payments.stripe.intent.failed", map[string]any{
			"orderId": req.OrderID,
			"error":   err.Error(),
		})
		return RemoteOrder{}, classifyStripeError("create payment intent", err)
	}

	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"orderId":       req.OrderID,
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
	})

	return RemoteOrder{
		Provider:     ProviderStripe,
		ID:           intent.ID,
		Amount:       intent.Amount,
		Currency:     strings.ToUpper(string(intent.Currency)),
		Receipt:      req.Receipt,
		PublicKey:    p.publishableKey,
		ClientSecret: intent.ClientSecret,
	}, nil
}

// Verify accepts the callback only when the PaymentIntent succeeded for this order, its latest charge
// matches the reported payment id and the relayed client secret matches. Intents still processing or
// awaiting capture return ErrPaymentPending.
func (p *StripeProvider) Verify(ctx context.Context, req VerifyRequest) (bool, error) {
	if req.GatewayOrderID == "" || req.GatewayPaymentID == "" || req.Signature == "" {
		return false, nil
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	intent, err := p.intents.Get(req.GatewayOrderID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, classifyStripeError("get payment intent", err)
	}

	if subtle.ConstantTimeCompare([]byte(intent.ClientSecret), []byte(req.Signature)) != 1 {
		return false, nil
	}
	if intent.Metadata["order_id"] != req.OrderID {
		return false, nil
	}
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		return false, fmt.Errorf("%w: stripe payment intent %s is %s", ErrPaymentPending, intent.ID, intent.Status)
	default:
		return false, nil
	}
	if intent.LatestCharge == nil || intent.LatestCharge.ID != req.GatewayPaymentID {
		return false, nil
	}
	return true, nil
}

func classifyStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode > 0 &&
		stripeErr.HTTPStatusCode < http.StatusInternalServerError &&
		stripeErr.HTTPStatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%w: stripe %s: %v", ErrGatewayRejected, op, err)
	}
	return fmt.Errorf("%w: stripe %s: %v", ErrGatewayUnreachable, op, err)
}
