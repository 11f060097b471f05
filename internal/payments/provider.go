package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrGatewayUnreachable signals a transport level failure talking to the gateway (timeouts,
	// connection errors, 5xx, open breaker). Callers may retry later.
	ErrGatewayUnreachable = errors.New("payments: gateway unreachable")
	// ErrGatewayRejected signals the gateway refused the request as invalid. Retrying will not help.
	ErrGatewayRejected = errors.New("payments: gateway rejected request")
	// ErrPaymentPending signals the gateway has not reached a terminal state for the payment yet.
	ErrPaymentPending = errors.New("payments: payment pending")
)

// CreateOrderRequest ties a remote gateway order to an internal order. Amount is in the currency's
// minor unit.
type CreateOrderRequest struct {
	OrderID        string
	Amount         int64
	Currency       string
	Receipt        string
	IdempotencyKey string
	Notes          map[string]string
}

// RemoteOrder is the gateway side order returned to the client for completing payment.
type RemoteOrder struct {
	Provider     string
	ID           string
	Amount       int64
	Currency     string
	Receipt      string
	PublicKey    string
	ClientSecret string
}

// VerifyRequest carries the gateway callback the client relays after paying.
type VerifyRequest struct {
	OrderID          string
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
}

// Provider defines the contract for gateway adapters.
type Provider interface {
	Name() string
	// PublicKey is the client-side key id the storefront needs to open the gateway checkout.
	PublicKey() string
	CreateOrder(ctx context.Context, req CreateOrderRequest) (RemoteOrder, error)
	// Verify reports whether the callback is authentic for the given gateway order. A false result
	// with nil error is a signature mismatch; errors are reserved for gateway I/O failures.
	Verify(ctx context.Context, req VerifyRequest) (bool, error)
}

// LocalVerifier marks providers whose Verify is computed locally without calling the gateway.
type LocalVerifier interface {
	VerifiesLocally() bool
}

// Manager coordinates provider selection.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied providers. Razorpay is the default when registered.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := normaliseProviderKey(k)
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{providers: copyMap}
	if _, ok := copyMap[ProviderRazorpay]; ok {
		m.defaultProvider = ProviderRazorpay
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil || len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if provider := normaliseProviderKey(ctx.PreferredProvider); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	if currency := strings.ToUpper(strings.TrimSpace(ctx.Currency)); currency != "" {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := normaliseProviderKey(providerKey)
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := normaliseProviderKey(m.defaultProvider); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// CreateOrder creates a remote order with the provider resolved for paymentCtx.
func (m *Manager) CreateOrder(ctx context.Context, paymentCtx PaymentContext, req CreateOrderRequest) (RemoteOrder, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return RemoteOrder{}, err
	}
	order, err := provider.CreateOrder(ctx, req)
	if err != nil {
		return RemoteOrder{}, err
	}
	order.Provider = key
	if order.PublicKey == "" {
		order.PublicKey = provider.PublicKey()
	}
	return order, nil
}

// Verify checks the callback with the provider that created the remote order.
func (m *Manager) Verify(ctx context.Context, providerName string, req VerifyRequest) (bool, error) {
	_, provider, err := m.resolveProvider(PaymentContext{PreferredProvider: providerName})
	if err != nil {
		return false, err
	}
	return provider.Verify(ctx, req)
}

// BreakerStates returns the circuit state of every provider wrapped with a breaker, keyed by provider.
func (m *Manager) BreakerStates() map[string]string {
	if m == nil {
		return nil
	}
	states := make(map[string]string, len(m.providers))
	for key, provider := range m.providers {
		if guarded, ok := provider.(interface{ BreakerState() string }); ok {
			states[key] = guarded.BreakerState()
		}
	}
	return states
}

func normaliseProviderKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
