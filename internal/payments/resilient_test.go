package payments

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProvider struct {
	createErrs  []error
	verifyErr   error
	createCalls int
	verifyCalls int
	keys        []string
}

func (s *scriptedProvider) Name() string      { return "razorpay" }
func (s *scriptedProvider) PublicKey() string { return "rzp_test" }

func (s *scriptedProvider) CreateOrder(ctx context.Context, req CreateOrderRequest) (RemoteOrder, error) {
	s.createCalls++
	s.keys = append(s.keys, req.IdempotencyKey)
	if len(s.createErrs) > 0 {
		err := s.createErrs[0]
		s.createErrs = s.createErrs[1:]
		if err != nil {
			return RemoteOrder{}, err
		}
	}
	return RemoteOrder{ID: "order_1", Amount: req.Amount}, nil
}

func (s *scriptedProvider) Verify(ctx context.Context, req VerifyRequest) (bool, error) {
	s.verifyCalls++
	return s.verifyErr == nil, s.verifyErr
}

func newTestResilient(t *testing.T, inner Provider, cfg ResilienceConfig) *ResilientProvider {
	t.Helper()
	if cfg.Backoff.Initial == 0 {
		cfg.Backoff = gax.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1}
	}
	p, err := NewResilientProvider(inner, cfg)
	require.NoError(t, err)
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func TestResilientProviderRetriesUnreachable(t *testing.T) {
	inner := &scriptedProvider{createErrs: []error{ErrGatewayUnreachable, ErrGatewayUnreachable}}
	p := newTestResilient(t, inner, ResilienceConfig{CreateAttempts: 3})

	order, err := p.CreateOrder(context.Background(), CreateOrderRequest{OrderID: "ord_1", Amount: 500, IdempotencyKey: "ord_1"})
	require.NoError(t, err)
	assert.Equal(t, "order_1", order.ID)
	assert.Equal(t, 3, inner.createCalls)
	assert.Equal(t, []string{"ord_1", "ord_1", "ord_1"}, inner.keys)
}

func TestResilientProviderGivesUpAfterAttempts(t *testing.T) {
	inner := &scriptedProvider{createErrs: []error{ErrGatewayUnreachable, ErrGatewayUnreachable, ErrGatewayUnreachable}}
	p := newTestResilient(t, inner, ResilienceConfig{CreateAttempts: 2, BreakerFailures: 10})

	_, err := p.CreateOrder(context.Background(), CreateOrderRequest{Amount: 500})
	require.ErrorIs(t, err, ErrGatewayUnreachable)
	assert.Equal(t, 2, inner.createCalls)
}

func TestResilientProviderDoesNotRetryRejections(t *testing.T) {
	inner := &scriptedProvider{createErrs: []error{ErrGatewayRejected}}
	p := newTestResilient(t, inner, ResilienceConfig{CreateAttempts: 3})

	_, err := p.CreateOrder(context.Background(), CreateOrderRequest{Amount: 500})
	require.ErrorIs(t, err, ErrGatewayRejected)
	assert.Equal(t, 1, inner.createCalls)
}

func TestResilientProviderWrapsUnknownErrors(t *testing.T) {
	inner := &scriptedProvider{createErrs: []error{errors.New("boom")}}
	p := newTestResilient(t, inner, ResilienceConfig{CreateAttempts: 1})

	_, err := p.CreateOrder(context.Background(), CreateOrderRequest{Amount: 500})
	require.ErrorIs(t, err, ErrGatewayUnreachable)
}

func TestResilientProviderBreakerOpens(t *testing.T) {
	inner := &scriptedProvider{createErrs: []error{ErrGatewayUnreachable, ErrGatewayUnreachable}}
	var events []string
	p := newTestResilient(t, inner, ResilienceConfig{
		CreateAttempts:  1,
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
		Logger: func(_ context.Context, event string, _ map[string]any) {
			events = append(events, event)
		},
	})

	for i := 0; i < 2; i++ {
		_, err := p.CreateOrder(context.Background(), CreateOrderRequest{Amount: 500})
		require.ErrorIs(t, err, ErrGatewayUnreachable)
	}
	_, err := p.CreateOrder(context.Background(), CreateOrderRequest{Amount: 500})
	require.ErrorIs(t, err, ErrGatewayUnreachable)
	assert.Equal(t, 2, inner.createCalls, "open breaker must short-circuit")
	assert.Contains(t, events, "payments.breaker.state_changed")

	_, err = p.Verify(context.Background(), VerifyRequest{})
	require.ErrorIs(t, err, ErrGatewayUnreachable)
	assert.Zero(t, inner.verifyCalls)
	assert.Equal(t, "open", p.BreakerState())

	manager, err := NewManager(map[string]Provider{ProviderRazorpay: p, ProviderStripe: &scriptedProvider{}})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{ProviderRazorpay: "open"}, manager.BreakerStates())
}

func TestResilientProviderRejectionsKeepBreakerClosed(t *testing.T) {
	inner := &scriptedProvider{createErrs: []error{ErrGatewayRejected, ErrGatewayRejected, ErrGatewayRejected}}
	p := newTestResilient(t, inner, ResilienceConfig{CreateAttempts: 1, BreakerFailures: 2})

	for i := 0; i < 3; i++ {
		_, err := p.CreateOrder(context.Background(), CreateOrderRequest{Amount: 500})
		require.ErrorIs(t, err, ErrGatewayRejected)
	}
	_, err := p.CreateOrder(context.Background(), CreateOrderRequest{Amount: 500})
	require.NoError(t, err)
	assert.Equal(t, 4, inner.createCalls)
}

func TestResilientProviderLocalVerifyIgnoresOpenBreaker(t *testing.T) {
	inner, err := NewRazorpayProvider(RazorpayProviderConfig{
		KeyID:     "rzp_test",
		KeySecret: "secret",
		Orders:    &stubRazorpayOrders{err: errors.New("connection reset")},
	})
	require.NoError(t, err)
	p := newTestResilient(t, inner, ResilienceConfig{CreateAttempts: 1, BreakerFailures: 2, BreakerCooldown: time.Minute})

	for i := 0; i < 2; i++ {
		_, err := p.CreateOrder(context.Background(), CreateOrderRequest{OrderID: "ord_A", Amount: 500})
		require.ErrorIs(t, err, ErrGatewayUnreachable)
	}
	require.Equal(t, "open", p.BreakerState())

	signer, err := NewSigner("secret")
	require.NoError(t, err)
	ok, err := p.Verify(context.Background(), VerifyRequest{
		OrderID:          "ord_A",
		GatewayOrderID:   "order_A",
		GatewayPaymentID: "pay_A",
		Signature:        signer.Sign("order_A", "pay_A"),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Verify(context.Background(), VerifyRequest{
		OrderID:          "ord_A",
		GatewayOrderID:   "order_A",
		GatewayPaymentID: "pay_A",
		Signature:        signer.Sign("order_A", "pay_B"),
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResilientProviderPendingKeepsBreakerClosed(t *testing.T) {
	inner := &scriptedProvider{verifyErr: fmt.Errorf("%w: pi_1 is processing", ErrPaymentPending)}
	p := newTestResilient(t, inner, ResilienceConfig{BreakerFailures: 2})

	for i := 0; i < 3; i++ {
		ok, err := p.Verify(context.Background(), VerifyRequest{OrderID: "ord_1"})
		require.ErrorIs(t, err, ErrPaymentPending)
		require.NotErrorIs(t, err, ErrGatewayUnreachable)
		assert.False(t, ok)
	}
	assert.Equal(t, "closed", p.BreakerState())
	assert.Equal(t, 3, inner.verifyCalls)
}

func TestResilientProviderVerifyNotRetried(t *testing.T) {
	inner := &scriptedProvider{verifyErr: ErrGatewayUnreachable}
	p := newTestResilient(t, inner, ResilienceConfig{CreateAttempts: 3})

	ok, err := p.Verify(context.Background(), VerifyRequest{OrderID: "ord_1"})
	require.ErrorIs(t, err, ErrGatewayUnreachable)
	assert.False(t, ok)
	assert.Equal(t, 1, inner.verifyCalls)
}

func TestResilientProviderAppliesTimeout(t *testing.T) {
	var deadline time.Time
	inner := &deadlineProvider{seen: &deadline}
	p := newTestResilient(t, inner, ResilienceConfig{Timeout: 50 * time.Millisecond})

	_, err := p.CreateOrder(context.Background(), CreateOrderRequest{Amount: 1})
	require.NoError(t, err)
	assert.False(t, deadline.IsZero())
	assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, time.Second)
}

type deadlineProvider struct {
	scriptedProvider
	seen *time.Time
}

func (d *deadlineProvider) CreateOrder(ctx context.Context, req CreateOrderRequest) (RemoteOrder, error) {
	*d.seen, _ = ctx.Deadline()
	return RemoteOrder{ID: "order_1"}, nil
}

func TestNewResilientProviderRequiresInner(t *testing.T) {
	_, err := NewResilientProvider(nil, ResilienceConfig{})
	require.Error(t, err)
}
