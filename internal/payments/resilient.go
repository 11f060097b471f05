package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultGatewayTimeout  = 5 * time.Second
	defaultCreateAttempts  = 3
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 30 * time.Second
)

var tracer = otel.Tracer("github.com/Avnish-oP/veracious-sub001/internal/payments")

// ResilienceConfig bounds gateway calls.
type ResilienceConfig struct {
	Timeout         time.Duration
	CreateAttempts  int
	BreakerFailures uint32
	BreakerCooldown time.Duration
	Backoff         gax.Backoff
	Logger          EventLogger
}

// ResilientProvider decorates a Provider with per-call timeouts, bounded CreateOrder retries and a
// circuit breaker. Verify is never retried.
type ResilientProvider struct {
	inner    Provider
	timeout  time.Duration
	attempts int
	backoff  gax.Backoff
	breaker  *gobreaker.TwoStepCircuitBreaker[struct{}]
	logger   EventLogger
	sleep    func(context.Context, time.Duration) error
}

// NewResilientProvider wraps inner.
func NewResilientProvider(inner Provider, cfg ResilienceConfig) (*ResilientProvider, error) {
	if inner == nil {
		return nil, errors.New("payments: provider is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	attempts := cfg.CreateAttempts
	if attempts <= 0 {
		attempts = defaultCreateAttempts
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	backoff := cfg.Backoff
	if backoff.Initial <= 0 {
		backoff = gax.Backoff{Initial: 200 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	breaker := gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "payments." + inner.Name(),
		MaxRequests: 1,
		Timeout:     cooldown,
		IsSuccessful: gatewayHealthy,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger(context.Background(), "payments.breaker.state_changed", map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})

	return &ResilientProvider{
		inner:    inner,
		timeout:  timeout,
		attempts: attempts,
		backoff:  backoff,
		breaker:  breaker,
		logger:   logger,
		sleep:    gax.Sleep,
	}, nil
}

// Name implements Provider.
func (p *ResilientProvider) Name() string { return p.inner.Name() }

// PublicKey implements Provider.
func (p *ResilientProvider) PublicKey() string { return p.inner.PublicKey() }

// BreakerState reports the circuit state: "closed", "half-open" or "open".
func (p *ResilientProvider) BreakerState() string { return p.breaker.State().String() }

// CreateOrder implements Provider. Only ErrGatewayUnreachable failures are retried; every attempt
// forwards the same idempotency key.
func (p *ResilientProvider) CreateOrder(ctx context.Context, req CreateOrderRequest) (RemoteOrder, error) {
	ctx, span := tracer.Start(ctx, "payments.CreateOrder")
	span.SetAttributes(
		attribute.String("payments.provider", p.inner.Name()),
		attribute.String("order.id", req.OrderID),
	)
	defer span.End()

	backoff := p.backoff
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		var order RemoteOrder
		err := p.guard(ctx, func(callCtx context.Context) error {
			var callErr error
			order, callErr = p.inner.CreateOrder(callCtx, req)
			return callErr
		})
		if err == nil {
			span.SetAttributes(attribute.Int("payments.attempts", attempt))
			return order, nil
		}
		lastErr = err
		if !errors.Is(err, ErrGatewayUnreachable) || attempt == p.attempts {
			break
		}
		p.logger(ctx, "payments.create_order.retry", map[string]any{
			"provider": p.inner.Name(),
			"orderId":  req.OrderID,
			"attempt":  attempt,
			"error":    err.Error(),
		})
		if sleepErr := p.sleep(ctx, backoff.Pause()); sleepErr != nil {
			lastErr = fmt.Errorf("%w: %v", ErrGatewayUnreachable, sleepErr)
			break
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return RemoteOrder{}, lastErr
}

// Verify implements Provider with a timeout and the breaker, without retries. Providers that verify
// locally bypass the breaker.
func (p *ResilientProvider) Verify(ctx context.Context, req VerifyRequest) (bool, error) {
	ctx, span := tracer.Start(ctx, "payments.Verify")
	span.SetAttributes(
		attribute.String("payments.provider", p.inner.Name()),
		attribute.String("order.id", req.OrderID),
	)
	defer span.End()

	var ok bool
	verify := func(callCtx context.Context) error {
		var callErr error
		ok, callErr = p.inner.Verify(callCtx, req)
		return callErr
	}
	var err error
	if local, isLocal := p.inner.(LocalVerifier); isLocal && local.VerifiesLocally() {
		err = verify(ctx)
	} else {
		err = p.guard(ctx, verify)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	span.SetAttributes(attribute.Bool("payments.verified", ok))
	return ok, nil
}

// guard runs fn under the breaker and the per-call timeout.
func (p *ResilientProvider) guard(ctx context.Context, fn func(context.Context) error) error {
	done, err := p.breaker.Allow()
	if err != nil {
		return fmt.Errorf("%w: %s breaker: %v", ErrGatewayUnreachable, p.inner.Name(), err)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = fn(callCtx)
	if err != nil && !errors.Is(err, ErrGatewayRejected) && !errors.Is(err, ErrGatewayUnreachable) &&
		!errors.Is(err, ErrPaymentPending) {
		err = fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
	}
	done(err)
	return err
}

// gatewayHealthy reports whether err leaves the breaker counting a success. Rejections and pending
// payments mean the gateway answered.
func gatewayHealthy(err error) bool {
	return err == nil || errors.Is(err, ErrGatewayRejected) || errors.Is(err, ErrPaymentPending)
}
