package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/Avnish-oP/veracious-sub001/internal/platform/auth"
)

const settlementMeterName = "github.com/Avnish-oP/veracious-sub001/internal/services"

// SettlementMetrics records checkout, finalize and sweep outcomes as OpenTelemetry counters.
type SettlementMetrics struct {
	checkouts metric.Int64Counter
	finalizes metric.Int64Counter
	expired   metric.Int64Counter
}

// NewSettlementMetrics registers the settlement instruments. A nil meter uses the global provider.
// Registration failures are logged and the affected instrument is skipped.
func NewSettlementMetrics(meter metric.Meter, logger *zap.Logger) *SettlementMetrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(settlementMeterName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &SettlementMetrics{}
	var err error
	if m.checkouts, err = meter.Int64Counter(
		"checkout.create.outcomes",
		metric.WithDescription("Checkout creations partitioned by outcome"),
	); err != nil {
		logger.Warn("metrics: unable to register checkout counter", zap.Error(err))
	}
	if m.finalizes, err = meter.Int64Counter(
		"checkout.finalize.outcomes",
		metric.WithDescription("Payment verifications partitioned by outcome"),
	); err != nil {
		logger.Warn("metrics: unable to register finalize counter", zap.Error(err))
	}
	if m.expired, err = meter.Int64Counter(
		"orders.sweep.expired",
		metric.WithDescription("PENDING orders expired by the sweeper"),
	); err != nil {
		logger.Warn("metrics: unable to register sweep counter", zap.Error(err))
	}
	return m
}

func (m *SettlementMetrics) RecordCheckout(ctx context.Context, outcome string) {
	if m == nil || m.checkouts == nil {
		return
	}
	m.checkouts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *SettlementMetrics) RecordFinalize(ctx context.Context, outcome string) {
	if m == nil || m.finalizes == nil {
		return
	}
	m.finalizes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *SettlementMetrics) RecordSweep(ctx context.Context, expired int) {
	if m == nil || m.expired == nil || expired <= 0 {
		return
	}
	m.expired.Add(ctx, int64(expired))
}

// VerificationMetrics records authentication outcomes for webhook signatures and OIDC tokens.
type VerificationMetrics struct {
	outcomes metric.Int64Counter
	latency  metric.Float64Histogram
}

var _ auth.MetricsRecorder = (*VerificationMetrics)(nil)

// NewVerificationMetrics registers the verification instruments. A nil meter uses the global provider.
func NewVerificationMetrics(meter metric.Meter, logger *zap.Logger) *VerificationMetrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(settlementMeterName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &VerificationMetrics{}
	var err error
	if m.outcomes, err = meter.Int64Counter(
		"auth.verification.outcomes",
		metric.WithDescription("Webhook and service token verifications partitioned by kind and reason"),
	); err != nil {
		logger.Warn("metrics: unable to register verification counter", zap.Error(err))
	}
	if m.latency, err = meter.Float64Histogram(
		"auth.verification.duration",
		metric.WithUnit("ms"),
	); err != nil {
		logger.Warn("metrics: unable to register verification histogram", zap.Error(err))
	}
	return m
}

func (m *VerificationMetrics) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
		attribute.String("reason", reason),
	)
	if m.outcomes != nil {
		m.outcomes.Add(ctx, 1, attrs)
	}
	if m.latency != nil {
		m.latency.Record(ctx, float64(duration)/float64(time.Millisecond), attrs)
	}
}
