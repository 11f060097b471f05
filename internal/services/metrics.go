package services

import "context"

const (
	outcomeSucceeded         = "succeeded"
	outcomeReplayed          = "replayed"
	outcomeSignatureMismatch = "signature_mismatch"
	outcomeInsufficientStock = "insufficient_stock"
	outcomeCouponLimit       = "coupon_limit"
	outcomeNotPending        = "not_pending"
	outcomeGatewayError      = "gateway_error"
	outcomePending           = "pending"
	outcomeRejected          = "rejected"
	outcomeError             = "error"
)

type noopSettlementMetrics struct{}

func (noopSettlementMetrics) RecordCheckout(context.Context, string) {}
func (noopSettlementMetrics) RecordFinalize(context.Context, string) {}
func (noopSettlementMetrics) RecordSweep(context.Context, int)       {}
