package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/Avnish-oP/veracious-sub001/internal/domain"
	"github.com/Avnish-oP/veracious-sub001/internal/repositories"
)

var hundred = decimal.NewFromInt(100)

// CouponEvaluatorDeps wires the coupon repository and clock.
type CouponEvaluatorDeps struct {
	Coupons repositories.CouponRepository
	Clock   func() time.Time
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type couponEvaluator struct {
	coupons repositories.CouponRepository
	now     func() time.Time
	logger  func(context.Context, string, map[string]any)
}

var _ CouponEvaluator = (*couponEvaluator)(nil)

// NewCouponEvaluator constructs the Coupon Evaluator.
func NewCouponEvaluator(deps CouponEvaluatorDeps) (CouponEvaluator, error) {
	if deps.Coupons == nil {
		return nil, errors.New("coupon evaluator: coupon repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &couponEvaluator{
		coupons: deps.Coupons,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// NormaliseCouponCode trims and upper-cases a coupon code.
func NormaliseCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Evaluate is advisory: usage caps are re-checked atomically when the order is finalized.
func (e *couponEvaluator) Evaluate(ctx context.Context, cmd EvaluateCouponCommand) (CouponEvaluation, error) {
	code := NormaliseCouponCode(cmd.Code)
	if code == "" {
		return CouponEvaluation{}, ErrCouponInvalid
	}
	if cmd.OrderValue < 0 {
		return CouponEvaluation{}, fmt.Errorf("%w: order value must not be negative", ErrCheckoutInvalidInput)
	}

	coupon, err := e.coupons.FindByCode(ctx, code)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return CouponEvaluation{}, ErrCouponInvalid
		}
		e.logger(ctx, "coupon.lookup.failed", map[string]any{"code": code, "error": err.Error()})
		return CouponEvaluation{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}
	if !coupon.Active {
		return CouponEvaluation{}, ErrCouponInvalid
	}

	now := e.now()
	if coupon.ValidFrom != nil && now.Before(*coupon.ValidFrom) {
		return CouponEvaluation{}, ErrCouponExpired
	}
	if coupon.ValidTo != nil && now.After(*coupon.ValidTo) {
		return CouponEvaluation{}, ErrCouponExpired
	}
	if cmd.OrderValue < coupon.MinOrderValue {
		return CouponEvaluation{}, ErrCouponMinOrderNotMet
	}
	if coupon.UsageLimit != nil && coupon.UsedCount >= *coupon.UsageLimit {
		return CouponEvaluation{}, ErrCouponLimitExceeded
	}
	if coupon.PerUserLimit != nil {
		userID := strings.TrimSpace(cmd.UserID)
		if userID == "" {
			return CouponEvaluation{}, fmt.Errorf("%w: user id is required for this coupon", ErrCheckoutInvalidInput)
		}
		used, err := e.coupons.CountUserRedemptions(ctx, coupon.ID, userID)
		if err != nil {
			e.logger(ctx, "coupon.redemptions.failed", map[string]any{"couponId": coupon.ID, "error": err.Error()})
			return CouponEvaluation{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
		}
		if used >= *coupon.PerUserLimit {
			return CouponEvaluation{}, ErrCouponLimitExceeded
		}
	}
	if len(coupon.ProductIDs) > 0 && !intersects(coupon.ProductIDs, cmd.ProductIDs) {
		return CouponEvaluation{}, ErrCouponNotApplicable
	}

	return CouponEvaluation{
		Coupon:   coupon,
		Discount: e.Discount(coupon, cmd.OrderValue),
	}, nil
}

// Discount computes the amount taken off orderValue. The result is within [0, orderValue].
func (e *couponEvaluator) Discount(coupon Coupon, orderValue int64) int64 {
	return CouponDiscount(coupon, orderValue)
}

// CouponDiscount applies the coupon arithmetic without any validity checks.
func CouponDiscount(coupon Coupon, orderValue int64) int64 {
	if orderValue <= 0 || coupon.Value.IsNegative() {
		return 0
	}
	var discount int64
	switch coupon.Type {
	case domain.CouponTypePercentage:
		pct := coupon.Value
		if pct.GreaterThan(hundred) {
			pct = hundred
		}
		amount := decimal.NewFromInt(orderValue).Mul(pct).Div(hundred).Floor()
		discount = amount.IntPart()
		if coupon.MaxDiscount != nil && *coupon.MaxDiscount >= 0 && discount > *coupon.MaxDiscount {
			discount = *coupon.MaxDiscount
		}
	case domain.CouponTypeFixed:
		discount = coupon.Value.Floor().IntPart()
	}
	return max(0, min(discount, orderValue))
}

func intersects(allowed []string, ordered []string) bool {
	for _, id := range ordered {
		if slices.Contains(allowed, strings.TrimSpace(id)) {
			return true
		}
	}
	return false
}
