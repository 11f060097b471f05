package services

import "errors"

var (
	// ErrCouponInvalid indicates the code is unknown or the coupon is inactive.
	ErrCouponInvalid = errors.New("coupon: invalid code")
	// ErrCouponExpired indicates the coupon is outside its activity window.
	ErrCouponExpired = errors.New("coupon: expired")
	// ErrCouponMinOrderNotMet indicates the order value is below the coupon minimum.
	ErrCouponMinOrderNotMet = errors.New("coupon: minimum order value not met")
	// ErrCouponLimitExceeded indicates the global or per-user redemption cap was reached.
	ErrCouponLimitExceeded = errors.New("coupon: usage limit exceeded")
	// ErrCouponNotApplicable indicates no ordered product is eligible for the coupon.
	ErrCouponNotApplicable = errors.New("coupon: not applicable to ordered products")
)
