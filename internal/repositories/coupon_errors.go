package repositories

import "fmt"

// CouponErrorCode enumerates failure reasons for coupon counter operations.
type CouponErrorCode string

const (
	// CouponErrorUsageLimitReached indicates the global usage cap was already consumed.
	CouponErrorUsageLimitReached CouponErrorCode = "coupon_usage_limit_reached"
	// CouponErrorAlreadyRedeemed indicates the order already carries a redemption.
	CouponErrorAlreadyRedeemed CouponErrorCode = "coupon_already_redeemed"
)

// CouponError reports coupon counter failures.
type CouponError struct {
	Code     CouponErrorCode
	CouponID string
	Err      error
}

func (e *CouponError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.CouponID)
}

func (e *CouponError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
