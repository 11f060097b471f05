package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	domain "github.com/Avnish-oP/veracious-sub001/internal/domain"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/database"
	"github.com/Avnish-oP/veracious-sub001/internal/repositories"
)

const couponColumns = `id, code, type, value::text, max_discount, min_order_value, valid_from, valid_to,
	usage_limit, used_count, per_user_limit, product_ids, active`

const couponRedemptionOrderConstraint = "coupon_redemptions_order_id_key"

// CouponRepository stores coupons and redemption rows.
type CouponRepository struct {
	db *database.Provider
}

var _ repositories.CouponRepository = (*CouponRepository)(nil)

// NewCouponRepository constructs a Postgres-backed coupon repository.
func NewCouponRepository(db *database.Provider) (*CouponRepository, error) {
	if db == nil {
		return nil, errors.New("coupon repository requires database provider")
	}
	return &CouponRepository{db: db}, nil
}

func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	row := r.db.Querier(ctx).QueryRow(ctx, `SELECT `+couponColumns+` FROM coupons WHERE code = $1`, strings.TrimSpace(code))
	coupon, err := scanCoupon(row)
	if err != nil {
		return domain.Coupon{}, database.WrapError("coupons.findByCode", err)
	}
	return coupon, nil
}

func (r *CouponRepository) FindByID(ctx context.Context, couponID string) (domain.Coupon, error) {
	row := r.db.Querier(ctx).QueryRow(ctx, `SELECT `+couponColumns+` FROM coupons WHERE id = $1`, strings.TrimSpace(couponID))
	coupon, err := scanCoupon(row)
	if err != nil {
		return domain.Coupon{}, database.WrapError("coupons.findByID", err)
	}
	return coupon, nil
}

func (r *CouponRepository) CountUserRedemptions(ctx context.Context, couponID string, userID string) (int64, error) {
	var count int64
	err := r.db.Querier(ctx).QueryRow(ctx, `
		SELECT count(*) FROM coupon_redemptions WHERE coupon_id = $1 AND user_id = $2`,
		couponID, userID).Scan(&count)
	if err != nil {
		return 0, database.WrapError("coupons.countUserRedemptions", err)
	}
	return count, nil
}

// IncrementUsage bumps used_count while it stays within usage_limit.
func (r *CouponRepository) IncrementUsage(ctx context.Context, couponID string) error {
	tag, err := r.db.Querier(ctx).Exec(ctx, `
		UPDATE coupons
		SET used_count = used_count + 1, updated_at = now()
		WHERE id = $1 AND (usage_limit IS NULL OR used_count < usage_limit)`, couponID)
	if err != nil {
		return database.WrapError("coupons.incrementUsage", err)
	}
	if tag.RowsAffected() == 0 {
		return &repositories.CouponError{Code: repositories.CouponErrorUsageLimitReached, CouponID: couponID}
	}
	return nil
}

func (r *CouponRepository) InsertRedemption(ctx context.Context, redemption domain.CouponRedemption) error {
	_, err := r.db.Querier(ctx).Exec(ctx, `
		INSERT INTO coupon_redemptions (coupon_id, order_id, user_id, amount, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		redemption.CouponID, redemption.OrderID, redemption.UserID, redemption.Amount, redemption.CreatedAt.UTC())
	if err == nil {
		return nil
	}
	wrapped := database.WrapError("coupons.insertRedemption", err)
	var dbErr *database.Error
	if errors.As(wrapped, &dbErr) && dbErr.IsConflict() && dbErr.Constraint() == couponRedemptionOrderConstraint {
		return &repositories.CouponError{Code: repositories.CouponErrorAlreadyRedeemed, CouponID: redemption.CouponID, Err: wrapped}
	}
	return wrapped
}

func scanCoupon(row pgx.Row) (domain.Coupon, error) {
	var (
		c          domain.Coupon
		couponType string
		value      string
	)
	err := row.Scan(&c.ID, &c.Code, &couponType, &value, &c.MaxDiscount, &c.MinOrderValue, &c.ValidFrom, &c.ValidTo,
		&c.UsageLimit, &c.UsedCount, &c.PerUserLimit, &c.ProductIDs, &c.Active)
	if err != nil {
		return domain.Coupon{}, err
	}
	c.Type = domain.CouponType(couponType)
	c.Value, err = decimal.NewFromString(value)
	if err != nil {
		return domain.Coupon{}, fmt.Errorf("decode coupon %s value: %w", c.ID, err)
	}
	if c.ValidFrom != nil {
		from := c.ValidFrom.UTC()
		c.ValidFrom = &from
	}
	if c.ValidTo != nil {
		to := c.ValidTo.UTC()
		c.ValidTo = &to
	}
	return c, nil
}
