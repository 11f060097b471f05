package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/Avnish-oP/veracious-sub001/internal/domain"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/database"
	"github.com/Avnish-oP/veracious-sub001/internal/repositories"
)

// OrderRepository persists orders, their priced lines and the status history.
type OrderRepository struct {
	db *database.Provider
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Postgres-backed order repository.
func NewOrderRepository(db *database.Provider) (*OrderRepository, error) {
	if db == nil {
		return nil, errors.New("order repository requires database provider")
	}
	return &OrderRepository{db: db}, nil
}

type addressDocument struct {
	ID         string  `json:"id"`
	Recipient  string  `json:"recipient"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      *string `json:"state,omitempty"`
	PostalCode string  `json:"postalCode"`
	Country    string  `json:"country"`
	Phone      *string `json:"phone,omitempty"`
}

func newAddressDocument(a *domain.Address) ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(addressDocument{
		ID:         a.ID,
		Recipient:  a.Recipient,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    a.Country,
		Phone:      a.Phone,
	})
}

func (d addressDocument) toDomain(userID string) *domain.Address {
	return &domain.Address{
		ID:         d.ID,
		UserID:     userID,
		Recipient:  d.Recipient,
		Line1:      d.Line1,
		Line2:      d.Line2,
		City:       d.City,
		State:      d.State,
		PostalCode: d.PostalCode,
		Country:    d.Country,
		Phone:      d.Phone,
	}
}

// Insert writes the order row and its lines. Callers run it inside a unit of work.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	address, err := newAddressDocument(order.Address)
	if err != nil {
		return fmt.Errorf("encode order %s address: %w", order.ID, err)
	}

	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO orders (id, user_id, status, payment_status, currency, subtotal, discount, shipping, tax,
			final_amount, coupon_id, coupon_code, address, refund_required, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		order.ID, order.UserID, string(order.Status), string(order.PaymentStatus), order.Currency,
		order.Subtotal, order.Discount, order.Shipping, order.Tax, order.FinalAmount,
		order.CouponID, order.CouponCode, address, order.RefundRequired,
		order.CreatedAt.UTC(), order.UpdatedAt.UTC())
	for i, line := range order.Lines {
		cfg, err := json.Marshal(line.Configuration)
		if err != nil {
			return fmt.Errorf("encode order %s line %d configuration: %w", order.ID, i, err)
		}
		batch.Queue(`
			INSERT INTO order_lines (order_id, position, product_id, product_name, quantity, unit_price,
				surcharge, line_total, configuration)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			order.ID, i, line.ProductID, line.ProductName, line.Quantity, line.UnitPrice,
			line.Surcharge, line.LineTotal, cfg)
	}

	results := r.db.Querier(ctx).SendBatch(ctx, batch)
	for range batch.Len() {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return database.WrapError("orders.insert", err)
		}
	}
	return database.WrapError("orders.insert", results.Close())
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	q := r.db.Querier(ctx)

	var (
		o             domain.Order
		status        string
		paymentStatus string
		address       []byte
	)
	err := q.QueryRow(ctx, `
		SELECT id, user_id, status, payment_status, currency, subtotal, discount, shipping, tax, final_amount,
			coupon_id, coupon_code, address, refund_required, created_at, updated_at
		FROM orders
		WHERE id = $1`, orderID).
		Scan(&o.ID, &o.UserID, &status, &paymentStatus, &o.Currency, &o.Subtotal, &o.Discount, &o.Shipping,
			&o.Tax, &o.FinalAmount, &o.CouponID, &o.CouponCode, &address, &o.RefundRequired, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return domain.Order{}, database.WrapError("orders.findByID", err)
	}
	o.Status = domain.OrderStatus(status)
	o.PaymentStatus = domain.PaymentStatus(paymentStatus)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	if len(address) > 0 {
		var doc addressDocument
		if err := json.Unmarshal(address, &doc); err != nil {
			return domain.Order{}, fmt.Errorf("decode order %s address: %w", o.ID, err)
		}
		o.Address = doc.toDomain(o.UserID)
	}

	rows, err := q.Query(ctx, `
		SELECT product_id, product_name, quantity, unit_price, surcharge, line_total, configuration
		FROM order_lines
		WHERE order_id = $1
		ORDER BY position`, orderID)
	if err != nil {
		return domain.Order{}, database.WrapError("orders.findByID.lines", err)
	}
	o.Lines, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OrderLine, error) {
		var (
			line domain.OrderLine
			cfg  []byte
		)
		if err := row.Scan(&line.ProductID, &line.ProductName, &line.Quantity, &line.UnitPrice,
			&line.Surcharge, &line.LineTotal, &cfg); err != nil {
			return line, err
		}
		if err := json.Unmarshal(cfg, &line.Configuration); err != nil {
			return line, fmt.Errorf("decode order %s line configuration: %w", orderID, err)
		}
		return line, nil
	})
	if err != nil {
		return domain.Order{}, database.WrapError("orders.findByID.lines", err)
	}
	return o, nil
}

// Transition applies a conditional status update keyed on the current status.
func (r *OrderRepository) Transition(ctx context.Context, t repositories.OrderTransition) (bool, error) {
	if len(t.From) == 0 {
		return false, errors.New("orders.transition: at least one source status is required")
	}
	from := make([]string, 0, len(t.From))
	for _, s := range t.From {
		from = append(from, string(s))
	}
	var paymentStatus *string
	if t.PaymentStatus != nil {
		v := string(*t.PaymentStatus)
		paymentStatus = &v
	}
	at := t.At.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tag, err := r.db.Querier(ctx).Exec(ctx, `
		UPDATE orders
		SET status = $2,
			payment_status = COALESCE($3, payment_status),
			refund_required = COALESCE($4, refund_required),
			updated_at = $5
		WHERE id = $1 AND status = ANY($6)`,
		t.OrderID, string(t.To), paymentStatus, t.RefundRequired, at, from)
	if err != nil {
		return false, database.WrapError("orders.transition", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *OrderRepository) AppendStatusHistory(ctx context.Context, change domain.OrderStatusChange) error {
	_, err := r.db.Querier(ctx).Exec(ctx, `
		INSERT INTO order_status_history (order_id, from_status, to_status, actor, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		change.OrderID, string(change.From), string(change.To), change.Actor, change.Note, change.CreatedAt.UTC())
	return database.WrapError("orders.appendStatusHistory", err)
}

func (r *OrderRepository) ListStatusHistory(ctx context.Context, orderID string) ([]domain.OrderStatusChange, error) {
	rows, err := r.db.Querier(ctx).Query(ctx, `
		SELECT order_id, from_status, to_status, actor, note, created_at
		FROM order_status_history
		WHERE order_id = $1
		ORDER BY id`, orderID)
	if err != nil {
		return nil, database.WrapError("orders.listStatusHistory", err)
	}
	history, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OrderStatusChange, error) {
		var (
			c        domain.OrderStatusChange
			from, to string
		)
		err := row.Scan(&c.OrderID, &from, &to, &c.Actor, &c.Note, &c.CreatedAt)
		c.From = domain.OrderStatus(from)
		c.To = domain.OrderStatus(to)
		c.CreatedAt = c.CreatedAt.UTC()
		return c, err
	})
	if err != nil {
		return nil, database.WrapError("orders.listStatusHistory", err)
	}
	return history, nil
}

// ListStalePending returns PENDING order ids created before the cutoff, oldest first.
func (r *OrderRepository) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Querier(ctx).Query(ctx, `
		SELECT id
		FROM orders
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`, string(domain.OrderStatusPending), createdBefore.UTC(), limit)
	if err != nil {
		return nil, database.WrapError("orders.listStalePending", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, database.WrapError("orders.listStalePending", err)
	}
	return ids, nil
}
