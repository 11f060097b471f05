package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/Avnish-oP/veracious-sub001/internal/domain"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/database"
	"github.com/Avnish-oP/veracious-sub001/internal/repositories"
)

const paymentColumns = `id, order_id, provider, gateway_order_id, gateway_payment_id, signature_digest, amount,
	currency, status, created_at, updated_at`

// PaymentRepository persists Payment Records.
type PaymentRepository struct {
	db *database.Provider
}

var _ repositories.PaymentRepository = (*PaymentRepository)(nil)

// NewPaymentRepository constructs a Postgres-backed payment record repository.
func NewPaymentRepository(db *database.Provider) (*PaymentRepository, error) {
	if db == nil {
		return nil, errors.New("payment repository requires database provider")
	}
	return &PaymentRepository{db: db}, nil
}

func (r *PaymentRepository) Insert(ctx context.Context, record domain.PaymentRecord) error {
	_, err := r.db.Querier(ctx).Exec(ctx, `
		INSERT INTO payment_records (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		record.ID, record.OrderID, record.Provider, record.GatewayOrderID, record.GatewayPaymentID,
		record.SignatureDigest, record.Amount, record.Currency, string(record.Status),
		record.CreatedAt.UTC(), record.UpdatedAt.UTC())
	return database.WrapError("payments.insert", err)
}

func (r *PaymentRepository) FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (domain.PaymentRecord, error) {
	rows, err := r.db.Querier(ctx).Query(ctx, `SELECT `+paymentColumns+` FROM payment_records WHERE gateway_order_id = $1`, gatewayOrderID)
	if err != nil {
		return domain.PaymentRecord{}, database.WrapError("payments.findByGatewayOrderID", err)
	}
	record, err := pgx.CollectExactlyOneRow(rows, scanPaymentRecord)
	if err != nil {
		return domain.PaymentRecord{}, database.WrapError("payments.findByGatewayOrderID", err)
	}
	return record, nil
}

func (r *PaymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentRecord, error) {
	rows, err := r.db.Querier(ctx).Query(ctx, `SELECT `+paymentColumns+` FROM payment_records WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, database.WrapError("payments.listByOrder", err)
	}
	records, err := pgx.CollectRows(rows, scanPaymentRecord)
	if err != nil {
		return nil, database.WrapError("payments.listByOrder", err)
	}
	return records, nil
}

// Transition updates the record only while it is still in t.From.
func (r *PaymentRepository) Transition(ctx context.Context, t repositories.PaymentTransition) (bool, error) {
	at := t.At.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}
	tag, err := r.db.Querier(ctx).Exec(ctx, `
		UPDATE payment_records
		SET status = $3,
			gateway_payment_id = COALESCE($4, gateway_payment_id),
			signature_digest = COALESCE($5, signature_digest),
			updated_at = $6
		WHERE id = $1 AND status = $2`,
		t.RecordID, string(t.From), string(t.To), t.GatewayPaymentID, t.SignatureDigest, at)
	if err != nil {
		return false, database.WrapError("payments.transition", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FailPendingByOrder marks every PENDING record of the order FAILED.
func (r *PaymentRepository) FailPendingByOrder(ctx context.Context, orderID string, at time.Time) (int64, error) {
	tag, err := r.db.Querier(ctx).Exec(ctx, `
		UPDATE payment_records
		SET status = $2, updated_at = $3
		WHERE order_id = $1 AND status = $4`,
		orderID, string(domain.PaymentRecordFailed), at.UTC(), string(domain.PaymentRecordPending))
	if err != nil {
		return 0, database.WrapError("payments.failPendingByOrder", err)
	}
	return tag.RowsAffected(), nil
}

func scanPaymentRecord(row pgx.CollectableRow) (domain.PaymentRecord, error) {
	var (
		p      domain.PaymentRecord
		status string
	)
	err := row.Scan(&p.ID, &p.OrderID, &p.Provider, &p.GatewayOrderID, &p.GatewayPaymentID, &p.SignatureDigest,
		&p.Amount, &p.Currency, &status, &p.CreatedAt, &p.UpdatedAt)
	p.Status = domain.PaymentRecordStatus(status)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, err
}
