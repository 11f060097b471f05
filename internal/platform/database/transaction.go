package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	defaultTxAttempts = 3
	defaultTxTimeout  = 15 * time.Second
)

type txContextKey struct{}

func txFromContext(ctx context.Context) (pgx.Tx, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(txContextKey{}).(pgx.Tx)
	return tx, ok && tx != nil
}

// InTx reports whether ctx already carries an open transaction.
func InTx(ctx context.Context) bool {
	_, ok := txFromContext(ctx)
	return ok
}

// RunInTx executes fn in a read-committed transaction. Calls nested inside an active transaction
// join it. Serialization failures and deadlocks are retried up to the configured attempts.
func (p *Provider) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return WrapError("transaction", errors.New("database: transaction function is nil"))
	}
	if InTx(ctx) {
		return fn(ctx)
	}
	if p == nil || p.pool == nil {
		return WrapError("transaction", errors.New("database: provider not initialised"))
	}

	txCtx := ctx
	if p.txTimeout > 0 {
		deadline, hasDeadline := ctx.Deadline()
		if !hasDeadline || time.Until(deadline) > p.txTimeout {
			var cancel context.CancelFunc
			txCtx, cancel = context.WithTimeout(ctx, p.txTimeout)
			defer cancel()
		}
	}

	var err error
	for attempt := 1; attempt <= p.txAttempts; attempt++ {
		err = p.runOnce(txCtx, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
	}
	return err
}

func (p *Provider) runOnce(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return WrapError("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err = fn(context.WithValue(ctx, txContextKey{}, tx)); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return WrapError("commit", err)
	}
	return nil
}

func isRetryable(err error) bool {
	var dbErr *Error
	return errors.As(err, &dbErr) && dbErr.retryable
}
