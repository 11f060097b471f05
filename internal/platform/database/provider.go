package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Avnish-oP/veracious-sub001/internal/platform/config"
)

const defaultConnectTimeout = 10 * time.Second

// Querier is the statement surface shared by the pool and an open transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Provider owns the shared pgx pool and runs units of work against it.
type Provider struct {
	pool       *pgxpool.Pool
	txAttempts int
	txTimeout  time.Duration
}

// ProviderOption customises the Provider behaviour.
type ProviderOption func(*Provider)

// WithTxAttempts overrides how often a transaction is retried on serialization failures.
func WithTxAttempts(attempts int) ProviderOption {
	return func(p *Provider) {
		if attempts > 0 {
			p.txAttempts = attempts
		}
	}
}

// WithTxTimeout bounds every transaction started by the provider.
func WithTxTimeout(timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if timeout > 0 {
			p.txTimeout = timeout
		}
	}
}

// NewProvider parses the configured DSN and creates a pool.
func NewProvider(ctx context.Context, cfg config.DatabaseConfig, opts ...ProviderOption) (*Provider, error) {
	dsn := strings.TrimSpace(cfg.URL)
	if dsn == "" {
		return nil, errors.New("database: url is required")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("database: parse url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	poolCfg.ConnConfig.ConnectTimeout = connectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("database: create pool: %w", err)
	}
	return NewProviderFromPool(pool, opts...), nil
}

// NewProviderFromPool wraps an existing pool.
func NewProviderFromPool(pool *pgxpool.Pool, opts ...ProviderOption) *Provider {
	p := &Provider{
		pool:       pool,
		txAttempts: defaultTxAttempts,
		txTimeout:  defaultTxTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Pool exposes the underlying pool.
func (p *Provider) Pool() *pgxpool.Pool {
	return p.pool
}

// Querier returns the transaction bound to ctx, or the pool when none is active.
func (p *Provider) Querier(ctx context.Context) Querier {
	if tx, ok := txFromContext(ctx); ok {
		return tx
	}
	return p.pool
}

// Ping verifies connectivity; used by readiness checks.
func (p *Provider) Ping(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return errors.New("database: provider not initialised")
	}
	return WrapError("ping", p.pool.Ping(ctx))
}

// Close releases pooled connections.
func (p *Provider) Close() {
	if p != nil && p.pool != nil {
		p.pool.Close()
	}
}
