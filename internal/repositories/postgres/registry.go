package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Avnish-oP/veracious-sub001/internal/platform/database"
	"github.com/Avnish-oP/veracious-sub001/internal/repositories"
)

const databaseCheckTimeout = 2 * time.Second

// Registry exposes the Postgres-backed repositories behind repositories.Registry.
type Registry struct {
	db          *database.Provider
	products    *ProductRepository
	lensOptions *LensOptionRepository
	addresses   *AddressRepository
	coupons     *CouponRepository
	orders      *OrderRepository
	payments    *PaymentRepository
	health      repositories.HealthRepository
	closers     []func(context.Context) error
}

var _ repositories.Registry = (*Registry)(nil)

// RegistryOption customises the registry.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	checks  []repositories.DependencyCheck
	closers []func(context.Context) error
}

// WithDependencyCheck adds a readiness probe alongside the database ping.
func WithDependencyCheck(check repositories.DependencyCheck) RegistryOption {
	return func(o *registryOptions) {
		if check.Check != nil {
			o.checks = append(o.checks, check)
		}
	}
}

// WithCloser registers a resource released by Close after the pool.
func WithCloser(closer func(context.Context) error) RegistryOption {
	return func(o *registryOptions) {
		if closer != nil {
			o.closers = append(o.closers, closer)
		}
	}
}

// NewRegistry builds every repository over the shared provider.
func NewRegistry(db *database.Provider, opts ...RegistryOption) (*Registry, error) {
	if db == nil {
		return nil, errors.New("postgres registry requires database provider")
	}
	var options registryOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	products, err := NewProductRepository(db)
	if err != nil {
		return nil, err
	}
	lensOptions, err := NewLensOptionRepository(db)
	if err != nil {
		return nil, err
	}
	addresses, err := NewAddressRepository(db)
	if err != nil {
		return nil, err
	}
	coupons, err := NewCouponRepository(db)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(db)
	if err != nil {
		return nil, err
	}
	payments, err := NewPaymentRepository(db)
	if err != nil {
		return nil, err
	}

	checks := append([]repositories.DependencyCheck{{
		Name:     "postgres",
		Timeout:  databaseCheckTimeout,
		Critical: true,
		Check:    db.Ping,
	}}, options.checks...)
	health, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, fmt.Errorf("postgres registry: %w", err)
	}

	return &Registry{
		db:          db,
		products:    products,
		lensOptions: lensOptions,
		addresses:   addresses,
		coupons:     coupons,
		orders:      orders,
		payments:    payments,
		health:      health,
		closers:     options.closers,
	}, nil
}

func (r *Registry) Products() repositories.ProductRepository       { return r.products }
func (r *Registry) LensOptions() repositories.LensOptionRepository { return r.lensOptions }
func (r *Registry) Addresses() repositories.AddressRepository     { return r.addresses }
func (r *Registry) Coupons() repositories.CouponRepository         { return r.coupons }
func (r *Registry) Orders() repositories.OrderRepository           { return r.orders }
func (r *Registry) Payments() repositories.PaymentRepository       { return r.payments }
func (r *Registry) Health() repositories.HealthRepository          { return r.health }

// RunInTx delegates to the provider; nested calls join the open transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.db.RunInTx(ctx, fn)
}

// Close releases the pool and any registered resources.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.db.Close()
	var errs []error
	for _, closer := range r.closers {
		if err := closer(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
