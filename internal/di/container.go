package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Avnish-oP/veracious-sub001/internal/payments"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/config"
	"github.com/Avnish-oP/veracious-sub001/internal/repositories"
	"github.com/Avnish-oP/veracious-sub001/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Pricing   services.PricingEngine
	Coupons   services.CouponEvaluator
	Inventory services.InventoryReconciler
	Checkout  services.CheckoutService
	Orders    services.OrderService
	Sweeper   services.OrderSweeper
	Invoices  services.InvoiceService
	System    services.SystemService
}

// Collaborators carries the non-repository dependencies built by the caller. Events, Metrics,
// Archive and Renderer are optional.
type Collaborators struct {
	Gateway     *payments.Manager
	Events      services.OrderEventPublisher
	Metrics     services.SettlementMetrics
	Archive     services.InvoiceArchive
	Renderer    services.InvoiceRenderer
	Logger      func(ctx context.Context, event string, fields map[string]any)
	Clock       func() time.Time
	IDGenerator func() string
	Build       services.BuildInfo
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring passes the Postgres registry,
// while tests can supply in-memory registries.
func NewContainer(cfg config.Config, reg repositories.Registry, collab Collaborators) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if collab.Gateway == nil {
		return nil, errors.New("payment gateway manager is required")
	}
	if collab.Clock == nil {
		collab.Clock = time.Now
	}

	svc, err := buildServices(reg, cfg, collab)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(reg repositories.Registry, cfg config.Config, collab Collaborators) (Services, error) {
	var svc Services

	pricing, err := services.NewPricingEngine(services.PricingEngineDeps{
		Products:    reg.Products(),
		LensOptions: reg.LensOptions(),
		Logger:      collab.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build pricing engine: %w", err)
	}
	svc.Pricing = pricing

	coupons, err := services.NewCouponEvaluator(services.CouponEvaluatorDeps{
		Coupons: reg.Coupons(),
		Clock:   collab.Clock,
		Logger:  collab.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build coupon evaluator: %w", err)
	}
	svc.Coupons = coupons

	inventory, err := services.NewInventoryReconciler(services.InventoryReconcilerDeps{
		Products: reg.Products(),
		Logger:   collab.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build inventory reconciler: %w", err)
	}
	svc.Inventory = inventory

	checkout, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Pricing:         pricing,
		Coupons:         coupons,
		Inventory:       inventory,
		Gateway:         collab.Gateway,
		Orders:          reg.Orders(),
		PaymentRecords:  reg.Payments(),
		CouponStore:     reg.Coupons(),
		Addresses:       reg.Addresses(),
		UnitOfWork:      reg,
		Events:          collab.Events,
		Metrics:         collab.Metrics,
		Clock:           collab.Clock,
		IDGenerator:     collab.IDGenerator,
		Logger:          collab.Logger,
		DefaultCurrency: cfg.Checkout.DefaultCurrency,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkout

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     reg.Orders(),
		Payments:   reg.Payments(),
		UnitOfWork: reg,
		Clock:      collab.Clock,
		Events:     collab.Events,
		Logger:     collab.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orders

	sweeper, err := services.NewOrderSweeper(services.OrderSweeperDeps{
		Orders:     reg.Orders(),
		Payments:   reg.Payments(),
		UnitOfWork: reg,
		Events:     collab.Events,
		Metrics:    collab.Metrics,
		Clock:      collab.Clock,
		Logger:     collab.Logger,
		PendingTTL: cfg.Checkout.PendingOrderTTL,
		BatchSize:  cfg.Checkout.SweepBatchSize,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order sweeper: %w", err)
	}
	svc.Sweeper = sweeper

	invoices, err := services.NewInvoiceService(services.InvoiceServiceDeps{
		Orders:   reg.Orders(),
		Renderer: collab.Renderer,
		Archive:  collab.Archive,
		Logger:   collab.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build invoice service: %w", err)
	}
	svc.Invoices = invoices

	if healthRepo := reg.Health(); healthRepo != nil {
		build := collab.Build
		if build.Environment == "" {
			build.Environment = cfg.Security.Environment
		}
		if build.StartedAt.IsZero() {
			build.StartedAt = collab.Clock().UTC()
		}
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Gateways:         collab.Gateway,
			Clock:            collab.Clock,
			Build:            build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = system
	}

	return svc, nil
}
