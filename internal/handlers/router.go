package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Avnish-oP/veracious-sub001/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

type middlewareFunc = func(http.Handler) http.Handler

const (
	defaultAPIPrefix = "/api/v1"
	requestTimeout   = 60 * time.Second
)

const (
	groupCheckout = iota
	groupOrders
	groupAdmin
	groupWebhooks
	groupInternal
	groupCount
)

// routeGroup is one section of the API. An empty prefix mounts the registrar on the API root, for
// handlers that own their path prefix; unavailable is then matched when no registrar is set.
type routeGroup struct {
	name        string
	prefix      string
	unavailable string
	registrar   RouteRegistrar
	middlewares []middlewareFunc
}

type routerConfig struct {
	basePath    string
	middlewares []middlewareFunc
	health      *HealthHandlers
	groups      [groupCount]routeGroup
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

// NewRouter builds the chi router: probes at the root, the checkout API below the base path.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath:    defaultAPIPrefix,
		middlewares: []middlewareFunc{middleware.RequestID, middleware.RealIP, middleware.Timeout(requestTimeout)},
		groups: [groupCount]routeGroup{
			groupCheckout: {name: "checkout", unavailable: "/checkout/*"},
			groupOrders:   {name: "orders", prefix: "/orders"},
			groupAdmin:    {name: "admin", prefix: "/admin"},
			groupWebhooks: {name: "webhooks", prefix: "/webhooks"},
			groupInternal: {name: "internal", prefix: "/internal"},
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	useAll(r, cfg.middlewares)
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed",
			fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, group := range cfg.groups {
			group.mount(api)
		}
	})
	return r
}

func (g routeGroup) mount(api chi.Router) {
	if g.prefix == "" {
		if g.registrar == nil {
			api.HandleFunc(g.unavailable, unavailableHandler(g.name))
			return
		}
		api.Group(func(sub chi.Router) {
			useAll(sub, g.middlewares)
			g.registrar(sub)
		})
		return
	}
	api.Route(g.prefix, func(sub chi.Router) {
		useAll(sub, g.middlewares)
		if g.registrar != nil {
			g.registrar(sub)
			return
		}
		handler := unavailableHandler(g.name)
		sub.HandleFunc("/", handler)
		sub.HandleFunc("/*", handler)
		sub.NotFound(handler)
		sub.MethodNotAllowed(handler)
	})
}

func useAll(r chi.Router, middlewares []middlewareFunc) {
	for _, mw := range middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
}

func unavailableHandler(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("service_unavailable", name+" routes are not configured", http.StatusServiceUnavailable))
	}
}

func withGroup(index int, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.groups[index].registrar = reg }
}

func withGroupMiddlewares(index int, mw []middlewareFunc) Option {
	return func(cfg *routerConfig) {
		cfg.groups[index].middlewares = append(cfg.groups[index].middlewares, mw...)
	}
}

// WithBasePath overrides the API prefix.
func WithBasePath(path string) Option {
	return func(cfg *routerConfig) {
		if path != "" {
			cfg.basePath = path
		}
	}
}

// WithMiddlewares appends global middleware.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.middlewares = append(cfg.middlewares, mw...) }
}

// WithHealthHandlers overrides the /healthz and /readyz handlers.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

// WithCheckoutRoutes mounts reg on the API root; the checkout handlers own the /checkout prefix.
func WithCheckoutRoutes(reg RouteRegistrar) Option { return withGroup(groupCheckout, reg) }

// WithOrderRoutes mounts reg under /orders.
func WithOrderRoutes(reg RouteRegistrar) Option { return withGroup(groupOrders, reg) }

// WithAdminRoutes mounts reg under /admin.
func WithAdminRoutes(reg RouteRegistrar) Option { return withGroup(groupAdmin, reg) }

// WithWebhookRoutes mounts reg under /webhooks.
func WithWebhookRoutes(reg RouteRegistrar) Option { return withGroup(groupWebhooks, reg) }

// WithWebhookMiddlewares adds middleware to the /webhooks group.
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares(groupWebhooks, mw)
}

// WithInternalRoutes mounts reg under /internal.
func WithInternalRoutes(reg RouteRegistrar) Option { return withGroup(groupInternal, reg) }

// WithInternalMiddlewares adds middleware to the /internal group.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares(groupInternal, mw)
}
