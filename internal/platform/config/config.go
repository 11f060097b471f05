package config

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultDBMaxConns          = 10
	defaultDBConnectTimeout    = 10 * time.Second
	defaultDBMaxConnLifetime   = 30 * time.Minute
	defaultPaymentProvider     = "razorpay"
	defaultGatewayTimeout      = 5 * time.Second
	defaultGatewayAttempts     = 3
	defaultBreakerFailures     = 5
	defaultBreakerCooldown     = 30 * time.Second
	defaultCurrency            = "INR"
	defaultPendingOrderTTL     = 30 * time.Minute
	defaultSweepInterval       = 5 * time.Minute
	defaultSweepBatchSize      = 100
	defaultEventsTopic         = "orders"
	defaultSecurityEnvironment = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer      = "https://accounts.google.com"
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyInterval = time.Hour
	defaultIdempotencyBatch    = 200
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Firebase    FirebaseConfig
	Payments    PaymentsConfig
	Checkout    CheckoutConfig
	Events      EventsConfig
	Storage     StorageConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig configures the Postgres pool.
type DatabaseConfig struct {
	URL             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	ConnectTimeout  time.Duration
	MigrateOnStart  bool
}

// RedisConfig configures the redis client backing idempotency records.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// PaymentsConfig collects gateway credentials and call policies.
type PaymentsConfig struct {
	DefaultProvider string
	CurrencyRoutes  map[string]string
	Razorpay        RazorpayConfig
	Stripe          StripeConfig
	Timeout         time.Duration
	CreateAttempts  int
	BreakerFailures int
	BreakerCooldown time.Duration
}

// RazorpayConfig holds the Razorpay key pair. KeySecret signs payment callbacks and never leaves
// the server.
type RazorpayConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
}

// StripeConfig holds Stripe credentials.
type StripeConfig struct {
	APIKey         string
	PublishableKey string
	SigningSecret  string
	AccountID      string
}

// CheckoutConfig controls checkout defaults and the pending order sweep.
type CheckoutConfig struct {
	DefaultCurrency string
	PendingOrderTTL time.Duration
	SweepInterval   time.Duration
	SweepBatchSize  int
}

// EventsConfig selects the order event transport.
type EventsConfig struct {
	Backend         string
	PubSubProjectID string
	Topic           string
	KafkaBrokers    []string
}

// StorageConfig lists bucket names used by the application.
type StorageConfig struct {
	InvoiceBucket string
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification for internal endpoints.
type OIDCConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	Backend          string
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// ValidationError lists configuration fields that are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the offending field names.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// WithEnvFile overrides the dotenv path; an empty path disables it.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks secret fields, named like "Payments.Razorpay.KeySecret", as mandatory.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// EnvironmentValues returns the merged environment (dotenv, then process, then env map) so callers
// can build the secret resolver before calling Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	e, err := newLoaderOptions(opts).environment()
	if err != nil {
		return nil, err
	}
	return e.merged(), nil
}

// Load reads the configuration from the environment, resolves secret references and validates the
// result.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	e, err := options.environment()
	if err != nil {
		return Config{}, err
	}

	cfg := fromEnv(e)
	if cfg.Events.PubSubProjectID == "" {
		cfg.Events.PubSubProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}

	resolved, err := resolveSecrets(ctx, options.secret, []secretField{
		{"Database.URL", &cfg.Database.URL},
		{"Redis.Password", &cfg.Redis.Password},
		{"Payments.Razorpay.KeySecret", &cfg.Payments.Razorpay.KeySecret},
		{"Payments.Razorpay.WebhookSecret", &cfg.Payments.Razorpay.WebhookSecret},
		{"Payments.Stripe.APIKey", &cfg.Payments.Stripe.APIKey},
		{"Payments.Stripe.SigningSecret", &cfg.Payments.Stripe.SigningSecret},
	})
	if err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func fromEnv(e env) Config {
	return Config{
		Server: ServerConfig{
			Port:         e.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  e.dur("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: e.dur("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  e.dur("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Database: DatabaseConfig{
			URL:             e.str("API_DATABASE_URL", ""),
			MaxConns:        e.integer("API_DATABASE_MAX_CONNS", defaultDBMaxConns),
			MinConns:        e.integer("API_DATABASE_MIN_CONNS", 0),
			MaxConnLifetime: e.dur("API_DATABASE_MAX_CONN_LIFETIME", defaultDBMaxConnLifetime),
			ConnectTimeout:  e.dur("API_DATABASE_CONNECT_TIMEOUT", defaultDBConnectTimeout),
			MigrateOnStart:  e.flag("API_DATABASE_MIGRATE_ON_START", true),
		},
		Redis: RedisConfig{
			Addr:     e.str("API_REDIS_ADDR", ""),
			Password: e.str("API_REDIS_PASSWORD", ""),
			DB:       e.integer("API_REDIS_DB", 0),
		},
		Firebase: FirebaseConfig{
			ProjectID:       e.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: e.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Payments: PaymentsConfig{
			DefaultProvider: strings.ToLower(e.str("API_PAYMENTS_DEFAULT_PROVIDER", defaultPaymentProvider)),
			CurrencyRoutes:  e.pairs("API_PAYMENTS_CURRENCY_ROUTES"),
			Razorpay: RazorpayConfig{
				KeyID:         e.str("API_PAYMENTS_RAZORPAY_KEY_ID", ""),
				KeySecret:     e.str("API_PAYMENTS_RAZORPAY_KEY_SECRET", ""),
				WebhookSecret: e.str("API_PAYMENTS_RAZORPAY_WEBHOOK_SECRET", ""),
			},
			Stripe: StripeConfig{
				APIKey:         e.str("API_PAYMENTS_STRIPE_API_KEY", ""),
				PublishableKey: e.str("API_PAYMENTS_STRIPE_PUBLISHABLE_KEY", ""),
				SigningSecret:  e.str("API_PAYMENTS_STRIPE_SIGNING_SECRET", ""),
				AccountID:      e.str("API_PAYMENTS_STRIPE_ACCOUNT_ID", ""),
			},
			Timeout:         e.dur("API_PAYMENTS_TIMEOUT", defaultGatewayTimeout),
			CreateAttempts:  e.integer("API_PAYMENTS_CREATE_ATTEMPTS", defaultGatewayAttempts),
			BreakerFailures: e.integer("API_PAYMENTS_BREAKER_FAILURES", defaultBreakerFailures),
			BreakerCooldown: e.dur("API_PAYMENTS_BREAKER_COOLDOWN", defaultBreakerCooldown),
		},
		Checkout: CheckoutConfig{
			DefaultCurrency: strings.ToUpper(e.str("API_CHECKOUT_DEFAULT_CURRENCY", defaultCurrency)),
			PendingOrderTTL: e.dur("API_CHECKOUT_PENDING_ORDER_TTL", defaultPendingOrderTTL),
			SweepInterval:   e.dur("API_CHECKOUT_SWEEP_INTERVAL", defaultSweepInterval),
			SweepBatchSize:  e.integer("API_CHECKOUT_SWEEP_BATCH", defaultSweepBatchSize),
		},
		Events: EventsConfig{
			Backend:         strings.ToLower(e.str("API_EVENTS_BACKEND", "")),
			PubSubProjectID: e.str("API_EVENTS_PUBSUB_PROJECT_ID", ""),
			Topic:           e.str("API_EVENTS_TOPIC", defaultEventsTopic),
			KafkaBrokers:    e.list("API_EVENTS_KAFKA_BROKERS"),
		},
		Storage: StorageConfig{
			InvoiceBucket: e.str("API_STORAGE_INVOICE_BUCKET", ""),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(e.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:  e.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience: e.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Issuers:  e.list("API_SECURITY_OIDC_ISSUERS"),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           e.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              e.dur("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			Backend:          strings.ToLower(e.str("API_IDEMPOTENCY_BACKEND", "memory")),
			CleanupInterval:  e.dur("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: e.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
		},
	}
}

func (c Config) validate() error {
	razorpay := c.Payments.Razorpay.KeyID != "" && c.Payments.Razorpay.KeySecret != ""
	stripe := c.Payments.Stripe.APIKey != "" && c.Payments.Stripe.SigningSecret != ""
	events := c.Events.Backend == "" || c.Events.Backend == "none" || c.Events.Backend == "pubsub" || c.Events.Backend == "kafka"
	idempotency := c.Idempotency.Backend == "memory" || c.Idempotency.Backend == "redis"

	checks := []struct {
		field string
		ok    bool
	}{
		{"Server.Port", c.Server.Port != ""},
		{"Database.URL", strings.TrimSpace(c.Database.URL) != ""},
		{"Firebase.ProjectID", c.Firebase.ProjectID != ""},
		{"Payments.Razorpay", razorpay || stripe},
		{"Payments.Timeout", c.Payments.Timeout > 0},
		{"Payments.CreateAttempts", c.Payments.CreateAttempts > 0},
		{"Checkout.DefaultCurrency", len(c.Checkout.DefaultCurrency) == 3},
		{"Checkout.PendingOrderTTL", c.Checkout.PendingOrderTTL > 0},
		{"Checkout.SweepBatchSize", c.Checkout.SweepBatchSize > 0},
		{"Events.Backend", events},
		{"Events.KafkaBrokers", c.Events.Backend != "kafka" || len(c.Events.KafkaBrokers) > 0},
		{"Idempotency.Backend", idempotency},
		{"Redis.Addr", c.Idempotency.Backend != "redis" || c.Redis.Addr != ""},
		{"Idempotency.Header", strings.TrimSpace(c.Idempotency.Header) != ""},
		{"Idempotency.TTL", c.Idempotency.TTL > 0},
	}
	var invalid []string
	for _, check := range checks {
		if !check.ok {
			invalid = append(invalid, check.field)
		}
	}
	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}
