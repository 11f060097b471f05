package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/googleapis/gax-go/v2"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/Avnish-oP/veracious-sub001/internal/di"
	"github.com/Avnish-oP/veracious-sub001/internal/handlers"
	"github.com/Avnish-oP/veracious-sub001/internal/payments"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/auth"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/config"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/database"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/idempotency"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/jobs"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/observability"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/secrets"
	platformstorage "github.com/Avnish-oP/veracious-sub001/internal/platform/storage"
	"github.com/Avnish-oP/veracious-sub001/internal/repositories"
	"github.com/Avnish-oP/veracious-sub001/internal/repositories/postgres"
	"github.com/Avnish-oP/veracious-sub001/internal/services"
)

const (
	razorpayWebhookSecretName = "payments/razorpay/webhook"
	checkoutRateLimit         = 10
	checkoutRateWindow        = time.Minute
	redisCheckTimeout         = time.Second
	jwksFetchTimeout          = 5 * time.Second
	meterName                 = "github.com/Avnish-oP/veracious-sub001"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger("veracious-api")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)
	meter := otel.GetMeterProvider().Meter(meterName)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	resolver, err := newSecretResolver(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret resolver", zap.Error(err))
	}
	defer func() {
		if err := resolver.Close(); err != nil {
			logger.Warn("secret resolver close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(resolver),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	db, err := database.NewProvider(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to initialise database pool", zap.Error(err))
	}
	if cfg.Database.MigrateOnStart {
		if err := db.Migrate(); err != nil {
			logger.Fatal("failed to apply database migrations", zap.Error(err))
		}
	}

	var redisClient *redis.Client
	registryOpts := make([]postgres.RegistryOption, 0, 2)
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		client := redisClient
		registryOpts = append(registryOpts,
			postgres.WithDependencyCheck(repositories.DependencyCheck{
				Name:    "redis",
				Timeout: redisCheckTimeout,
				Check: func(ctx context.Context) error {
					return client.Ping(ctx).Err()
				},
			}),
			postgres.WithCloser(func(context.Context) error {
				return client.Close()
			}),
		)
	}

	registry, err := postgres.NewRegistry(db, registryOpts...)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	paymentsLogger := logger.Named("payments")
	gateway, err := newPaymentManager(cfg, paymentsLogger)
	if err != nil {
		logger.Fatal("failed to initialise payment providers", zap.Error(err))
	}

	eventsLogger := logger.Named("events")
	events, closeEvents, err := newOrderEventPublisher(ctx, cfg, eventsLogger)
	if err != nil {
		logger.Fatal("failed to initialise order event publisher", zap.Error(err))
	}
	defer closeEvents()

	var archive services.InvoiceArchive
	if bucket := strings.TrimSpace(cfg.Storage.InvoiceBucket); bucket != "" {
		storageClient, err := newStorageClient(ctx, cfg)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
		invoiceArchive, err := platformstorage.NewArchive(storageClient, bucket)
		if err != nil {
			logger.Fatal("failed to initialise invoice archive", zap.Error(err))
		}
		archive = invoiceArchive
	}

	settlementMetrics := observability.NewSettlementMetrics(meter, logger.Named("metrics"))
	verificationMetrics := observability.NewVerificationMetrics(meter, logger.Named("metrics"))

	container, err := di.NewContainer(cfg, registry, di.Collaborators{
		Gateway:     gateway,
		Events:      events,
		Metrics:     settlementMetrics,
		Archive:     archive,
		Logger:      observability.EventLogger(logger.Named("checkout")),
		Clock:       time.Now,
		IDGenerator: func() string { return ulid.Make().String() },
		Build:       buildInfo,
	})
	if err != nil {
		logger.Fatal("failed to build services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("repository close error", zap.Error(err))
		}
	}()
	svc := container.Services

	idempotencyLogger := logger.Named("idempotency")
	var idempotencyStore idempotency.Store
	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	var backgroundWG sync.WaitGroup
	if cfg.Idempotency.Backend == "redis" && redisClient != nil {
		idempotencyStore = idempotency.NewRedisStore(redisClient, "idempotency")
	} else {
		memoryStore := idempotency.NewMemoryStore()
		idempotencyStore = memoryStore
		if cfg.Idempotency.CleanupInterval > 0 {
			backgroundWG.Add(1)
			go func() {
				defer backgroundWG.Done()
				memoryStore.RunJanitor(backgroundCtx, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, func(removed int) {
					idempotencyLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
				})
			}()
		}
	}
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithMethods(http.MethodPost),
		idempotency.WithLogger(idempotencyLogger),
	)

	if cfg.Checkout.SweepInterval > 0 {
		backgroundWG.Add(1)
		go func() {
			defer backgroundWG.Done()
			services.RunSweepLoop(backgroundCtx, svc.Sweeper, cfg.Checkout.SweepInterval, observability.EventLogger(logger.Named("sweeper")))
		}()
	}

	authLogger := logger.Named("auth")
	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	shopperAuth := auth.NewAuthenticator(firebaseVerifier, auth.WithFallbackRole(auth.RoleUser))
	operatorAuth := auth.NewAuthenticator(firebaseVerifier.Revocable())

	oidcMiddleware := buildOIDCMiddleware(authLogger, cfg, verificationMetrics)
	webhookVerifier := buildWebhookVerifier(authLogger, cfg, redisClient, verificationMetrics)

	checkoutHandlers := handlers.NewCheckoutHandlers(shopperAuth, svc.Checkout,
		handlers.WithCheckoutIdempotency(idempotencyMiddleware),
		handlers.WithCheckoutRateLimit(checkoutRateLimit, checkoutRateWindow),
	)
	orderHandlers := handlers.NewOrderHandlers(shopperAuth, svc.Orders)
	adminHandlers := handlers.NewAdminOrderHandlers(operatorAuth, svc.Orders, svc.Invoices)
	webhookHandlers := handlers.NewWebhookHandlers(svc.Checkout, webhookVerifier, razorpayWebhookSecretName,
		handlers.WithStripeWebhookSecret(cfg.Payments.Stripe.SigningSecret),
	)
	internalHandlers := handlers.NewInternalJobHandlers(svc.Sweeper)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(svc.System),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.TraceMiddleware(strings.TrimSpace(cfg.Firebase.ProjectID)),
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(),
			observability.RecoveryMiddleware(logger.Named("http")),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("veracious api listening", zap.String("environment", buildInfo.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	backgroundCancel()
	backgroundWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newSecretResolver(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Resolver, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("API_SECRETS_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRETS_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger),
		secrets.WithFallbackFile(fallbackPath),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if ttl, err := time.ParseDuration(lookup("API_SECRETS_CACHE_TTL")); err == nil && ttl > 0 {
		opts = append(opts, secrets.WithCacheTTL(ttl))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewResolver(ctx, opts...)
}

// requiredSecretNames lists the credentials that must resolve for each configured gateway.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	if strings.TrimSpace(env["API_PAYMENTS_RAZORPAY_KEY_ID"]) != "" {
		required = append(required, "Payments.Razorpay.KeySecret", "Payments.Razorpay.WebhookSecret")
	}
	if strings.TrimSpace(env["API_PAYMENTS_STRIPE_API_KEY"]) != "" {
		required = append(required, "Payments.Stripe.APIKey", "Payments.Stripe.SigningSecret")
	}
	return required
}

func newPaymentManager(cfg config.Config, logger *zap.Logger) (*payments.Manager, error) {
	eventLogger := payments.EventLogger(observability.EventLogger(logger))
	resilience := payments.ResilienceConfig{
		Timeout:         cfg.Payments.Timeout,
		CreateAttempts:  cfg.Payments.CreateAttempts,
		BreakerFailures: uint32(max(cfg.Payments.BreakerFailures, 0)),
		BreakerCooldown: cfg.Payments.BreakerCooldown,
		Backoff: gax.Backoff{
			Initial:    200 * time.Millisecond,
			Max:        2 * time.Second,
			Multiplier: 2,
		},
		Logger: eventLogger,
	}

	providers := make(map[string]payments.Provider, 2)
	if razorpayCfg := cfg.Payments.Razorpay; razorpayCfg.KeyID != "" && razorpayCfg.KeySecret != "" {
		razorpay, err := payments.NewRazorpayProvider(payments.RazorpayProviderConfig{
			KeyID:     razorpayCfg.KeyID,
			KeySecret: razorpayCfg.KeySecret,
			Logger:    eventLogger,
		})
		if err != nil {
			return nil, err
		}
		wrapped, err := payments.NewResilientProvider(razorpay, resilience)
		if err != nil {
			return nil, err
		}
		providers[payments.ProviderRazorpay] = wrapped
	}
	if stripeCfg := cfg.Payments.Stripe; stripeCfg.APIKey != "" {
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:         stripeCfg.APIKey,
			PublishableKey: stripeCfg.PublishableKey,
			AccountID:      stripeCfg.AccountID,
			Logger:         eventLogger,
		})
		if err != nil {
			return nil, err
		}
		wrapped, err := payments.NewResilientProvider(stripeProvider, resilience)
		if err != nil {
			return nil, err
		}
		providers[payments.ProviderStripe] = wrapped
	}

	opts := []payments.ManagerOption{payments.WithCurrencyRoutes(cfg.Payments.CurrencyRoutes)}
	if _, ok := providers[cfg.Payments.DefaultProvider]; ok {
		opts = append(opts, payments.WithDefaultProvider(cfg.Payments.DefaultProvider))
	} else {
		logger.Warn("default payment provider not configured; using registry default",
			zap.String("provider", cfg.Payments.DefaultProvider))
	}
	return payments.NewManager(providers, opts...)
}

func newOrderEventPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (services.OrderEventPublisher, func(), error) {
	noop := func() {}
	switch cfg.Events.Backend {
	case "pubsub":
		clientOpts := clientOptions(cfg)
		client, err := pubsub.NewClient(ctx, cfg.Events.PubSubProjectID, clientOpts...)
		if err != nil {
			return nil, noop, fmt.Errorf("pubsub client: %w", err)
		}
		publisher, err := jobs.NewPubSubOrderEventPublisher(client.Topic(cfg.Events.Topic))
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		logger.Info("publishing order events to pubsub", zap.String("topic", cfg.Events.Topic))
		return publisher, func() {
			publisher.Stop()
			if err := client.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}, nil
	case "kafka":
		writer, err := jobs.NewKafkaWriter(cfg.Events.KafkaBrokers)
		if err != nil {
			return nil, noop, err
		}
		writer.ErrorLogger = observability.NewPrintfAdapter(logger)
		publisher, err := jobs.NewKafkaOrderEventPublisher(writer, cfg.Events.Topic)
		if err != nil {
			_ = writer.Close()
			return nil, noop, err
		}
		logger.Info("publishing order events to kafka", zap.String("topic", cfg.Events.Topic))
		return publisher, func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("kafka close error", zap.Error(err))
			}
		}, nil
	default:
		logger.Info("order events disabled")
		return nil, noop, nil
	}
}

func newStorageClient(ctx context.Context, cfg config.Config) (*cloudstorage.Client, error) {
	return cloudstorage.NewClient(ctx, clientOptions(cfg)...)
}

func clientOptions(cfg config.Config) []option.ClientOption {
	if file := strings.TrimSpace(cfg.Firebase.CredentialsFile); file != "" {
		return []option.ClientOption{option.WithCredentialsFile(file)}
	}
	return nil
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config, metrics auth.MetricsRecorder) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSHTTPClient(&http.Client{Timeout: jwksFetchTimeout}))
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(logger), auth.WithOIDCMetrics(metrics))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

func buildWebhookVerifier(logger *zap.Logger, cfg config.Config, client *redis.Client, metrics auth.MetricsRecorder) *auth.WebhookVerifier {
	webhookSecret := cfg.Payments.Razorpay.WebhookSecret
	provider := auth.SecretProviderFunc(func(_ context.Context, name string) (string, error) {
		if name != razorpayWebhookSecretName || strings.TrimSpace(webhookSecret) == "" {
			return "", fmt.Errorf("auth: webhook secret %q not configured", name)
		}
		return webhookSecret, nil
	})

	var nonces auth.NonceStore
	if client != nil {
		nonces = auth.NewRedisNonceStore(client, "webhooks")
	} else {
		nonces = auth.NewInMemoryNonceStore()
	}
	return auth.NewWebhookVerifier(provider, nonces,
		auth.WithWebhookLogger(logger),
		auth.WithWebhookMetrics(metrics),
	)
}
