package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultFallbackPath = ".secrets.local"
	defaultCacheTTL     = 10 * time.Minute
	meterName           = "github.com/Avnish-oP/veracious-sub001/internal/platform/secrets"
)

var (
	// ErrInvalidReference reports a reference that is not secret://<name>.
	ErrInvalidReference = errors.New("secrets: invalid reference")
	// ErrSecretNotFound reports a secret missing from Secret Manager and the fallback file.
	ErrSecretNotFound = errors.New("secrets: secret not found")
)

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (accessClient, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type accessClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Resolver turns secret://name references into plaintext values. Payment keys, webhook secrets and
// connection strings are read from Secret Manager once and cached; when the API is unreachable the
// local fallback file is consulted instead.
type Resolver struct {
	client     accessClient
	ownsClient bool
	project    string
	logger     *zap.Logger
	ttl        time.Duration
	now        func() time.Time

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string
	fallbackErr  error

	mu    sync.Mutex
	cache map[string]cachedSecret

	latency metric.Float64Histogram
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

type resolverConfig struct {
	client       accessClient
	clientOpts   []option.ClientOption
	project      string
	logger       *zap.Logger
	ttl          time.Duration
	fallbackPath string
	meter        metric.Meter
	now          func() time.Time
}

// Option customises a Resolver.
type Option func(*resolverConfig)

func WithProject(projectID string) Option {
	return func(cfg *resolverConfig) { cfg.project = strings.TrimSpace(projectID) }
}

func WithLogger(logger *zap.Logger) Option {
	return func(cfg *resolverConfig) { cfg.logger = logger }
}

// WithCacheTTL bounds how long a resolved value is reused. Zero keeps the default.
func WithCacheTTL(ttl time.Duration) Option {
	return func(cfg *resolverConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

func WithFallbackFile(path string) Option {
	return func(cfg *resolverConfig) { cfg.fallbackPath = strings.TrimSpace(path) }
}

func WithMeter(meter metric.Meter) Option {
	return func(cfg *resolverConfig) { cfg.meter = meter }
}

func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *resolverConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

func withClient(client accessClient) Option {
	return func(cfg *resolverConfig) { cfg.client = client }
}

func withClock(now func() time.Time) Option {
	return func(cfg *resolverConfig) { cfg.now = now }
}

// NewResolver builds a Resolver. A missing Secret Manager client is not fatal: references are then
// served from the fallback file only.
func NewResolver(ctx context.Context, opts ...Option) (*Resolver, error) {
	cfg := resolverConfig{
		ttl:          defaultCacheTTL,
		fallbackPath: defaultFallbackPath,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.meter == nil {
		cfg.meter = otel.GetMeterProvider().Meter(meterName)
	}

	r := &Resolver{
		client:       cfg.client,
		project:      cfg.project,
		logger:       cfg.logger.Named("secrets"),
		ttl:          cfg.ttl,
		now:          cfg.now,
		fallbackPath: cfg.fallbackPath,
		cache:        make(map[string]cachedSecret),
	}

	if r.client == nil && r.project != "" {
		client, err := newSecretManagerClient(ctx, cfg.clientOpts...)
		if err != nil {
			r.logger.Warn("secret manager unavailable, using fallback file only", zap.Error(err))
		} else {
			r.client = client
			r.ownsClient = true
		}
	}

	latency, err := cfg.meter.Float64Histogram(
		"secrets.resolve.duration",
		metric.WithDescription("Secret resolution latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		r.logger.Warn("unable to register secrets latency histogram", zap.Error(err))
	} else {
		r.latency = latency
	}
	return r, nil
}

// ResolveSecret returns the plaintext for ref.
func (r *Resolver) ResolveSecret(ctx context.Context, ref string) (string, error) {
	name, version, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	key := name + "@" + version

	if value, ok := r.cached(key); ok {
		return value, nil
	}

	start := r.now()
	source := "secret_manager"
	var value string
	if r.client != nil && r.project != "" {
		value, err = r.access(ctx, name, version)
		if err != nil && isUnreachable(err) {
			r.logger.Warn("secret manager access failed, trying fallback file",
				zap.String("secret", name), zap.Error(err))
			source = "fallback"
			value, err = r.fromFallback(name)
		}
	} else {
		source = "fallback"
		value, err = r.fromFallback(name)
	}
	r.record(ctx, start, source, err)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[key] = cachedSecret{value: value, expiresAt: r.now().Add(r.ttl)}
	r.mu.Unlock()
	return value, nil
}

// Invalidate drops every cached version of name, forcing the next lookup to go remote.
func (r *Resolver) Invalidate(ref string) {
	name, _, err := parseReference(ref)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.cache {
		if strings.HasPrefix(key, name+"@") {
			delete(r.cache, key)
		}
	}
}

// Close releases the Secret Manager client when the resolver created it.
func (r *Resolver) Close() error {
	if r == nil || r.client == nil || !r.ownsClient {
		return nil
	}
	return r.client.Close()
}

func (r *Resolver) cached(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[key]
	if !ok {
		return "", false
	}
	if !r.now().Before(entry.expiresAt) {
		delete(r.cache, key)
		return "", false
	}
	return entry.value, true
}

func (r *Resolver) access(ctx context.Context, name, version string) (string, error) {
	resource := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", r.project, name, version)
	resp, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
		}
		return "", fmt.Errorf("secrets: access %s: %w", name, err)
	}
	return strings.TrimSpace(string(resp.GetPayload().GetData())), nil
}

func (r *Resolver) fromFallback(name string) (string, error) {
	r.fallbackOnce.Do(func() {
		r.fallback, r.fallbackErr = loadFallbackFile(r.fallbackPath)
	})
	if r.fallbackErr != nil {
		return "", fmt.Errorf("secrets: read fallback file: %w", r.fallbackErr)
	}
	value, ok := r.fallback[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return value, nil
}

func (r *Resolver) record(ctx context.Context, start time.Time, source string, err error) {
	if r.latency == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.latency.Record(ctx, r.now().Sub(start).Seconds(), metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	))
}

// parseReference accepts secret://name and secret://name?version=N.
func parseReference(ref string) (string, string, error) {
	ref = strings.TrimSpace(ref)
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "secret" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	version := strings.TrimSpace(u.Query().Get("version"))
	if version == "" {
		version = "latest"
	}
	return name, version, nil
}

// loadFallbackFile reads name=value lines. Keys may carry the secret:// prefix. A missing file
// yields an empty set.
func loadFallbackFile(path string) (map[string]string, error) {
	values := make(map[string]string)
	if path == "" {
		return values, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return values, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimPrefix(strings.TrimSpace(key), "secret://")
		values[key] = strings.TrimSpace(value)
	}
	return values, scanner.Err()
}

func isUnreachable(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
