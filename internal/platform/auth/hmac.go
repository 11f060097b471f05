package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Avnish-oP/veracious-sub001/internal/platform/httpx"
)

const (
	// RazorpaySignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
	RazorpaySignatureHeader = "X-Razorpay-Signature"
	// RazorpayEventIDHeader uniquely identifies a webhook delivery.
	RazorpayEventIDHeader = "X-Razorpay-Event-Id"

	defaultEventTTL = 24 * time.Hour
)

// SecretProvider resolves shared secrets used for HMAC validation.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to the SecretProvider interface.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// NonceStore tracks webhook deliveries for replay suppression.
type NonceStore interface {
	// UseNonce records the nonce within scope. It reports false when the nonce was already recorded.
	UseNonce(ctx context.Context, scope, nonce string, ttl time.Duration) (bool, error)
	// ReleaseNonce forgets a nonce so a redelivery is processed again.
	ReleaseNonce(ctx context.Context, scope, nonce string) error
}

// InMemoryNonceStore offers an in-process nonce registry for tests and local development.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	now    func() time.Time
	nonces map[string]time.Time
}

// NewInMemoryNonceStore constructs the store.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{now: time.Now, nonces: make(map[string]time.Time)}
}

// UseNonce implements NonceStore.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, ttl time.Duration) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	key := scope + "::" + nonce

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.nonces {
		if !exp.After(now) {
			delete(s.nonces, k)
		}
	}
	if _, ok := s.nonces[key]; ok {
		return false, nil
	}
	s.nonces[key] = now.Add(ttl)
	return true, nil
}

// ReleaseNonce implements NonceStore.
func (s *InMemoryNonceStore) ReleaseNonce(_ context.Context, scope, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nonces, scope+"::"+nonce)
	return nil
}

// RedisNonceStore records deliveries with SET NX so replays are caught across instances.
type RedisNonceStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisNonceStore constructs a Redis backed nonce store.
func NewRedisNonceStore(client redis.UniversalClient, prefix string) *RedisNonceStore {
	if prefix == "" {
		prefix = "webhook"
	}
	return &RedisNonceStore{client: client, prefix: prefix}
}

// UseNonce implements NonceStore.
func (s *RedisNonceStore) UseNonce(ctx context.Context, scope, nonce string, ttl time.Duration) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	stored, err := s.client.SetNX(ctx, s.key(scope, nonce), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("auth: redis setnx: %w", err)
	}
	return stored, nil
}

// ReleaseNonce implements NonceStore.
func (s *RedisNonceStore) ReleaseNonce(ctx context.Context, scope, nonce string) error {
	if err := s.client.Del(ctx, s.key(scope, nonce)).Err(); err != nil {
		return fmt.Errorf("auth: redis del: %w", err)
	}
	return nil
}

func (s *RedisNonceStore) key(scope, nonce string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, scope, nonce)
}

// WebhookVerifier authenticates payment gateway webhooks signed with a shared secret over the raw body.
type WebhookVerifier struct {
	provider SecretProvider
	nonces   NonceStore

	logger  *zap.Logger
	metrics MetricsRecorder
	now     func() time.Time

	signatureHeader string
	eventIDHeader   string
	eventTTL        time.Duration
}

// WebhookOption customises the verifier.
type WebhookOption func(*WebhookVerifier)

// NewWebhookVerifier builds a verifier. A nil nonce store disables replay suppression.
func NewWebhookVerifier(provider SecretProvider, nonces NonceStore, opts ...WebhookOption) *WebhookVerifier {
	v := &WebhookVerifier{
		provider:        provider,
		nonces:          nonces,
		logger:          zap.NewNop(),
		now:             time.Now,
		signatureHeader: RazorpaySignatureHeader,
		eventIDHeader:   RazorpayEventIDHeader,
		eventTTL:        defaultEventTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// WithWebhookLogger overrides the verifier logger.
func WithWebhookLogger(logger *zap.Logger) WebhookOption {
	return func(v *WebhookVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithWebhookMetrics sets the metrics recorder.
func WithWebhookMetrics(metrics MetricsRecorder) WebhookOption {
	return func(v *WebhookVerifier) {
		v.metrics = metrics
	}
}

// WithWebhookClock injects a custom clock.
func WithWebhookClock(now func() time.Time) WebhookOption {
	return func(v *WebhookVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithWebhookHeaders customises the signature and delivery id headers.
func WithWebhookHeaders(signature, eventID string) WebhookOption {
	return func(v *WebhookVerifier) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if eventID != "" {
			v.eventIDHeader = eventID
		}
	}
}

// WithWebhookEventTTL customises how long delivery ids are remembered.
func WithWebhookEventTTL(d time.Duration) WebhookOption {
	return func(v *WebhookVerifier) {
		if d > 0 {
			v.eventTTL = d
		}
	}
}

// WebhookMetadata describes the verified delivery for downstream handlers.
type WebhookMetadata struct {
	SecretName string
	EventID    string
	Body       []byte
}

type webhookContextKey struct{}

// WithWebhookMetadata stores the metadata on the context.
func WithWebhookMetadata(ctx context.Context, meta *WebhookMetadata) context.Context {
	if meta == nil {
		return ctx
	}
	return context.WithValue(ctx, webhookContextKey{}, meta)
}

// WebhookMetadataFromContext retrieves metadata from the context.
func WebhookMetadataFromContext(ctx context.Context) (*WebhookMetadata, bool) {
	meta, ok := ctx.Value(webhookContextKey{}).(*WebhookMetadata)
	if !ok || meta == nil {
		return nil, false
	}
	return meta, true
}

// RequireSignature enforces a valid body signature. Redelivered events are acknowledged with 200
// without reaching next, so gateways stop retrying. A 5xx from next releases the delivery id so the
// gateway's retry is processed.
func (v *WebhookVerifier) RequireSignature(secretName string) func(http.Handler) http.Handler {
	scopedSecret := strings.TrimSpace(secretName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			secret, err := v.loadSecret(ctx, scopedSecret)
			if err != nil {
				v.logger.Error("webhook secret lookup failed", zap.String("secret", scopedSecret), zap.Error(err))
				v.record(ctx, false, "secret_unavailable", start)
				respondAuthError(w, r, http.StatusServiceUnavailable, "verification_unavailable", "webhook secret unavailable")
				return
			}

			signatureValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
			if signatureValue == "" {
				v.record(ctx, false, "signature_missing", start)
				respondAuthError(w, r, http.StatusUnauthorized, "signature_missing", "signature header missing")
				return
			}
			signature, err := hex.DecodeString(signatureValue)
			if err != nil {
				v.record(ctx, false, "signature_invalid", start)
				respondAuthError(w, r, http.StatusUnauthorized, "signature_invalid", "signature encoding invalid")
				return
			}

			body, err := readAndRestoreBody(r)
			if err != nil {
				v.record(ctx, false, "body_unreadable", start)
				respondAuthError(w, r, http.StatusBadRequest, "invalid_body", "unable to read body for signature verification")
				return
			}

			if !hmac.Equal(signature, ComputeHMAC(secret, body)) {
				v.record(ctx, false, "signature_mismatch", start)
				respondAuthError(w, r, http.StatusUnauthorized, "signature_mismatch", "signature verification failed")
				return
			}

			eventID := strings.TrimSpace(r.Header.Get(v.eventIDHeader))
			if eventID != "" && v.nonces != nil {
				stored, err := v.nonces.UseNonce(ctx, scopedSecret, eventID, v.eventTTL)
				if err != nil {
					v.logger.Error("webhook nonce store failed", zap.Error(err))
					v.record(ctx, false, "nonce_store_error", start)
					respondAuthError(w, r, http.StatusServiceUnavailable, "verification_unavailable", "nonce storage error")
					return
				}
				if !stored {
					v.record(ctx, true, "duplicate", start)
					httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
					return
				}
			}

			meta := &WebhookMetadata{SecretName: scopedSecret, EventID: eventID, Body: body}
			v.record(ctx, true, "ok", start)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(WithWebhookMetadata(ctx, meta)))
			if ww.Status() >= http.StatusInternalServerError && eventID != "" && v.nonces != nil {
				if err := v.nonces.ReleaseNonce(ctx, scopedSecret, eventID); err != nil {
					v.logger.Warn("webhook nonce release failed", zap.String("event_id", eventID), zap.Error(err))
				}
			}
		})
	}
}

func (v *WebhookVerifier) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "webhook", success, reason, v.now().Sub(start))
}

func (v *WebhookVerifier) loadSecret(ctx context.Context, name string) ([]byte, error) {
	if name == "" {
		return nil, errors.New("auth: webhook secret name not configured")
	}
	if v.provider == nil {
		return nil, errors.New("auth: secret provider not configured")
	}
	raw, err := v.provider.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, errors.New("auth: secret is empty")
	}
	return []byte(raw), nil
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	buf, err := io.ReadAll(io.LimitReader(r.Body, httpx.MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(buf)) > httpx.MaxBodyBytes {
		return nil, httpx.ErrBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

// ComputeHMAC returns the HMAC-SHA256 of message keyed by secret.
func ComputeHMAC(secret []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
