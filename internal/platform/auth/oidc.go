package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

const oidcKind = "oidc"

// MetricsRecorder records verification outcomes for observability.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

// ServiceIdentity is the scheduler service account that called an internal job endpoint.
type ServiceIdentity struct {
	Subject string
	Email   string
	Issuer  string
}

type serviceIdentityContextKey struct{}

// WithServiceIdentity attaches the verified service identity to the request context.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityContextKey{}, identity)
}

// ServiceIdentityFromContext retrieves the identity stored by RequireOIDC.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityContextKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// schedulerClaims is the subset of a Google-signed ID token the internal routes care about.
type schedulerClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// oidcRejection describes why a token was refused; reason feeds the verification metric.
type oidcRejection struct {
	status  int
	code    string
	reason  string
	message string
}

// OIDCValidator guards the internal job endpoints (pending-order sweep) invoked by Cloud Scheduler.
type OIDCValidator struct {
	cache   *JWKSCache
	logger  *zap.Logger
	metrics MetricsRecorder
	now     func() time.Time
}

// OIDCOption customises the validator.
type OIDCOption func(*OIDCValidator)

func NewOIDCValidator(cache *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	v := &OIDCValidator{cache: cache, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// WithOIDCLogger overrides the validator logger.
func WithOIDCLogger(logger *zap.Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithOIDCMetrics sets the metrics recorder.
func WithOIDCMetrics(recorder MetricsRecorder) OIDCOption {
	return func(v *OIDCValidator) { v.metrics = recorder }
}

// WithOIDCClock injects a custom clock.
func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// RequireOIDC admits requests bearing an RS256 token minted for audience. When issuers is empty any
// issuer is accepted.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	trusted := make(map[string]bool, len(issuers))
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			trusted[issuer] = true
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := v.now()
			identity, rejection := v.verify(r, audience, trusted)
			if rejection != nil {
				v.record(r.Context(), false, rejection.reason, started)
				respondAuthError(w, r, rejection.status, rejection.code, rejection.message)
				return
			}
			v.record(r.Context(), true, "ok", started)
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(r.Context(), identity)))
		})
	}
}

func (v *OIDCValidator) verify(r *http.Request, audience string, trusted map[string]bool) (*ServiceIdentity, *oidcRejection) {
	if audience == "" || v.cache == nil {
		return nil, &oidcRejection{http.StatusServiceUnavailable, "verification_unavailable", "not_configured", "oidc verification not configured"}
	}
	raw, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, &oidcRejection{http.StatusUnauthorized, "unauthenticated", "token_missing", "oidc token missing"}
	}

	var claims schedulerClaims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if _, err := parser.ParseWithClaims(raw, &claims, v.cache.Keyfunc(r.Context())); err != nil {
		rejection := &oidcRejection{http.StatusUnauthorized, "invalid_token", "token_invalid", "oidc token verification failed"}
		if errors.Is(err, ErrJWKSFetchFailed) {
			rejection.status, rejection.reason = http.StatusServiceUnavailable, "jwks_unavailable"
		}
		v.logger.Warn("oidc verification failed", zap.String("reason", rejection.reason), zap.Error(err))
		return nil, rejection
	}
	if len(trusted) > 0 && !trusted[claims.Issuer] {
		return nil, &oidcRejection{http.StatusUnauthorized, "invalid_token", "issuer_mismatch", "oidc issuer mismatch"}
	}
	if !claims.VerifyAudience(audience, true) {
		return nil, &oidcRejection{http.StatusUnauthorized, "invalid_token", "audience_mismatch", "oidc audience mismatch"}
	}
	return &ServiceIdentity{Subject: claims.Subject, Email: claims.Email, Issuer: claims.Issuer}, nil
}

func (v *OIDCValidator) record(ctx context.Context, success bool, reason string, started time.Time) {
	if v.metrics != nil {
		v.metrics.RecordVerification(ctx, oidcKind, success, reason, v.now().Sub(started))
	}
}
