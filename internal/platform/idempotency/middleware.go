package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Avnish-oP/veracious-sub001/internal/platform/auth"
	"github.com/Avnish-oP/veracious-sub001/internal/platform/httpx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "X-Idempotent-Replay"
	maxKeyLength      = 255
	anonymousScope    = "anonymous"
)

type clockFunc func() time.Time

// guard holds the middleware settings and the store it reserves keys in.
type guard struct {
	store      Store
	headerName string
	ttl        time.Duration
	methods    map[string]bool
	clock      clockFunc
	logger     *zap.Logger
	required   bool
}

// MiddlewareOption customises middleware behaviour.
type MiddlewareOption func(*guard)

// WithHeader overrides the header carrying the key.
func WithHeader(name string) MiddlewareOption {
	return func(g *guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.headerName = name
		}
	}
}

// WithTTL sets how long a completed response stays replayable.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(g *guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithMethods restricts the guarded HTTP methods. Blank entries are ignored.
func WithMethods(methods ...string) MiddlewareOption {
	return func(g *guard) {
		set := make(map[string]bool, len(methods))
		for _, method := range methods {
			if method = strings.ToUpper(strings.TrimSpace(method)); method != "" {
				set[method] = true
			}
		}
		if len(set) > 0 {
			g.methods = set
		}
	}
}

// WithLogger injects a logger for persistence errors.
func WithLogger(logger *zap.Logger) MiddlewareOption {
	return func(g *guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithRequiredKey answers 400 to guarded requests that omit the header.
func WithRequiredKey() MiddlewareOption {
	return func(g *guard) { g.required = true }
}

// WithClock overrides the time source.
func WithClock(clock clockFunc) MiddlewareOption {
	return func(g *guard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// Middleware makes retried checkout calls safe: a repeated key with the same request replays the
// first response, a key still in flight answers 409 and a key reused for another request 422.
// Responses with a 5xx status are discarded so a retry runs the handler again.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	g := &guard{
		store:      store,
		headerName: defaultHeaderName,
		ttl:        DefaultTTL,
		methods:    map[string]bool{http.MethodPost: true, http.MethodPut: true, http.MethodPatch: true, http.MethodDelete: true},
		clock:      time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.serve(next, w, r)
		})
	}
}

func (g *guard) serve(next http.Handler, w http.ResponseWriter, r *http.Request) {
	if !g.methods[r.Method] {
		next.ServeHTTP(w, r)
		return
	}
	key := strings.TrimSpace(r.Header.Get(g.headerName))
	switch {
	case key == "" && g.required:
		reject(w, r, http.StatusBadRequest, "idempotency_key_required", "missing idempotency key header")
		return
	case key == "":
		next.ServeHTTP(w, r)
		return
	case len(key) > maxKeyLength:
		reject(w, r, http.StatusBadRequest, "idempotency_key_invalid", "idempotency key too long")
		return
	}

	body, err := bufferBody(r)
	switch {
	case errors.Is(err, httpx.ErrBodyTooLarge):
		reject(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
		return
	case err != nil:
		reject(w, r, http.StatusBadRequest, "idempotency_read_body_failed", "unable to read request body")
		return
	}

	requester := extractRequester(r.Context())
	storeKey := scopedKey(key, requester)
	fingerprint := requestFingerprint(r, body, requester)
	logger := g.logger.With(zap.String("key", key), zap.String("requester", requester))

	reservation, err := g.store.Reserve(r.Context(), storeKey, fingerprint, g.clock().UTC(), g.ttl)
	switch {
	case errors.Is(err, ErrFingerprintMismatch):
		reject(w, r, http.StatusUnprocessableEntity, "idempotency_key_conflict", "idempotency key already used for a different request")
		return
	case err != nil:
		logger.Error("idempotency store error", zap.Error(err))
		reject(w, r, http.StatusServiceUnavailable, "idempotency_store_error", "unable to process idempotency key")
		return
	}

	switch reservation.State {
	case ReservationStateNew:
	case ReservationStateCompleted:
		replay(w, reservation.Record)
		return
	case ReservationStatePending:
		reject(w, r, http.StatusConflict, "idempotency_in_progress", "another request is processing this idempotency key")
		return
	default:
		reject(w, r, http.StatusInternalServerError, "idempotency_unknown_state", "unexpected idempotency state")
		return
	}

	rec := newResponseRecorder()
	next.ServeHTTP(rec, r)
	resp := rec.response()

	if resp.Status < http.StatusInternalServerError {
		if err := g.store.SaveResponse(r.Context(), storeKey, fingerprint, resp, g.clock().UTC(), g.ttl); err != nil {
			// the order already exists; deliver the response and let the key lapse
			logger.Error("idempotency save failed", zap.Error(err))
			g.release(r.Context(), logger, storeKey, fingerprint)
		}
	} else {
		g.release(r.Context(), logger, storeKey, fingerprint)
	}
	if err := rec.flushTo(w); err != nil {
		logger.Warn("idempotency flush failed", zap.Error(err))
	}
}

func (g *guard) release(ctx context.Context, logger *zap.Logger, key, fingerprint string) {
	if err := g.store.Release(ctx, key, fingerprint); err != nil {
		logger.Warn("idempotency release failed", zap.Error(err))
	}
}

// bufferBody reads the body, bounded by httpx.MaxBodyBytes, and puts a re-readable copy back.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, httpx.MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > httpx.MaxBodyBytes {
		return nil, httpx.ErrBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// requestFingerprint binds a key to method, path, query, requester and body.
func requestFingerprint(r *http.Request, body []byte, requester string) string {
	bodyHash := ""
	if len(body) > 0 {
		bodyHash = sha256Hex(body)
	}
	parts := []string{strings.ToUpper(r.Method), r.URL.Path, r.URL.RawQuery, requester, bodyHash}
	return sha256Hex([]byte(strings.Join(parts, "|")))
}

func extractRequester(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity.UID != "" {
		return identity.UID
	}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc.Subject != "" {
		return svc.Subject
	}
	return anonymousScope
}

// scopedKey namespaces client keys per requester so two shoppers cannot collide.
func scopedKey(key, requester string) string {
	if requester = strings.TrimSpace(requester); requester == "" {
		requester = anonymousScope
	}
	if key = strings.TrimSpace(key); key == "" {
		return requester
	}
	return key + "|" + requester
}

func replay(w http.ResponseWriter, record Record) {
	header := w.Header()
	clear(header)
	for name, values := range record.ResponseHeaders {
		header[name] = append([]string(nil), values...)
	}
	header.Set(replayHeaderName, "true")
	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(record.ResponseBody) > 0 {
		_, _ = w.Write(record.ResponseBody)
	}
}

func reject(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, status))
}
