package auth

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webhookSecretName = "payments/razorpay/webhook"

type mapSecretProvider map[string]string

func (m mapSecretProvider) GetSecret(_ context.Context, name string) (string, error) {
	if secret, ok := m[name]; ok {
		return secret, nil
	}
	return "", fmt.Errorf("secret %s not found", name)
}

func signedWebhook(t *testing.T, secret string, body []byte, eventID string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/razorpay", bytes.NewReader(body))
	req.Header.Set(RazorpaySignatureHeader, hex.EncodeToString(ComputeHMAC([]byte(secret), body)))
	if eventID != "" {
		req.Header.Set(RazorpayEventIDHeader, eventID)
	}
	return req
}

func TestRequireSignature_Success(t *testing.T) {
	metrics := &recordingMetrics{}
	verifier := NewWebhookVerifier(mapSecretProvider{webhookSecretName: "whsec"}, NewInMemoryNonceStore(), WithWebhookMetrics(metrics))

	body := []byte(`{"event":"payment.captured"}`)
	rr := httptest.NewRecorder()
	verifier.RequireSignature(webhookSecretName)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta, ok := WebhookMetadataFromContext(r.Context())
		require.True(t, ok)
		assert.Equal(t, "evt_1", meta.EventID)
		assert.Equal(t, body, meta.Body)
		again, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, body, again)
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rr, signedWebhook(t, "whsec", body, "evt_1"))

	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, verificationRecord{kind: "webhook", success: true, reason: "ok"}, metrics.last())
}

func TestRequireSignature_Mismatch(t *testing.T) {
	metrics := &recordingMetrics{}
	verifier := NewWebhookVerifier(mapSecretProvider{webhookSecretName: "whsec"}, nil, WithWebhookMetrics(metrics))

	rr := httptest.NewRecorder()
	verifier.RequireSignature(webhookSecretName)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not be called")
	})).ServeHTTP(rr, signedWebhook(t, "other-secret", []byte(`{}`), ""))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "signature_mismatch", metrics.last().reason)
}

func TestRequireSignature_MissingAndMalformedHeader(t *testing.T) {
	verifier := NewWebhookVerifier(mapSecretProvider{webhookSecretName: "whsec"}, nil)
	handler := verifier.RequireSignature(webhookSecretName)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not be called")
	}))

	for _, header := range []string{"", "zz-not-hex"} {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/razorpay", bytes.NewReader([]byte(`{}`)))
		if header != "" {
			req.Header.Set(RazorpaySignatureHeader, header)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, "header %q", header)
	}
}

func TestRequireSignature_SecretUnavailable(t *testing.T) {
	verifier := NewWebhookVerifier(mapSecretProvider{}, nil)
	rr := httptest.NewRecorder()
	verifier.RequireSignature(webhookSecretName)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not be called")
	})).ServeHTTP(rr, signedWebhook(t, "whsec", []byte(`{}`), ""))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRequireSignature_DuplicateDeliveryAcknowledged(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	verifier := NewWebhookVerifier(mapSecretProvider{webhookSecretName: "whsec"}, NewRedisNonceStore(client, "test"))
	calls := 0
	handler := verifier.RequireSignature(webhookSecretName)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	body := []byte(`{"event":"payment.failed"}`)
	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, signedWebhook(t, "whsec", body, "evt_dup"))
		assert.Equal(t, http.StatusOK, rr.Code)
	}
	assert.Equal(t, 1, calls)
	assert.True(t, mr.Exists("test:"+webhookSecretName+":evt_dup"))
}

func TestInMemoryNonceStore_Expiry(t *testing.T) {
	store := NewInMemoryNonceStore()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	stored, err := store.UseNonce(ctx, "scope", "n1", time.Minute)
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = store.UseNonce(ctx, "scope", "n1", time.Minute)
	require.NoError(t, err)
	assert.False(t, stored)

	now = now.Add(2 * time.Minute)
	stored, err = store.UseNonce(ctx, "scope", "n1", time.Minute)
	require.NoError(t, err)
	assert.True(t, stored)

	_, err = store.UseNonce(ctx, "", "n1", time.Minute)
	assert.Error(t, err)

	require.NoError(t, store.ReleaseNonce(ctx, "scope", "n1"))
	stored, err = store.UseNonce(ctx, "scope", "n1", time.Minute)
	require.NoError(t, err)
	assert.True(t, stored)
}

func TestRequireSignature_ServerErrorReleasesDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	verifier := NewWebhookVerifier(mapSecretProvider{webhookSecretName: "whsec"}, NewRedisNonceStore(client, "test"))
	statuses := []int{http.StatusServiceUnavailable, http.StatusOK}
	calls := 0
	handler := verifier.RequireSignature(webhookSecretName)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(statuses[calls])
		calls++
	}))

	body := []byte(`{"event":"payment.captured"}`)
	for _, want := range statuses {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, signedWebhook(t, "whsec", body, "evt_retry"))
		assert.Equal(t, want, rr.Code)
	}
	assert.Equal(t, 2, calls)
	assert.True(t, mr.Exists("test:"+webhookSecretName+":evt_retry"))
}
