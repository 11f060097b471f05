package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const razorpayResource = "projects/shop-prod/secrets/razorpay_key_secret/versions/latest"

func TestResolveSecretCachesRemoteValue(t *testing.T) {
	ctx := context.Background()
	client := newFakeAccessClient()
	client.values[razorpayResource] = "rzp-secret\n"

	resolver, err := NewResolver(ctx, withClient(client), WithProject("shop-prod"), WithFallbackFile(""))
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	defer resolver.Close()

	for range 3 {
		got, err := resolver.ResolveSecret(ctx, "secret://razorpay_key_secret")
		if err != nil {
			t.Fatalf("ResolveSecret: %v", err)
		}
		if got != "rzp-secret" {
			t.Fatalf("expected trimmed rzp-secret, got %q", got)
		}
	}
	if calls := client.calls(razorpayResource); calls != 1 {
		t.Fatalf("expected one remote access, got %d", calls)
	}
}

func TestResolveSecretRefreshesAfterTTL(t *testing.T) {
	ctx := context.Background()
	client := newFakeAccessClient()
	client.values[razorpayResource] = "v1"

	now := time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC)
	resolver, err := NewResolver(ctx,
		withClient(client),
		WithProject("shop-prod"),
		WithCacheTTL(time.Minute),
		withClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	if _, err := resolver.ResolveSecret(ctx, "secret://razorpay_key_secret"); err != nil {
		t.Fatalf("ResolveSecret: %v", err)
	}
	client.setValue(razorpayResource, "v2")
	now = now.Add(2 * time.Minute)

	got, err := resolver.ResolveSecret(ctx, "secret://razorpay_key_secret")
	if err != nil {
		t.Fatalf("ResolveSecret: %v", err)
	}
	if got != "v2" {
		t.Fatalf("expected refreshed v2, got %q", got)
	}
}

func TestResolveSecretPinnedVersion(t *testing.T) {
	ctx := context.Background()
	client := newFakeAccessClient()
	client.values["projects/shop-prod/secrets/stripe_api_key/versions/4"] = "sk_pinned"

	resolver, err := NewResolver(ctx, withClient(client), WithProject("shop-prod"))
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	got, err := resolver.ResolveSecret(ctx, "secret://stripe_api_key?version=4")
	if err != nil {
		t.Fatalf("ResolveSecret: %v", err)
	}
	if got != "sk_pinned" {
		t.Fatalf("expected sk_pinned, got %q", got)
	}
}

func TestResolveSecretFallsBackWhenUnreachable(t *testing.T) {
	ctx := context.Background()
	path := writeFallback(t, "# local overrides\nsecret://razorpay_webhook_secret=whsec_local\ndatabase_url = postgres://localhost/shop\n")

	client := newFakeAccessClient()
	client.errs["projects/shop-prod/secrets/razorpay_webhook_secret/versions/latest"] = status.Error(codes.PermissionDenied, "denied")

	resolver, err := NewResolver(ctx, withClient(client), WithProject("shop-prod"), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	got, err := resolver.ResolveSecret(ctx, "secret://razorpay_webhook_secret")
	if err != nil {
		t.Fatalf("ResolveSecret: %v", err)
	}
	if got != "whsec_local" {
		t.Fatalf("expected fallback value, got %q", got)
	}
}

func TestResolveSecretNotFoundDoesNotFallBack(t *testing.T) {
	ctx := context.Background()
	path := writeFallback(t, "missing=local\n")

	resolver, err := NewResolver(ctx, withClient(newFakeAccessClient()), WithProject("shop-prod"), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	if _, err := resolver.ResolveSecret(ctx, "secret://missing"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("expected ErrSecretNotFound, got %v", err)
	}
}

func TestResolveSecretWithoutProjectUsesFallbackOnly(t *testing.T) {
	ctx := context.Background()
	original := newSecretManagerClient
	newSecretManagerClient = func(context.Context, ...option.ClientOption) (accessClient, error) {
		t.Fatalf("client must not be constructed without a project")
		return nil, nil
	}
	t.Cleanup(func() { newSecretManagerClient = original })

	path := writeFallback(t, "database_url=postgres://localhost/shop\n")
	resolver, err := NewResolver(ctx, WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	got, err := resolver.ResolveSecret(ctx, "secret://database_url")
	if err != nil {
		t.Fatalf("ResolveSecret: %v", err)
	}
	if got != "postgres://localhost/shop" {
		t.Fatalf("unexpected value %q", got)
	}
	if err := resolver.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNewResolverToleratesClientFailure(t *testing.T) {
	original := newSecretManagerClient
	newSecretManagerClient = func(context.Context, ...option.ClientOption) (accessClient, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { newSecretManagerClient = original })

	path := writeFallback(t, "razorpay_key_secret=local\n")
	resolver, err := NewResolver(context.Background(), WithProject("shop-prod"), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	got, err := resolver.ResolveSecret(context.Background(), "secret://razorpay_key_secret")
	if err != nil || got != "local" {
		t.Fatalf("expected fallback value, got %q err=%v", got, err)
	}
}

func TestInvalidateForcesRemoteFetch(t *testing.T) {
	ctx := context.Background()
	client := newFakeAccessClient()
	client.values[razorpayResource] = "v1"

	resolver, err := NewResolver(ctx, withClient(client), WithProject("shop-prod"))
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	if _, err := resolver.ResolveSecret(ctx, "secret://razorpay_key_secret"); err != nil {
		t.Fatalf("ResolveSecret: %v", err)
	}
	resolver.Invalidate("secret://razorpay_key_secret")
	if _, err := resolver.ResolveSecret(ctx, "secret://razorpay_key_secret"); err != nil {
		t.Fatalf("ResolveSecret: %v", err)
	}
	if calls := client.calls(razorpayResource); calls != 2 {
		t.Fatalf("expected two remote accesses, got %d", calls)
	}
}

func TestParseReference(t *testing.T) {
	cases := []struct {
		ref     string
		name    string
		version string
		wantErr bool
	}{
		{ref: "secret://razorpay_key_secret", name: "razorpay_key_secret", version: "latest"},
		{ref: " secret://stripe_api_key?version=7 ", name: "stripe_api_key", version: "7"},
		{ref: "sm://razorpay_key_secret", wantErr: true},
		{ref: "secret://", wantErr: true},
		{ref: "secret://a/b", wantErr: true},
		{ref: "plain-value", wantErr: true},
	}
	for _, tc := range cases {
		name, version, err := parseReference(tc.ref)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidReference) {
				t.Fatalf("%q: expected ErrInvalidReference, got %v", tc.ref, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: unexpected error %v", tc.ref, err)
		}
		if name != tc.name || version != tc.version {
			t.Fatalf("%q: got %s@%s", tc.ref, name, version)
		}
	}
}

func writeFallback(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fallback: %v", err)
	}
	return path
}

type fakeAccessClient struct {
	mu      sync.Mutex
	values  map[string]string
	errs    map[string]error
	counter map[string]int
}

func newFakeAccessClient() *fakeAccessClient {
	return &fakeAccessClient{
		values:  make(map[string]string),
		errs:    make(map[string]error),
		counter: make(map[string]int),
	}
}

func (f *fakeAccessClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := req.GetName()
	f.counter[name]++
	if err := f.errs[name]; err != nil {
		return nil, err
	}
	if value, ok := f.values[name]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{
			Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
		}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (f *fakeAccessClient) Close() error { return nil }

func (f *fakeAccessClient) setValue(name, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[name] = value
}

func (f *fakeAccessClient) calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter[name]
}
