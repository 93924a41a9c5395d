package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const webhookResource = "projects/ceracotta/secrets/stripe_webhook_secret/versions/latest"

func writeFallback(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fallback: %v", err)
	}
	return path
}

func TestResolveSecretCachesRemoteValue(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values[webhookResource] = "whsec_remote"

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithProject("ceracotta"), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	for i := 0; i < 2; i++ {
		got, err := fetcher.ResolveSecret(ctx, "secret://stripe_webhook_secret")
		if err != nil {
			t.Fatalf("ResolveSecret: %v", err)
		}
		if got != "whsec_remote" {
			t.Fatalf("expected remote value, got %q", got)
		}
	}
	if calls := client.callCount(webhookResource); calls != 1 {
		t.Fatalf("expected one remote fetch, got %d", calls)
	}
}

func TestResolveSecretHonoursVersionAndProjectOverride(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	resource := "projects/other/secrets/jwt_secret/versions/3"
	client.values[resource] = "pinned"

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithProject("ceracotta"))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	got, err := fetcher.ResolveSecret(ctx, "secret://jwt_secret?version=3&project=other")
	if err != nil {
		t.Fatalf("ResolveSecret: %v", err)
	}
	if got != "pinned" || client.callCount(resource) != 1 {
		t.Fatalf("expected pinned version from other project, got %q", got)
	}
}

func TestResolveSecretFallsBackOnPermissionDenied(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.errors[webhookResource] = status.Error(codes.PermissionDenied, "denied")
	path := writeFallback(t, "# local development\nsm://stripe_webhook_secret = whsec_local\n")

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithProject("ceracotta"), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	got, err := fetcher.ResolveSecret(ctx, "secret://stripe_webhook_secret")
	if err != nil {
		t.Fatalf("ResolveSecret: %v", err)
	}
	if got != "whsec_local" {
		t.Fatalf("expected fallback value, got %q", got)
	}
}

func TestResolveSecretDoesNotFallBackOnNotFound(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	path := writeFallback(t, "secret://stripe_webhook_secret=whsec_local\n")

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithProject("ceracotta"), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	if _, err := fetcher.ResolveSecret(ctx, "secret://stripe_webhook_secret"); status.Code(errors.Unwrap(err)) != codes.NotFound {
		t.Fatalf("expected not found to surface, got %v", err)
	}
}

func TestResolveSecretWithoutCredentialsUsesFallback(t *testing.T) {
	ctx := context.Background()
	original := secretManagerClientFactory
	secretManagerClientFactory = func(context.Context, ...option.ClientOption) (secretManagerClient, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { secretManagerClientFactory = original })

	path := writeFallback(t, "secret://jwt_secret=local-jwt\n")
	fetcher, err := NewFetcher(ctx, WithProject("ceracotta"), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	got, err := fetcher.ResolveSecret(ctx, "secret://jwt_secret")
	if err != nil || got != "local-jwt" {
		t.Fatalf("expected local-jwt, got %q (%v)", got, err)
	}
	if _, err := fetcher.ResolveSecret(ctx, "secret://unknown"); err == nil {
		t.Fatal("expected error for secret missing from fallback")
	}
}

func TestParseReferenceRejectsOtherSchemes(t *testing.T) {
	for _, ref := range []string{"", "https://example.com/x", "secret://"} {
		if _, err := parseReference(ref); err == nil {
			t.Fatalf("expected %q to be rejected", ref)
		}
	}
}

type fakeSecretClient struct {
	mu      sync.Mutex
	values  map[string]string
	errors  map[string]error
	counter map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{
		values:  make(map[string]string),
		errors:  make(map[string]error),
		counter: make(map[string]int),
	}
}

func (f *fakeSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := req.GetName()
	f.counter[name]++
	if err := f.errors[name]; err != nil {
		return nil, err
	}
	if value, ok := f.values[name]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{
			Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
		}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (f *fakeSecretClient) Close() error { return nil }

func (f *fakeSecretClient) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter[name]
}
