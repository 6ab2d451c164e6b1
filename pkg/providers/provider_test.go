package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/crawfishlabs/agentvault/pkg/domain"
)

type stubProvider struct {
	BaseProvider
}

func (s *stubProvider) Authenticate(context.Context, AuthRequest) (*domain.Credential, error) {
	return &domain.Credential{Kind: domain.KindAPIKey}, nil
}

func (s *stubProvider) Test(context.Context, *domain.Credential) (TestResult, error) {
	return TestResult{Valid: true}, nil
}

func (s *stubProvider) Revoke(context.Context, *domain.Credential) (bool, error) {
	return false, nil
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	p := &stubProvider{BaseProvider: NewBaseProvider("github", domain.MethodOAuth, nil)}
	if err := reg.Register("github", p); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := reg.Resolve("github")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Name() != "github" || got.Method() != domain.MethodOAuth {
		t.Fatalf("unexpected provider: %s/%s", got.Name(), got.Method())
	}

	if _, err := reg.Resolve("unknown"); !errors.Is(err, ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}
}

func TestRegistryServicesSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"strava", "github", "linear"} {
		reg.Register(name, &stubProvider{BaseProvider: NewBaseProvider(name, domain.MethodAPIKey, nil)})
	}
	names := reg.Services()
	want := []string{"github", "linear", "strava"}
	if len(names) != len(want) {
		t.Fatalf("expected %d names, got %v", len(want), names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected sorted names %v, got %v", want, names)
		}
	}
}
