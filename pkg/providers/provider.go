// Package providers defines the capability contract every service
// integration implements, plus a registry the orchestrator resolves
// strategies from at runtime.
package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crawfishlabs/agentvault/pkg/domain"
)

var (
	// ErrUnknownService is returned when no provider is registered for a
	// service name.
	ErrUnknownService = errors.New("providers: unknown service")
	// ErrAuthNotSupported marks strategies whose authorization happens
	// out-of-band, like device-side permission stores.
	ErrAuthNotSupported = errors.New("providers: authenticate not supported")
)

// AuthRequest carries everything a strategy needs to produce a credential.
// Secret is caller-supplied material for static strategies; Code is the
// authorization code delivered by an OAuth redirect.
type AuthRequest struct {
	Service string
	Scopes  []string
	Org     string
	Team    string
	Secret  string
	Code    string
}

// TestResult reports a liveness probe. Valid with a non-empty Info can mean
// degraded, e.g. a device connection whose last sync is stale.
type TestResult struct {
	Valid bool   `json:"valid"`
	Info  string `json:"info,omitempty"`
}

// Provider is the capability contract. Test must not mutate credential
// state; the device strategy refreshing its own last-checked stamp is the
// single sanctioned exception.
type Provider interface {
	Name() string
	Method() domain.GrantMethod
	Authenticate(ctx context.Context, req AuthRequest) (*domain.Credential, error)
	Test(ctx context.Context, cred *domain.Credential) (TestResult, error)
	Revoke(ctx context.Context, cred *domain.Credential) (bool, error)
}

// AuthorizationURLBuilder is the optional capability OAuth strategies
// expose for building the provider consent URL.
type AuthorizationURLBuilder interface {
	AuthorizationURL(state string, scopes []string) (string, error)
}

// ConnectionInfo describes a device-side permission registered out-of-band.
type ConnectionInfo struct {
	Service  string
	Device   string
	LastSync time.Time
	Metadata domain.JSONMap
}

// ConnectionRegistrar is the optional capability device strategies expose
// in place of Authenticate.
type ConnectionRegistrar interface {
	RegisterConnection(ctx context.Context, info ConnectionInfo) (*domain.Credential, error)
}

// Registry maps service names to strategies. Resolution is by exact name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register binds a provider under service. Re-registering a name replaces
// the previous binding.
func (r *Registry) Register(service string, p Provider) error {
	if service == "" {
		return errors.New("providers: service name is required")
	}
	if p == nil {
		return errors.New("providers: provider is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[service] = p
	return nil
}

// Resolve returns the provider bound to service.
func (r *Registry) Resolve(service string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[service]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, service)
	}
	return p, nil
}

// Services lists registered service names, sorted for stable output.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
