// Package device implements the device-side strategy for permission stores
// that live on the user's hardware, like the phone's health database. No
// server-side flow exists: Authenticate always fails and connections are
// registered out-of-band instead.
package device

import (
	"context"
	"fmt"
	"time"

	"github.com/crawfishlabs/agentvault/pkg/domain"
	"github.com/crawfishlabs/agentvault/pkg/interfaces/logger"
	"github.com/crawfishlabs/agentvault/pkg/providers"
)

// StalenessThreshold is how old the last device sync may be before Test
// flags the connection as stale. Stale is degraded, not invalid.
const StalenessThreshold = 48 * time.Hour

type Provider struct {
	providers.BaseProvider
	staleness time.Duration
	now       func() time.Time
}

var (
	_ providers.Provider            = (*Provider)(nil)
	_ providers.ConnectionRegistrar = (*Provider)(nil)
)

// Option tweaks a device provider.
type Option func(*Provider)

// WithStaleness overrides the sync staleness threshold.
func WithStaleness(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.staleness = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// NewHealthKit builds the strategy for the phone's health-data store.
func NewHealthKit(log logger.Logger, opts ...Option) *Provider {
	return newProvider("healthkit", log, opts...)
}

func newProvider(name string, log logger.Logger, opts ...Option) *Provider {
	p := &Provider{
		BaseProvider: providers.NewBaseProvider(name, domain.MethodDevice, log),
		staleness:    StalenessThreshold,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Authenticate fails by contract: the permission prompt happens on the
// device itself, so there is nothing a server-side flow could do here.
func (p *Provider) Authenticate(context.Context, providers.AuthRequest) (*domain.Credential, error) {
	return nil, fmt.Errorf("%w: %s authorization is granted on the device; call RegisterConnection after the user approves access there",
		providers.ErrAuthNotSupported, p.Name())
}

// RegisterConnection records an out-of-band device approval as a credential.
func (p *Provider) RegisterConnection(_ context.Context, info providers.ConnectionInfo) (*domain.Credential, error) {
	now := p.now().UTC()
	payload := domain.JSONMap{
		"device":        info.Device,
		"registered_at": now.Format(time.RFC3339),
	}
	lastSync := info.LastSync
	if lastSync.IsZero() {
		lastSync = now
	}
	payload["last_sync"] = lastSync.UTC().Format(time.RFC3339)
	for k, v := range info.Metadata {
		if _, taken := payload[k]; !taken {
			payload[k] = v
		}
	}
	p.LogInfo("device connection registered",
		logger.F("service", info.Service),
		logger.F("device", info.Device))
	return &domain.Credential{
		Service: info.Service,
		Kind:    domain.KindDevice,
		Payload: payload,
	}, nil
}

// Test reports a stale last sync as valid-but-degraded. Refreshing the
// credential's own last-checked stamp is the one mutation Test may make.
func (p *Provider) Test(_ context.Context, cred *domain.Credential) (providers.TestResult, error) {
	if cred.Payload == nil {
		return providers.TestResult{Valid: false, Info: "no device connection registered"}, nil
	}
	now := p.now().UTC()
	cred.Payload["last_checked"] = now.Format(time.RFC3339)

	raw := cred.PayloadString("last_sync")
	if raw == "" {
		return providers.TestResult{Valid: true, Info: "no sync recorded yet; device data may be stale"}, nil
	}
	lastSync, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return providers.TestResult{Valid: true, Info: "last sync unreadable; device data may be stale"}, nil
	}
	age := now.Sub(lastSync)
	if age > p.staleness {
		return providers.TestResult{
			Valid: true,
			Info:  fmt.Sprintf("last sync %s ago; device data may be stale", age.Round(time.Hour)),
		}, nil
	}
	return providers.TestResult{Valid: true}, nil
}

// Revoke cannot reach into the device's permission store.
func (p *Provider) Revoke(context.Context, *domain.Credential) (bool, error) {
	return false, nil
}
