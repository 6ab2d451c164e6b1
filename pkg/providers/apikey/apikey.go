// Package apikey implements the static-key strategy: the caller supplies
// the material and the provider wraps it into a credential. There is no
// upstream flow to drive, so Test is a local check and Revoke only ever
// removes the vault copy.
package apikey

import (
	"context"
	"errors"
	"time"

	"github.com/crawfishlabs/agentvault/pkg/domain"
	"github.com/crawfishlabs/agentvault/pkg/interfaces/logger"
	"github.com/crawfishlabs/agentvault/pkg/providers"
)

// ErrMissingSecret is returned when no key material is supplied.
var ErrMissingSecret = errors.New("apikey: key material is required")

type Provider struct {
	providers.BaseProvider
	label string
	now   func() time.Time
}

var _ providers.Provider = (*Provider)(nil)

// New builds a static-key strategy named for the service it serves. The
// label travels in the credential payload for display purposes.
func New(name, label string, log logger.Logger) *Provider {
	return &Provider{
		BaseProvider: providers.NewBaseProvider(name, domain.MethodAPIKey, log),
		label:        label,
		now:          time.Now,
	}
}

func (p *Provider) Authenticate(_ context.Context, req providers.AuthRequest) (*domain.Credential, error) {
	if req.Secret == "" {
		return nil, ErrMissingSecret
	}
	cred := &domain.Credential{
		Service: req.Service,
		Kind:    domain.KindAPIKey,
		Payload: domain.JSONMap{"value": req.Secret},
	}
	if p.label != "" {
		cred.Payload["label"] = p.label
	}
	return cred, nil
}

// Test checks local material only; a static key has no cheap remote probe.
func (p *Provider) Test(_ context.Context, cred *domain.Credential) (providers.TestResult, error) {
	if cred.PayloadString("value") == "" {
		return providers.TestResult{Valid: false, Info: "no key material stored"}, nil
	}
	if cred.Expired(p.now()) {
		return providers.TestResult{Valid: false, Info: "key expired"}, nil
	}
	return providers.TestResult{Valid: true, Info: "static key present, not remotely verified"}, nil
}

// Revoke has no remote side; the orchestrator deletes the vault copy.
func (p *Provider) Revoke(context.Context, *domain.Credential) (bool, error) {
	return false, nil
}
