// Package broker orchestrates grants end to end: it resolves a service to
// its provider strategy, drives authentication, stores the resulting
// credential in the vault, and keeps the grant queue and audit log in step.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crawfishlabs/agentvault/pkg/audit"
	"github.com/crawfishlabs/agentvault/pkg/domain"
	"github.com/crawfishlabs/agentvault/pkg/grants"
	"github.com/crawfishlabs/agentvault/pkg/interfaces/logger"
	"github.com/crawfishlabs/agentvault/pkg/interfaces/store"
	"github.com/crawfishlabs/agentvault/pkg/providers"
	"github.com/crawfishlabs/agentvault/pkg/scopes"
	"github.com/crawfishlabs/agentvault/pkg/vault"
)

var (
	ErrMissingVault    = errors.New("broker: vault is required")
	ErrMissingGrants   = errors.New("broker: grant queue is required")
	ErrMissingAudit    = errors.New("broker: audit recorder is required")
	ErrMissingRegistry = errors.New("broker: provider registry is required")
	// ErrScopeEscalation means the request asked for scopes not covered by
	// what was previously granted.
	ErrScopeEscalation = errors.New("broker: requested scopes exceed granted scopes")
	// ErrUnknownCallback means the redirect state matched no pending grant,
	// either forged or already consumed.
	ErrUnknownCallback = errors.New("broker: callback matches no pending grant")
	// ErrServiceMismatch means the callback arrived for a different service
	// than the grant it correlates to.
	ErrServiceMismatch = errors.New("broker: callback service does not match grant")
	// ErrNotRegistrable means the service's strategy does not accept
	// out-of-band device connections.
	ErrNotRegistrable = errors.New("broker: service does not accept device connections")
)

// Dependencies wires the orchestrator.
type Dependencies struct {
	Vault     *vault.Service
	Grants    *grants.Queue
	Audit     audit.Recorder
	Registry  *providers.Registry
	Logger    logger.Logger
	Principal string
	Agent     string
	Now       func() time.Time
}

// Service is the orchestrator.
type Service struct {
	vault     *vault.Service
	grants    *grants.Queue
	audit     audit.Recorder
	registry  *providers.Registry
	logger    logger.Logger
	principal string
	agent     string
	now       func() time.Time
}

func New(deps Dependencies) (*Service, error) {
	if deps.Vault == nil {
		return nil, ErrMissingVault
	}
	if deps.Grants == nil {
		return nil, ErrMissingGrants
	}
	if deps.Audit == nil {
		return nil, ErrMissingAudit
	}
	if deps.Registry == nil {
		return nil, ErrMissingRegistry
	}
	if deps.Logger == nil {
		deps.Logger = &logger.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{
		vault:     deps.Vault,
		grants:    deps.Grants,
		audit:     deps.Audit,
		registry:  deps.Registry,
		logger:    deps.Logger,
		principal: deps.Principal,
		agent:     deps.Agent,
		now:       deps.Now,
	}, nil
}

// GrantRequest asks for access to a service. GrantedScopes, when present,
// is the baseline the request is enforced against; an empty baseline skips
// enforcement because there is nothing yet to escalate beyond.
type GrantRequest struct {
	Service       string
	Scopes        []string
	Org           string
	Team          string
	ExpiryDays    int
	Secret        string
	GrantedScopes []string
}

// GrantResult reports how a grant request resolved. Pending OAuth grants
// carry the authorization URL the human must visit.
type GrantResult struct {
	Grant            *domain.Grant
	AuthorizationURL string
	Credential       *domain.CredentialSummary
}

// Grant resolves the service to its strategy and drives it. Synchronous
// strategies complete inline; OAuth leaves the grant pending until the
// provider redirect lands in HandleCallback.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (*GrantResult, error) {
	provider, err := s.registry.Resolve(req.Service)
	if err != nil {
		return nil, err
	}

	if len(req.GrantedScopes) > 0 {
		decision := scopes.Enforce(req.Scopes, req.GrantedScopes, s.escalationRecorder(ctx, req.Service))
		if !decision.Allowed {
			return nil, fmt.Errorf("%w: %s", ErrScopeEscalation, strings.Join(decision.Denied, ", "))
		}
	}

	grant, err := s.grants.Submit(ctx, grants.Request{
		Service:    req.Service,
		Method:     provider.Method(),
		Scopes:     req.Scopes,
		Org:        req.Org,
		Team:       req.Team,
		ExpiryDays: req.ExpiryDays,
	})
	if err != nil {
		return nil, err
	}

	if provider.Method() == domain.MethodOAuth {
		builder, ok := provider.(providers.AuthorizationURLBuilder)
		if !ok {
			return nil, fmt.Errorf("broker: %s: oauth strategy lacks authorization url support", req.Service)
		}
		authURL, err := builder.AuthorizationURL(grant.CorrelationToken, req.Scopes)
		if err != nil {
			return nil, err
		}
		return &GrantResult{Grant: grant, AuthorizationURL: authURL}, nil
	}

	cred, err := provider.Authenticate(ctx, providers.AuthRequest{
		Service: req.Service,
		Scopes:  req.Scopes,
		Org:     req.Org,
		Team:    req.Team,
		Secret:  req.Secret,
	})
	if err != nil {
		if _, denyErr := s.grants.Deny(ctx, grant.ID, err.Error()); denyErr != nil {
			s.logger.Warn("failed to deny grant after authenticate error",
				logger.F("grant_id", grant.ID.String()))
		}
		if auditErr := s.record(ctx, domain.ActionCredentialCreate, req.Service, domain.OutcomeFailure,
			domain.JSONMap{"error": err.Error()}); auditErr != nil {
			return nil, auditErr
		}
		return nil, err
	}

	s.applyExpiry(cred, req.ExpiryDays)
	if err := s.vault.Set(ctx, req.Service, cred); err != nil {
		return nil, err
	}
	active, err := s.grants.Activate(ctx, grant.ID)
	if err != nil {
		return nil, err
	}
	return &GrantResult{
		Grant: active,
		Credential: &domain.CredentialSummary{
			Service:   req.Service,
			Kind:      cred.Kind,
			ExpiresAt: cred.ExpiresAt,
		},
	}, nil
}

// AuthorizationURL rebuilds the consent URL for a still-pending grant.
func (s *Service) AuthorizationURL(ctx context.Context, service, state string, requested []string) (string, error) {
	provider, err := s.registry.Resolve(service)
	if err != nil {
		return "", err
	}
	builder, ok := provider.(providers.AuthorizationURLBuilder)
	if !ok {
		return "", fmt.Errorf("broker: %s: oauth strategy lacks authorization url support", service)
	}
	return builder.AuthorizationURL(state, requested)
}

// HandleCallback resolves a provider redirect. The state parameter is the
// single-use correlation token; activation is the compare-and-swap that
// guarantees at most one callback wins, even under concurrent delivery.
func (s *Service) HandleCallback(ctx context.Context, service, code, state string) (*GrantResult, error) {
	grant, err := s.grants.FindByCorrelationToken(ctx, state)
	if err != nil {
		if errors.Is(err, grants.ErrNotFound) {
			if auditErr := s.record(ctx, domain.ActionCredentialCreate, service, domain.OutcomeFailure,
				domain.JSONMap{"error": "unknown or consumed callback state"}); auditErr != nil {
				return nil, auditErr
			}
			return nil, ErrUnknownCallback
		}
		return nil, err
	}
	if grant.Service != service {
		if auditErr := s.record(ctx, domain.ActionCredentialCreate, service, domain.OutcomeFailure,
			domain.JSONMap{"error": "callback service does not match grant", "grant_service": grant.Service}); auditErr != nil {
			return nil, auditErr
		}
		return nil, fmt.Errorf("%w: got %q, grant is for %q", ErrServiceMismatch, service, grant.Service)
	}

	provider, err := s.registry.Resolve(grant.Service)
	if err != nil {
		return nil, err
	}
	cred, err := provider.Authenticate(ctx, providers.AuthRequest{
		Service: grant.Service,
		Scopes:  grant.Scopes,
		Code:    code,
	})
	if err != nil {
		// The grant stays pending so the human can retry the consent flow.
		if auditErr := s.record(ctx, domain.ActionCredentialCreate, service, domain.OutcomeFailure,
			domain.JSONMap{"error": err.Error()}); auditErr != nil {
			return nil, auditErr
		}
		return nil, err
	}

	// Activate first: the CAS consumes the token, so a concurrent callback
	// with the same state loses before any vault write happens.
	active, err := s.grants.Activate(ctx, grant.ID)
	if err != nil {
		if errors.Is(err, grants.ErrAlreadyResolved) {
			return nil, ErrUnknownCallback
		}
		return nil, err
	}

	s.applyExpiry(cred, grant.ExpiryDays)
	if err := s.vault.Set(ctx, grant.Service, cred); err != nil {
		return nil, err
	}
	return &GrantResult{
		Grant: active,
		Credential: &domain.CredentialSummary{
			Service:   grant.Service,
			Kind:      cred.Kind,
			ExpiresAt: cred.ExpiresAt,
		},
	}, nil
}

// RevokeResult reports how a revocation resolved. Remote reports whether
// the provider-side revocation succeeded; the local copy is deleted either
// way.
type RevokeResult struct {
	Service string
	Removed bool
	Remote  bool
}

// Revoke withdraws access to one service. The vault delete always runs,
// even when the provider-side revocation fails: a stale remote token
// matters less than an agent that thinks it still has access. The
// withdrawal and its reason land in the audit trail.
func (s *Service) Revoke(ctx context.Context, service, reason string) (*RevokeResult, error) {
	result := &RevokeResult{Service: service}

	cred, err := s.vault.Get(ctx, service)
	switch {
	case err == nil:
		provider, resolveErr := s.registry.Resolve(service)
		if resolveErr == nil {
			remote, revokeErr := provider.Revoke(ctx, cred)
			if revokeErr != nil {
				s.logger.Warn("provider revoke failed, deleting local copy anyway",
					logger.F("service", service))
			}
			result.Remote = remote
		}
	case s.vault.IsNotFound(err):
		// Nothing stored; fall through to the delete no-op.
	default:
		return nil, err
	}

	removed, err := s.vault.Delete(ctx, service)
	if err != nil {
		return nil, err
	}
	result.Removed = removed

	s.revokeActiveGrants(ctx, service, reason)

	meta := domain.JSONMap{"removed": result.Removed, "remote": result.Remote}
	if reason != "" {
		meta["reason"] = reason
	}
	if auditErr := s.record(ctx, domain.ActionCredentialRevoke, service, domain.OutcomeSuccess, meta); auditErr != nil {
		return nil, auditErr
	}
	return result, nil
}

// RevokeAll revokes every stored credential. It is deliberately not
// atomic: the returned list names the services actually revoked, and the
// joined error reports the ones that failed.
func (s *Service) RevokeAll(ctx context.Context, reason string) ([]string, error) {
	summaries, err := s.vault.List(ctx)
	if err != nil {
		return nil, err
	}
	var revoked []string
	var errs []error
	for _, summary := range summaries {
		res, err := s.Revoke(ctx, summary.Service, reason)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", summary.Service, err))
			continue
		}
		if res.Removed {
			revoked = append(revoked, summary.Service)
		}
	}
	return revoked, errors.Join(errs...)
}

// ServiceStatus is one row of a Status report.
type ServiceStatus struct {
	Service string                `json:"service"`
	Kind    domain.CredentialKind `json:"kind"`
	Valid   bool                  `json:"valid"`
	Info    string                `json:"info,omitempty"`
}

// Status tests every stored credential through its strategy. Each probe is
// audited; services without a registered strategy report invalid rather
// than failing the whole sweep.
func (s *Service) Status(ctx context.Context) ([]ServiceStatus, error) {
	summaries, err := s.vault.List(ctx)
	if err != nil {
		return nil, err
	}
	statuses := make([]ServiceStatus, 0, len(summaries))
	for _, summary := range summaries {
		status := ServiceStatus{Service: summary.Service, Kind: summary.Kind}
		status.Valid, status.Info = s.testOne(ctx, summary.Service)

		outcome := domain.OutcomeSuccess
		if !status.Valid {
			outcome = domain.OutcomeFailure
		}
		meta := domain.JSONMap{"valid": status.Valid}
		if status.Info != "" {
			meta["info"] = status.Info
		}
		if auditErr := s.record(ctx, domain.ActionCredentialTest, summary.Service, outcome, meta); auditErr != nil {
			return nil, auditErr
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func (s *Service) testOne(ctx context.Context, service string) (bool, string) {
	cred, err := s.vault.Get(ctx, service)
	if err != nil {
		return false, "credential unreadable"
	}
	provider, err := s.registry.Resolve(service)
	if err != nil {
		return false, "no strategy registered"
	}
	res, err := provider.Test(ctx, cred)
	if err != nil {
		return false, err.Error()
	}
	return res.Valid, res.Info
}

// RegisterDeviceConnection records an out-of-band device approval: the
// strategy builds the credential, the vault stores it, and the provision
// is audited alongside the vault's own create entry.
func (s *Service) RegisterDeviceConnection(ctx context.Context, info providers.ConnectionInfo) (*domain.CredentialSummary, error) {
	provider, err := s.registry.Resolve(info.Service)
	if err != nil {
		return nil, err
	}
	registrar, ok := provider.(providers.ConnectionRegistrar)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistrable, info.Service)
	}
	cred, err := registrar.RegisterConnection(ctx, info)
	if err != nil {
		return nil, err
	}
	if err := s.vault.Set(ctx, info.Service, cred); err != nil {
		return nil, err
	}
	if auditErr := s.record(ctx, domain.ActionIdentityProvision, info.Service, domain.OutcomeSuccess,
		domain.JSONMap{"device": info.Device}); auditErr != nil {
		return nil, auditErr
	}
	return &domain.CredentialSummary{Service: info.Service, Kind: cred.Kind, ExpiresAt: cred.ExpiresAt}, nil
}

func (s *Service) revokeActiveGrants(ctx context.Context, service, reason string) {
	active, err := s.grants.Active(ctx, store.ListOptions{})
	if err != nil {
		s.logger.Warn("failed to list active grants for revocation",
			logger.F("service", service))
		return
	}
	for i := range active {
		if active[i].Service != service {
			continue
		}
		if _, err := s.grants.Revoke(ctx, active[i].ID, reason); err != nil &&
			!errors.Is(err, grants.ErrAlreadyResolved) {
			s.logger.Warn("failed to revoke grant",
				logger.F("grant_id", active[i].ID.String()))
		}
	}
}

func (s *Service) escalationRecorder(ctx context.Context, service string) scopes.EscalationFunc {
	return func(esc scopes.Escalation) {
		meta := domain.JSONMap{
			"escalation": true,
			"requested":  strings.Join(esc.Requested, " "),
			"granted":    strings.Join(esc.Granted, " "),
			"denied":     strings.Join(esc.Denied, " "),
		}
		if err := s.record(ctx, domain.ActionCredentialAccess, service, domain.OutcomeFailure, meta); err != nil {
			s.logger.Error("failed to audit scope escalation",
				logger.F("service", service))
		}
	}
}

func (s *Service) applyExpiry(cred *domain.Credential, expiryDays int) {
	if expiryDays > 0 && cred.ExpiresAt.IsZero() {
		cred.ExpiresAt = s.now().UTC().AddDate(0, 0, expiryDays)
	}
}

func (s *Service) record(ctx context.Context, action, service, outcome string, meta domain.JSONMap) error {
	return s.audit.Record(ctx, domain.AuditEntry{
		Action:    action,
		Service:   service,
		Principal: s.principal,
		Agent:     s.agent,
		Outcome:   outcome,
		Metadata:  meta,
	})
}
