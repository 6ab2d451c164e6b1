// Package commands exposes broker operations as go-command handlers so
// host transports (CLI, HTTP wiring) stay thin. Query-shaped commands
// deliver results through an OnResult callback on the message, keeping the
// Commander contract uniform.
package commands

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/crawfishlabs/agentvault/pkg/audit"
	"github.com/crawfishlabs/agentvault/pkg/broker"
	"github.com/crawfishlabs/agentvault/pkg/domain"
	"github.com/crawfishlabs/agentvault/pkg/interfaces/logger"
	"github.com/crawfishlabs/agentvault/pkg/providers"
	command "github.com/goliatone/go-command"
)

// Catalog exposes go-command compatible handlers for host transports.
type Catalog struct {
	RequestGrant     command.Commander[RequestGrant]
	RevokeCredential command.Commander[RevokeCredential]
	RevokeAll        command.Commander[RevokeAll]
	CheckStatus      command.Commander[CheckStatus]
	QueryAudit       command.Commander[QueryAudit]
	RegisterDevice   command.Commander[RegisterDevice]
}

type brokerService interface {
	Grant(ctx context.Context, req broker.GrantRequest) (*broker.GrantResult, error)
	Revoke(ctx context.Context, service, reason string) (*broker.RevokeResult, error)
	RevokeAll(ctx context.Context, reason string) ([]string, error)
	Status(ctx context.Context) ([]broker.ServiceStatus, error)
	RegisterDeviceConnection(ctx context.Context, info providers.ConnectionInfo) (*domain.CredentialSummary, error)
}

type auditService interface {
	Query(ctx context.Context, q audit.Query) ([]domain.AuditEntry, error)
}

// Dependencies wires the services into the command catalog.
type Dependencies struct {
	Broker brokerService
	Audit  auditService
	Logger logger.Logger
}

// NewCatalog builds the command catalog.
func NewCatalog(deps Dependencies) (*Catalog, error) {
	if deps.Broker == nil {
		return nil, errors.New("commands: broker service is required")
	}
	if deps.Audit == nil {
		return nil, errors.New("commands: audit service is required")
	}
	if deps.Logger == nil {
		deps.Logger = &logger.Nop{}
	}
	return &Catalog{
		RequestGrant:     grantCommand{svc: deps.Broker},
		RevokeCredential: revokeCommand{svc: deps.Broker},
		RevokeAll:        revokeAllCommand{svc: deps.Broker},
		CheckStatus:      statusCommand{svc: deps.Broker},
		QueryAudit:       auditQueryCommand{svc: deps.Audit},
		RegisterDevice:   registerDeviceCommand{svc: deps.Broker},
	}, nil
}

// Commanders returns every handler for registration with go-command
// registries.
func (c *Catalog) Commanders() []any {
	if c == nil {
		return nil
	}
	return []any{
		c.RequestGrant,
		c.RevokeCredential,
		c.RevokeAll,
		c.CheckStatus,
		c.QueryAudit,
		c.RegisterDevice,
	}
}

// RequestGrant asks for access to a service.
type RequestGrant struct {
	Service       string   `json:"service"`
	Scopes        []string `json:"scopes"`
	Org           string   `json:"org,omitempty"`
	Team          string   `json:"team,omitempty"`
	ExpiryDays    int      `json:"expiry_days,omitempty"`
	Secret        string   `json:"-"`
	GrantedScopes []string `json:"granted_scopes,omitempty"`
	OnResult      func(*broker.GrantResult)
}

type grantCommand struct {
	svc brokerService
}

func (c grantCommand) Execute(ctx context.Context, msg RequestGrant) error {
	msg.Service = strings.TrimSpace(msg.Service)
	if msg.Service == "" {
		return errors.New("commands: service is required")
	}
	res, err := c.svc.Grant(ctx, broker.GrantRequest{
		Service:       msg.Service,
		Scopes:        msg.Scopes,
		Org:           msg.Org,
		Team:          msg.Team,
		ExpiryDays:    msg.ExpiryDays,
		Secret:        msg.Secret,
		GrantedScopes: msg.GrantedScopes,
	})
	if err != nil {
		return err
	}
	if msg.OnResult != nil {
		msg.OnResult(res)
	}
	return nil
}

// RevokeCredential withdraws access to one service.
type RevokeCredential struct {
	Service  string `json:"service"`
	Reason   string `json:"reason,omitempty"`
	OnResult func(*broker.RevokeResult)
}

type revokeCommand struct {
	svc brokerService
}

func (c revokeCommand) Execute(ctx context.Context, msg RevokeCredential) error {
	if strings.TrimSpace(msg.Service) == "" {
		return errors.New("commands: service is required")
	}
	res, err := c.svc.Revoke(ctx, msg.Service, msg.Reason)
	if err != nil {
		return err
	}
	if msg.OnResult != nil {
		msg.OnResult(res)
	}
	return nil
}

// RevokeAll withdraws every stored credential.
type RevokeAll struct {
	Reason   string `json:"reason,omitempty"`
	OnResult func(revoked []string)
}

type revokeAllCommand struct {
	svc brokerService
}

func (c revokeAllCommand) Execute(ctx context.Context, msg RevokeAll) error {
	revoked, err := c.svc.RevokeAll(ctx, msg.Reason)
	if msg.OnResult != nil {
		msg.OnResult(revoked)
	}
	return err
}

// CheckStatus probes every stored credential.
type CheckStatus struct {
	OnResult func([]broker.ServiceStatus)
}

type statusCommand struct {
	svc brokerService
}

func (c statusCommand) Execute(ctx context.Context, msg CheckStatus) error {
	statuses, err := c.svc.Status(ctx)
	if err != nil {
		return err
	}
	if msg.OnResult != nil {
		msg.OnResult(statuses)
	}
	return nil
}

// QueryAudit filters audit history.
type QueryAudit struct {
	Service  string        `json:"service,omitempty"`
	Action   string        `json:"action,omitempty"`
	Since    time.Time     `json:"since,omitempty"`
	Within   time.Duration `json:"within,omitempty"`
	Limit    int           `json:"limit,omitempty"`
	OnResult func([]domain.AuditEntry)
}

type auditQueryCommand struct {
	svc auditService
}

func (c auditQueryCommand) Execute(ctx context.Context, msg QueryAudit) error {
	entries, err := c.svc.Query(ctx, audit.Query{
		Service: msg.Service,
		Action:  msg.Action,
		Since:   msg.Since,
		Within:  msg.Within,
		Limit:   msg.Limit,
	})
	if err != nil {
		return err
	}
	if msg.OnResult != nil {
		msg.OnResult(entries)
	}
	return nil
}

// RegisterDevice records an out-of-band device approval.
type RegisterDevice struct {
	Service  string         `json:"service"`
	Device   string         `json:"device"`
	LastSync time.Time      `json:"last_sync,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	OnResult func(*domain.CredentialSummary)
}

type registerDeviceCommand struct {
	svc brokerService
}

func (c registerDeviceCommand) Execute(ctx context.Context, msg RegisterDevice) error {
	if strings.TrimSpace(msg.Service) == "" {
		return errors.New("commands: service is required")
	}
	summary, err := c.svc.RegisterDeviceConnection(ctx, providers.ConnectionInfo{
		Service:  msg.Service,
		Device:   msg.Device,
		LastSync: msg.LastSync,
		Metadata: domain.JSONMap(msg.Metadata),
	})
	if err != nil {
		return err
	}
	if msg.OnResult != nil {
		msg.OnResult(summary)
	}
	return nil
}
