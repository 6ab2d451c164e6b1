package totp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/crawfishlabs/agentvault/pkg/domain"
	"github.com/crawfishlabs/agentvault/pkg/interfaces/logger"
)

// ErrNoSeed is returned when no seed is stored for the requested service.
var ErrNoSeed = errors.New("totp: no seed stored for service")

// seedKeyPrefix namespaces TOTP seeds inside the vault so they never collide
// with the service's primary credential.
const seedKeyPrefix = "totp:"

// secretBytes is the seed length in bytes (160 bits, per RFC 4226).
const secretBytes = 20

// credentialStore is the slice of the vault the manager needs.
type credentialStore interface {
	Get(ctx context.Context, service string) (*domain.Credential, error)
	Set(ctx context.Context, service string, cred *domain.Credential) error
}

// notFoundClassifier lets the manager translate vault absence into ErrNoSeed
// without importing the vault package.
type notFoundClassifier interface {
	IsNotFound(err error) bool
}

// Dependencies wires the manager.
type Dependencies struct {
	Vault  credentialStore
	Logger logger.Logger
	Now    func() time.Time
}

// Manager creates, imports, and evaluates TOTP seeds for services that
// require a second factor.
type Manager struct {
	vault  credentialStore
	logger logger.Logger
	now    func() time.Time
}

// SeedResult is returned from GenerateSeed.
type SeedResult struct {
	Secret          string
	ProvisioningURI string
}

// NewManager builds the manager.
func NewManager(deps Dependencies) (*Manager, error) {
	if deps.Vault == nil {
		return nil, errors.New("totp: vault is required")
	}
	if deps.Logger == nil {
		deps.Logger = &logger.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Manager{vault: deps.Vault, logger: deps.Logger, now: deps.Now}, nil
}

// GenerateSeed creates a fresh 160-bit secret, stores it in the vault under
// the namespaced service key, and returns the secret plus an otpauth URI
// suitable for authenticator-app enrollment.
func (m *Manager) GenerateSeed(ctx context.Context, service, issuer, account string) (SeedResult, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return SeedResult{}, fmt.Errorf("totp: generate secret: %w", err)
	}
	secret := EncodeSecret(raw)
	opts := Options{}.withDefaults()
	if err := m.storeSeed(ctx, service, secret, opts, issuer, account); err != nil {
		return SeedResult{}, err
	}
	m.logger.Info("totp seed generated", logger.F("service", service))
	return SeedResult{
		Secret:          secret,
		ProvisioningURI: ProvisioningURI(secret, issuer, account, opts),
	}, nil
}

// StoreSeed imports an externally issued secret. Overrides may adjust
// algorithm, digits, or period; zero values keep the defaults.
func (m *Manager) StoreSeed(ctx context.Context, service, secret string, overrides Options) error {
	if _, err := DecodeSecret(secret); err != nil {
		return err
	}
	return m.storeSeed(ctx, service, secret, overrides.withDefaults(), "", "")
}

// Code evaluates the current one-time password for the service.
func (m *Manager) Code(ctx context.Context, service string) (string, error) {
	cred, err := m.vault.Get(ctx, seedKeyPrefix+service)
	if err != nil {
		if c, ok := m.vault.(notFoundClassifier); ok && c.IsNotFound(err) {
			return "", ErrNoSeed
		}
		return "", err
	}
	if cred.Kind != domain.KindTOTPSeed {
		return "", fmt.Errorf("totp: credential for %s is not a seed", service)
	}
	secret, err := DecodeSecret(cred.PayloadString("secret"))
	if err != nil {
		return "", err
	}
	return Code(secret, m.now(), optionsFromPayload(cred.Payload))
}

func (m *Manager) storeSeed(ctx context.Context, service, secret string, opts Options, issuer, account string) error {
	payload := domain.JSONMap{
		"secret":    secret,
		"algorithm": string(opts.Algorithm),
		"digits":    opts.Digits,
		"period":    opts.Period,
	}
	if issuer != "" {
		payload["issuer"] = issuer
	}
	if account != "" {
		payload["account"] = account
	}
	cred := &domain.Credential{
		Service:   seedKeyPrefix + service,
		Kind:      domain.KindTOTPSeed,
		CreatedAt: m.now().UTC(),
		Payload:   payload,
	}
	return m.vault.Set(ctx, cred.Service, cred)
}

func optionsFromPayload(payload domain.JSONMap) Options {
	opts := Options{}
	if v, ok := payload["algorithm"].(string); ok {
		opts.Algorithm = Algorithm(v)
	}
	opts.Digits = payloadInt(payload, "digits")
	opts.Period = payloadInt(payload, "period")
	return opts.withDefaults()
}

// payloadInt handles both int and the float64 that JSON round-trips produce.
func payloadInt(payload domain.JSONMap, key string) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

// ProvisioningURI renders the otpauth enrollment URI for a secret.
func ProvisioningURI(secret, issuer, account string, opts Options) string {
	opts = opts.withDefaults()
	label := account
	if issuer != "" {
		label = issuer + ":" + account
	}
	q := url.Values{}
	q.Set("secret", secret)
	if issuer != "" {
		q.Set("issuer", issuer)
	}
	q.Set("algorithm", string(opts.Algorithm))
	q.Set("digits", strconv.Itoa(opts.Digits))
	q.Set("period", strconv.Itoa(opts.Period))
	return "otpauth://totp/" + url.PathEscape(label) + "?" + q.Encode()
}
