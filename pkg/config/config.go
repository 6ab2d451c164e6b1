package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/goliatone/go-config/cfgx"
)

// Config captures broker-level configuration. Security-sensitive values
// (master key material, OAuth client secrets) are resolved from the
// environment at operation time and are never defaulted here.
type Config struct {
	Vault    VaultConfig              `mapstructure:"vault" json:"vault"`
	Audit    AuditConfig              `mapstructure:"audit" json:"audit"`
	Broker   BrokerConfig             `mapstructure:"broker" json:"broker"`
	Services map[string]ServiceConfig `mapstructure:"services" json:"services"`
}

// VaultConfig points at the encrypted credential store.
type VaultConfig struct {
	// KeyEnv names the environment variable holding master key material.
	KeyEnv string `mapstructure:"key_env" json:"key_env"`
	// Driver selects the record store: "file", "sqlite", or "memory".
	Driver string `mapstructure:"driver" json:"driver"`
	// Path is the vault file (file driver) or database DSN (sqlite driver).
	Path string `mapstructure:"path" json:"path"`
}

// AuditConfig points at the audit sink.
type AuditConfig struct {
	// Path is the JSONL audit file; empty routes entries to the grant
	// queue's database backend instead.
	Path string `mapstructure:"path" json:"path"`
}

// BrokerConfig names the identities stamped on audit entries and the
// device staleness override.
type BrokerConfig struct {
	Principal       string        `mapstructure:"principal" json:"principal"`
	Agent           string        `mapstructure:"agent" json:"agent"`
	CallbackBaseURL string        `mapstructure:"callback_base_url" json:"callback_base_url"`
	DeviceStaleness time.Duration `mapstructure:"device_staleness" json:"device_staleness"`
	PendingGrantTTL time.Duration `mapstructure:"pending_grant_ttl" json:"pending_grant_ttl"`
}

// ServiceConfig describes one integration target.
type ServiceConfig struct {
	Method     string   `mapstructure:"method" json:"method"`
	Scopes     []string `mapstructure:"scopes" json:"scopes"`
	Org        string   `mapstructure:"org" json:"org,omitempty"`
	Team       string   `mapstructure:"team" json:"team,omitempty"`
	ExpiryDays int      `mapstructure:"expiry_days" json:"expiry_days,omitempty"`
	// ClientIDEnv / ClientSecretEnv name the environment variables the
	// OAuth client credentials are read from at operation time.
	ClientIDEnv     string `mapstructure:"client_id_env" json:"client_id_env,omitempty"`
	ClientSecretEnv string `mapstructure:"client_secret_env" json:"client_secret_env,omitempty"`
	// AuthURL / TokenURL override provider endpoints, mostly for tests.
	AuthURL  string `mapstructure:"auth_url" json:"auth_url,omitempty"`
	TokenURL string `mapstructure:"token_url" json:"token_url,omitempty"`
	// Label annotates static API keys in list output.
	Label string `mapstructure:"label" json:"label,omitempty"`
}

// Defaults returns the baseline configuration.
func Defaults() Config {
	return Config{
		Vault: VaultConfig{
			KeyEnv: "AGENTVAULT_MASTER_KEY",
			Driver: "file",
			Path:   "agentvault.json",
		},
		Audit: AuditConfig{
			Path: "agentvault-audit.log",
		},
		Broker: BrokerConfig{
			Principal:       "owner",
			Agent:           "agent",
			DeviceStaleness: 48 * time.Hour,
			PendingGrantTTL: 24 * time.Hour,
		},
	}
}

// Validate ensures required fields are present and sane.
func (c *Config) Validate() error {
	if c.Vault.KeyEnv == "" {
		return errors.New("vault.key_env is required")
	}
	switch c.Vault.Driver {
	case "file", "sqlite", "memory":
	default:
		return fmt.Errorf("vault.driver must be file, sqlite, or memory, got %q", c.Vault.Driver)
	}
	if c.Vault.Driver != "memory" && c.Vault.Path == "" {
		return fmt.Errorf("vault.path is required for the %s driver", c.Vault.Driver)
	}
	if c.Broker.DeviceStaleness < 0 {
		return errors.New("broker.device_staleness must be >= 0")
	}
	if c.Broker.PendingGrantTTL < 0 {
		return errors.New("broker.pending_grant_ttl must be >= 0")
	}
	for name, svc := range c.Services {
		switch svc.Method {
		case "oauth", "api_key", "account", "browser", "device":
		default:
			return fmt.Errorf("services.%s.method %q is not a known grant method", name, svc.Method)
		}
		if svc.Method == "oauth" && (svc.ClientIDEnv == "" || svc.ClientSecretEnv == "") {
			return fmt.Errorf("services.%s: oauth services must name client_id_env and client_secret_env", name)
		}
	}
	return nil
}

// Load decodes arbitrary input (struct, map) using cfgx helpers, applies
// defaults, and validates.
func Load(input any, opts ...LoadOption) (Config, error) {
	settings := loadOptions{}
	for _, opt := range opts {
		opt(&settings)
	}

	cfg, err := cfgx.Build(input, settings.buildOpts...)
	if err != nil {
		return Config{}, err
	}

	if isZero(cfg) {
		if err := decodeFallback(input, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg = cfg.withDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOption lets callers amend cfgx build options.
type LoadOption func(*loadOptions)

type loadOptions struct {
	buildOpts []cfgx.Option[Config]
}

// WithBuildOptions forwards cfgx options (duration hooks, preprocessors).
func WithBuildOptions(opts ...cfgx.Option[Config]) LoadOption {
	return func(lo *loadOptions) {
		lo.buildOpts = append(lo.buildOpts, opts...)
	}
}

func (c Config) withDefaults() Config {
	defaults := Defaults()

	if c.Vault.KeyEnv == "" {
		c.Vault.KeyEnv = defaults.Vault.KeyEnv
	}
	if c.Vault.Driver == "" {
		c.Vault.Driver = defaults.Vault.Driver
	}
	if c.Vault.Path == "" && c.Vault.Driver == defaults.Vault.Driver {
		c.Vault.Path = defaults.Vault.Path
	}
	if c.Audit.Path == "" {
		c.Audit.Path = defaults.Audit.Path
	}
	if c.Broker.Principal == "" {
		c.Broker.Principal = defaults.Broker.Principal
	}
	if c.Broker.Agent == "" {
		c.Broker.Agent = defaults.Broker.Agent
	}
	if c.Broker.DeviceStaleness == 0 {
		c.Broker.DeviceStaleness = defaults.Broker.DeviceStaleness
	}
	if c.Broker.PendingGrantTTL == 0 {
		c.Broker.PendingGrantTTL = defaults.Broker.PendingGrantTTL
	}
	return c
}

func isZero(cfg Config) bool {
	return reflect.DeepEqual(cfg, Config{})
}

func decodeFallback(input any, cfg *Config) error {
	switch v := input.(type) {
	case nil:
		return nil
	case Config:
		*cfg = v
		return nil
	case *Config:
		if v != nil {
			*cfg = *v
		}
		return nil
	case map[string]any:
		return decodeMap(v, cfg)
	default:
		return fmt.Errorf("unsupported config input type: %T", input)
	}
}

func decodeMap(input map[string]any, cfg *Config) error {
	if input == nil {
		return nil
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, cfg)
}
