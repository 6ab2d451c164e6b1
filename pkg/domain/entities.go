package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RecordMeta captures identifiers and bookkeeping fields shared across entities.
type RecordMeta struct {
	ID        uuid.UUID `bun:",pk,type:uuid" json:"id"`
	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// EnsureID assigns a UUID when the struct is about to be persisted.
func (m *RecordMeta) EnsureID() {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
}

// JSONMap persists arbitrary metadata fields as JSON.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("null"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value any) error {
	if m == nil {
		return errors.New("JSONMap: Scan on nil pointer")
	}
	switch v := value.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("JSONMap: unsupported type %T", value)
	}
}

// StringList stores []string as JSON.
type StringList []string

func (s StringList) Value() (driver.Value, error) {
	return json.Marshal([]string(s))
}

func (s *StringList) Scan(value any) error {
	if s == nil {
		return errors.New("StringList: Scan on nil pointer")
	}
	switch v := value.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		return json.Unmarshal(v, (*[]string)(s))
	case string:
		return json.Unmarshal([]byte(v), (*[]string)(s))
	default:
		return fmt.Errorf("StringList: unsupported type %T", value)
	}
}

// CredentialKind discriminates the payload shape of a credential.
type CredentialKind string

const (
	KindOAuthToken CredentialKind = "oauth_token"
	KindAPIKey     CredentialKind = "api_key"
	KindTOTPSeed   CredentialKind = "totp_seed"
	KindDevice     CredentialKind = "device"
)

// Valid reports whether the kind belongs to the closed set.
func (k CredentialKind) Valid() bool {
	switch k {
	case KindOAuthToken, KindAPIKey, KindTOTPSeed, KindDevice:
		return true
	default:
		return false
	}
}

// Credential is the secret material held for a single service. The payload
// shape is fully determined by Kind: token triple for OAuth, key+label for
// API keys, base32 secret plus algorithm/digits/period for TOTP seeds, and
// device metadata for device-side grants.
type Credential struct {
	Service   string         `json:"service"`
	Kind      CredentialKind `json:"kind"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at,omitempty"`
	Payload   JSONMap        `json:"payload"`
}

// Expired reports whether the credential carries an expiry in the past.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(now)
}

// PayloadString returns a string payload field, or "" when absent.
func (c *Credential) PayloadString(key string) string {
	if c == nil || c.Payload == nil {
		return ""
	}
	if v, ok := c.Payload[key].(string); ok {
		return v
	}
	return ""
}

// CredentialSummary is the non-sensitive listing view of a stored credential.
type CredentialSummary struct {
	Service   string         `json:"service"`
	Kind      CredentialKind `json:"kind"`
	ExpiresAt time.Time      `json:"expires_at,omitempty"`
}

// GrantMethod names the integration pattern a grant requests.
type GrantMethod string

const (
	MethodOAuth   GrantMethod = "oauth"
	MethodAPIKey  GrantMethod = "api_key"
	MethodAccount GrantMethod = "account"
	MethodBrowser GrantMethod = "browser"
	MethodDevice  GrantMethod = "device"
)

// Grant lifecycle states.
const (
	GrantStatePending = "pending"
	GrantStateActive  = "active"
	GrantStateDenied  = "denied"
	GrantStateExpired = "expired"
	GrantStateRevoked = "revoked"
)

// Grant tracks a request for an agent to obtain a credential for a service.
// OAuth grants carry a single-use correlation token binding the provider
// redirect back to the request that initiated it.
type Grant struct {
	bun.BaseModel `bun:"table:broker_grants"`
	RecordMeta

	Service          string      `bun:",nullzero,notnull" json:"service"`
	Method           GrantMethod `bun:",nullzero,notnull" json:"method"`
	Scopes           StringList  `bun:"type:jsonb,nullzero" json:"scopes"`
	Org              string      `bun:",nullzero" json:"org,omitempty"`
	Team             string      `bun:",nullzero" json:"team,omitempty"`
	ExpiryDays       int         `bun:",nullzero" json:"expiry_days,omitempty"`
	State            string      `bun:",nullzero,notnull" json:"state"`
	CorrelationToken string      `bun:",nullzero" json:"-"`
	TokenConsumed    bool        `json:"-"`
	ExpiresAt        time.Time   `bun:",nullzero" json:"expires_at,omitempty"`
	ResolvedAt       time.Time   `bun:",nullzero" json:"resolved_at,omitempty"`
	Reason           string      `bun:",nullzero" json:"reason,omitempty"`
}

// Audit actions form a closed set; the audit service rejects anything else.
const (
	ActionCredentialCreate  = "credential.create"
	ActionCredentialAccess  = "credential.access"
	ActionCredentialRotate  = "credential.rotate"
	ActionCredentialRevoke  = "credential.revoke"
	ActionCredentialTest    = "credential.test"
	ActionIdentityProvision = "identity.provision"
	ActionConfigUpdate      = "config.update"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePending = "pending"
)

// AuditEntry is an immutable record of one security-relevant action.
// Entries are appended, never edited or deleted.
type AuditEntry struct {
	bun.BaseModel `bun:"table:broker_audit_entries"`

	ID        uuid.UUID `bun:",pk,type:uuid" json:"id"`
	Timestamp time.Time `bun:",nullzero,notnull,default:current_timestamp" json:"timestamp"`
	Action    string    `bun:",nullzero,notnull" json:"action"`
	Service   string    `bun:",nullzero" json:"service"`
	Principal string    `bun:",nullzero" json:"principal"`
	Agent     string    `bun:",nullzero" json:"agent"`
	Outcome   string    `bun:",nullzero,notnull" json:"outcome"`
	Metadata  JSONMap   `bun:"type:jsonb,nullzero" json:"metadata,omitempty"`
}

// KnownAction reports whether action belongs to the closed audit set.
func KnownAction(action string) bool {
	switch action {
	case ActionCredentialCreate, ActionCredentialAccess, ActionCredentialRotate,
		ActionCredentialRevoke, ActionCredentialTest, ActionIdentityProvision,
		ActionConfigUpdate:
		return true
	default:
		return false
	}
}
