package storage

import (
	"time"
)

// Adapter kinds
const (
	KindOAuth2 = "oauth2"
	KindJWT    = "jwt"
	KindCookie = "cookie"
)

// Policy modes
const (
	ModeRequired = "required"
	ModeOptional = "optional"
	ModeBypass   = "bypass"
)

// CredentialConfig describes one configured adapter instance: which
// kind of credential it manages, its non-secret settings, and an
// encrypted blob holding the secret material.
type CredentialConfig struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"` // oauth2, jwt, cookie

	// Settings holds non-secret adapter configuration: endpoints,
	// issuer, audience, scopes, timeouts.
	Settings map[string]interface{} `json:"settings"`

	// EncryptedSecrets is the AES-GCM blob of the secret payload JSON
	// (client secret, signing key, login credentials). Never exposed.
	EncryptedSecrets string `json:"-"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TokenEntry is one row of the shared token cache, keyed by adapter.
// Version increments on every successful write and guards all
// cross-process mutations.
type TokenEntry struct {
	AdapterID string `json:"adapter_id"`

	// AccessToken is stored encrypted; the coordinator decrypts on read.
	AccessToken string `json:"-"`
	TokenType   string `json:"token_type"`

	ExpiresAt time.Time `json:"expires_at"`
	IssuedAt  time.Time `json:"issued_at"`

	// SessionData carries adapter-specific state as JSON: cookie jars,
	// granted scopes, introspection claims.
	SessionData string `json:"session_data,omitempty"`

	// LastUsedAt drives idle-timeout checks for session credentials.
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`

	RefreshInFlight  bool       `json:"refresh_in_flight"`
	RefreshStartedAt *time.Time `json:"refresh_started_at,omitempty"`

	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the token is past its hard expiry.
func (e *TokenEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// ExpiresWithin reports whether the token expires inside the window.
func (e *TokenEntry) ExpiresWithin(now time.Time, window time.Duration) bool {
	return !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(now.Add(window))
}

// HasToken reports whether the entry holds usable token material, as
// opposed to a placeholder awaiting its first refresh.
func (e *TokenEntry) HasToken() bool {
	return e.AccessToken != ""
}

// InboundPolicy maps a route pattern to an authentication decision.
// Policies are evaluated in priority order; the first match wins.
type InboundPolicy struct {
	ID string `json:"id"`

	// Pattern is a path pattern where ":name" segments match any single
	// path segment, e.g. "/api/orders/:id".
	Pattern string `json:"pattern"`

	// Method restricts the policy to one HTTP method; empty matches all.
	Method string `json:"method,omitempty"`

	// Mode is required, optional, or bypass.
	Mode string `json:"mode"`

	// AdapterID pins the policy to one adapter. Empty on multi-tenant
	// policies, where the adapter is chosen per request.
	AdapterID string `json:"adapter_id,omitempty"`

	// MultiTenant selects the adapter per request from the tenant
	// header instead of pinning one. The header must be set by a
	// trusted upstream, never passed through from the outside world.
	MultiTenant bool `json:"multi_tenant,omitempty"`

	// TenantHeader overrides the gate-wide selection header for this
	// policy.
	TenantHeader string `json:"tenant_header,omitempty"`

	Priority  int       `json:"priority"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Audit event names
const (
	EventRefreshSucceeded  = "refresh_succeeded"
	EventRefreshFailed     = "refresh_failed"
	EventStaleLockCleared  = "stale_lock_cleared"
	EventTokenInvalidated  = "token_invalidated"
	EventValidationDenied  = "validation_denied"
	EventValidationPassed  = "validation_passed"
	EventOutboundAuthError = "outbound_auth_error"
)

// AuditRecord is one entry in the authentication audit log. The
// request fields are populated by the inbound gate; records written
// by background work carry only the adapter and event.
type AuditRecord struct {
	ID        string `json:"id"`
	AdapterID string `json:"adapter_id,omitempty"`
	Event     string `json:"event"`
	Detail    string `json:"detail,omitempty"`

	RequestPath string `json:"request_path,omitempty"`
	Method      string `json:"method,omitempty"`
	CallerIP    string `json:"caller_ip,omitempty"`

	// UserID is the identity the adapter resolved, when validation
	// got far enough to resolve one.
	UserID string `json:"user_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
