// Package adapters defines the credential adapter contract and the
// registry that maps adapter kinds to their factories. Adapters know how
// to talk to one kind of credential authority; they hold no token state.
// All caching and refresh coordination happens in the lifecycle package.
package adapters

import (
	"context"
	"time"

	commonhttp "auth-broker/internal/common/http"
	"auth-broker/internal/common/logging"
	"auth-broker/internal/crypto"
	"auth-broker/internal/storage"
)

// Issued is a freshly obtained credential from the authority. The
// coordinator encrypts and persists it; adapters never keep a copy.
type Issued struct {
	AccessToken string

	// RefreshToken is set when the authority handed out a refresh
	// credential alongside the access token. May rotate on every grant.
	RefreshToken string

	TokenType string

	// ExpiresIn is the authority-reported lifetime. Zero means the
	// authority did not state one and the adapter's default applies.
	ExpiresIn time.Duration

	// SessionData carries adapter-specific state to persist alongside
	// the token: granted scopes, introspection hints.
	SessionData map[string]interface{}
}

// Prior carries decrypted material from the previous cache entry into a
// fetch, so grant flows that depend on earlier state (refresh_token)
// can use it. Nil when no usable prior entry exists.
type Prior struct {
	RefreshToken string
	SessionData  map[string]interface{}
}

// ValidationResult is the outcome of an inbound credential check.
// Failures are captured here with a machine-readable reason, never
// returned as errors; only infrastructure failures surface as errors.
type ValidationResult struct {
	Valid    bool                   `json:"valid"`
	UserID   string                 `json:"user_id,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Projection describes how a token attaches to an outgoing request.
// The caller merges it into the request it is about to send.
type Projection struct {
	Headers map[string]string `json:"headers,omitempty"`
	Cookies map[string]string `json:"cookies,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
}

// TokenLookup gives inbound adapters read access to the broker's cached
// token material, so opaque credentials can be compared against the
// stored value. Implemented by the lifecycle coordinator.
type TokenLookup interface {
	// CurrentToken returns the decrypted cached token for the adapter
	// together with its decoded session data, applying expiry and
	// idle-timeout rules. NotFound when no valid token exists.
	CurrentToken(ctx context.Context, adapterID string) (string, map[string]interface{}, error)
}

// Adapter is the closed set of credential strategies the broker
// supports. Implementations must be safe for concurrent use.
type Adapter interface {
	// ID returns the credential config ID this instance was built from.
	ID() string

	// Kind returns the adapter kind constant (oauth2, jwt, cookie).
	Kind() string

	// HydrateCredentials decrypts the secret payload. Idempotent; called
	// lazily before the first operation that needs secrets. Returns a
	// credentials_missing error when no usable payload exists.
	HydrateCredentials(ctx context.Context) error

	// FetchFreshToken obtains a new credential from the authority.
	// prior is the decrypted previous entry, nil when none exists.
	FetchFreshToken(ctx context.Context, prior *Prior) (*Issued, error)

	// ValidateInbound checks a presented credential. Validation failures
	// come back in the result; the error return is reserved for
	// infrastructure and credential-configuration failures.
	ValidateInbound(ctx context.Context, token string) (*ValidationResult, error)

	// ApplyOutbound projects a token onto an outgoing request shape.
	ApplyOutbound(token, targetURL string) (*Projection, error)
}

// Deps bundles the shared infrastructure adapters are built with.
type Deps struct {
	Encryptor *crypto.SecretEncryptor

	// HTTP is used for authority calls. When nil, adapters that need one
	// build their own breaker-protected client.
	HTTP *commonhttp.ClientWrapper

	// Tokens is required by adapters that validate against the cached
	// token (cookie). May be nil for the others.
	Tokens TokenLookup

	Logger logging.Logger
}

// Factory builds adapter instances of one kind.
type Factory interface {
	Kind() string
	Create(config *storage.CredentialConfig, deps Deps) (Adapter, error)
}
