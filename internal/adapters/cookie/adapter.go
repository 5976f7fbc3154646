// Package cookie implements the opaque session-cookie adapter. Tokens
// are pure random lookup keys; their integrity story is entropy plus a
// verbatim match against the cached value. Expiry and idle-timeout
// enforcement live in the lifecycle coordinator.
package cookie

import (
	"context"
	"crypto/subtle"
	"time"

	"auth-broker/internal/adapters"
	"auth-broker/internal/common/errors"
	"auth-broker/internal/common/logging"
	"auth-broker/internal/common/utils"
	"auth-broker/internal/storage"
)

const (
	// 32 random bytes, base64url encoded
	tokenBytes = 32

	minTokenLength = 16

	defaultHardExpiry = 24 * time.Hour
)

// Adapter implements adapters.Adapter for opaque session cookies.
type Adapter struct {
	id   string
	name string

	cookieName string
	hardExpiry time.Duration

	tokens adapters.TokenLookup
	logger logging.Logger
}

// New builds a cookie adapter from a credential config.
func New(config *storage.CredentialConfig, deps adapters.Deps) (*Adapter, error) {
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Adapter{
		id:         config.ID,
		name:       config.Name,
		cookieName: adapters.SettingString(config.Settings, "cookie_name", "broker_session"),
		hardExpiry: adapters.SettingSeconds(config.Settings, "expires_in", defaultHardExpiry),
		tokens:     deps.Tokens,
		logger:     logger,
	}, nil
}

// ID returns the credential config ID.
func (a *Adapter) ID() string {
	return a.id
}

// Kind returns the cookie kind constant.
func (a *Adapter) Kind() string {
	return storage.KindCookie
}

// HydrateCredentials is a no-op: minting opaque tokens needs no secret
// material.
func (a *Adapter) HydrateCredentials(ctx context.Context) error {
	return nil
}

// FetchFreshToken mints a new opaque session token. The user identity
// is attached afterwards by the login flow via the coordinator's
// session-data hook, never by the adapter.
func (a *Adapter) FetchFreshToken(ctx context.Context, prior *adapters.Prior) (*adapters.Issued, error) {
	token, err := utils.RandomToken(tokenBytes)
	if err != nil {
		return nil, errors.InternalError("failed to mint session token", err)
	}

	return &adapters.Issued{
		AccessToken: token,
		TokenType:   "Cookie",
		ExpiresIn:   a.hardExpiry,
	}, nil
}

// ValidateInbound requires a verbatim match against the cached token.
// The lookup applies hard-expiry and idle-timeout rules, so an expired
// or idle session reads as missing here.
func (a *Adapter) ValidateInbound(ctx context.Context, token string) (*adapters.ValidationResult, error) {
	if len(token) < minTokenLength {
		return &adapters.ValidationResult{
			Valid:  false,
			Reason: errors.CodeTokenFormatInvalid,
		}, nil
	}

	if a.tokens == nil {
		return nil, errors.ConfigError("cookie adapter requires a token lookup").
			WithContext("adapter_id", a.id)
	}

	current, session, err := a.tokens.CurrentToken(ctx, a.id)
	if err != nil {
		if errors.IsType(err, errors.ErrTypeNotFound) {
			return &adapters.ValidationResult{
				Valid:  false,
				Reason: errors.CodeTokenExpired,
			}, nil
		}
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(current)) != 1 {
		return &adapters.ValidationResult{
			Valid:  false,
			Reason: errors.CodeValidationFailed,
		}, nil
	}

	// The login flow binds the user into the session data after the
	// token is minted; absent that, the session is valid but anonymous.
	result := &adapters.ValidationResult{Valid: true}
	if userID, ok := session["user_id"].(string); ok {
		result.UserID = userID
	}
	if len(session) > 0 {
		result.Metadata = session
	}
	return result, nil
}

// ApplyOutbound projects the token as a cookie.
func (a *Adapter) ApplyOutbound(token, targetURL string) (*adapters.Projection, error) {
	if token == "" {
		return nil, errors.ValidationError("cannot project an empty token")
	}

	return &adapters.Projection{
		Cookies: map[string]string{a.cookieName: token},
	}, nil
}

// CookieName returns the cookie this adapter reads and writes.
func (a *Adapter) CookieName() string {
	return a.cookieName
}
