// Package oauth2 implements the OAuth2 credential adapter: token grants
// via client_credentials or refresh_token, and inbound validation via
// RFC 7662 introspection when an endpoint is configured.
package oauth2

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"auth-broker/internal/adapters"
	"auth-broker/internal/circuitbreaker"
	"auth-broker/internal/common/errors"
	commonhttp "auth-broker/internal/common/http"
	"auth-broker/internal/common/logging"
	"auth-broker/internal/crypto"
	"auth-broker/internal/storage"
)

const (
	// Opaque tokens outside these bounds are rejected without a
	// round-trip to the authority.
	minTokenLength = 16
	maxTokenLength = 4096

	defaultTimeout = 15 * time.Second
)

// secretPayload is the decrypted shape of the adapter's secret blob.
type secretPayload struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// tokenResponse is the authority's answer to a token grant.
type tokenResponse struct {
	AccessToken  string  `json:"access_token"`
	TokenType    string  `json:"token_type"`
	ExpiresIn    float64 `json:"expires_in"`
	RefreshToken string  `json:"refresh_token"`
	Scope        string  `json:"scope"`
}

// introspectionResponse is the RFC 7662 answer shape.
type introspectionResponse struct {
	Active   bool   `json:"active"`
	Sub      string `json:"sub"`
	Username string `json:"username"`
	Scope    string `json:"scope"`
	Exp      int64  `json:"exp"`
	ClientID string `json:"client_id"`
}

// Adapter implements adapters.Adapter for OAuth2 credentials.
type Adapter struct {
	id   string
	name string

	tokenURL         string
	introspectionURL string
	grantType        string
	scopes           []string
	audience         string

	placement    string // header or query
	headerName   string
	headerPrefix string
	queryParam   string

	encryptedSecrets string
	encryptor        *crypto.SecretEncryptor

	tokenClient      *commonhttp.ClientWrapper
	introspectClient *commonhttp.ClientWrapper

	logger logging.Logger

	hydrateOnce sync.Once
	hydrateErr  error
	secrets     secretPayload
}

// New builds an OAuth2 adapter from a credential config.
func New(config *storage.CredentialConfig, deps adapters.Deps) (*Adapter, error) {
	tokenURL := adapters.SettingString(config.Settings, "token_url", "")
	if tokenURL == "" {
		return nil, errors.ConfigError("oauth2 adapter requires a token_url setting").
			WithContext("adapter_id", config.ID)
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	a := &Adapter{
		id:               config.ID,
		name:             config.Name,
		tokenURL:         tokenURL,
		introspectionURL: adapters.SettingString(config.Settings, "introspection_url", ""),
		grantType:        adapters.SettingString(config.Settings, "grant_type", "client_credentials"),
		scopes:           adapters.SettingStrings(config.Settings, "scopes"),
		audience:         adapters.SettingString(config.Settings, "audience", ""),
		placement:        adapters.SettingString(config.Settings, "placement", "header"),
		headerName:       adapters.SettingString(config.Settings, "header_name", "Authorization"),
		headerPrefix:     adapters.SettingString(config.Settings, "header_prefix", "Bearer "),
		queryParam:       adapters.SettingString(config.Settings, "query_param", "access_token"),
		encryptedSecrets: config.EncryptedSecrets,
		encryptor:        deps.Encryptor,
		logger:           logger,
	}

	if deps.HTTP != nil {
		a.tokenClient = deps.HTTP
		a.introspectClient = deps.HTTP
	} else {
		a.tokenClient = commonhttp.NewClientWrapper(commonhttp.WithTimeout(defaultTimeout)).
			WithCircuitBreaker(circuitbreaker.NewGoBreaker("oauth2-token:"+config.ID, circuitbreaker.TokenEndpointConfig, logger))
		a.introspectClient = commonhttp.NewClientWrapper(commonhttp.WithTimeout(defaultTimeout)).
			WithCircuitBreaker(circuitbreaker.NewGoBreaker("oauth2-introspect:"+config.ID, circuitbreaker.IntrospectionConfig, logger))
	}

	return a, nil
}

// ID returns the credential config ID.
func (a *Adapter) ID() string {
	return a.id
}

// Kind returns the oauth2 kind constant.
func (a *Adapter) Kind() string {
	return storage.KindOAuth2
}

// HydrateCredentials decrypts the client credentials. Runs once; the
// result is cached for the lifetime of the instance.
func (a *Adapter) HydrateCredentials(ctx context.Context) error {
	a.hydrateOnce.Do(func() {
		if a.encryptedSecrets == "" {
			a.hydrateErr = errors.CredentialsMissingError(a.id)
			return
		}
		if a.encryptor == nil {
			a.hydrateErr = errors.ConfigError("no encryptor configured").WithContext("adapter_id", a.id)
			return
		}

		var payload secretPayload
		if err := a.encryptor.DecryptJSON(a.encryptedSecrets, &payload); err != nil {
			a.hydrateErr = errors.CredentialsMissingError(a.id).WithContext("cause", err.Error())
			return
		}

		if payload.ClientID == "" || payload.ClientSecret == "" {
			a.hydrateErr = errors.CredentialsMissingError(a.id)
			return
		}

		a.secrets = payload
	})

	return a.hydrateErr
}

// FetchFreshToken obtains a token from the authority. When the adapter
// is configured for the refresh_token grant and a cached refresh token
// exists, that grant runs first; a rejection falls back to
// client_credentials, since refresh tokens are often single-use and a
// spent one must not wedge the adapter.
func (a *Adapter) FetchFreshToken(ctx context.Context, prior *adapters.Prior) (*adapters.Issued, error) {
	if err := a.HydrateCredentials(ctx); err != nil {
		return nil, err
	}

	if a.grantType == "refresh_token" && prior != nil && prior.RefreshToken != "" {
		issued, err := a.grant(ctx, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {prior.RefreshToken},
		})
		if err == nil {
			return issued, nil
		}

		a.logger.Warn("Refresh grant rejected, falling back to client_credentials",
			logging.Field{Key: "adapter_id", Value: a.id},
			logging.Field{Key: "error", Value: err.Error()},
		)
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	if len(a.scopes) > 0 {
		form.Set("scope", strings.Join(a.scopes, " "))
	}
	if a.audience != "" {
		form.Set("audience", a.audience)
	}

	return a.grant(ctx, form)
}

func (a *Adapter) grant(ctx context.Context, form url.Values) (*adapters.Issued, error) {
	headers := map[string]string{
		"Authorization": a.basicAuth(),
	}

	resp, err := a.tokenClient.PostForm(ctx, a.tokenURL, form, headers)
	if err != nil {
		return nil, errors.RefreshFailedError(a.id, err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp.RawBody, &tr); err != nil {
		return nil, errors.RefreshFailedError(a.id, fmt.Errorf("malformed token response: %w", err))
	}

	if tr.AccessToken == "" {
		return nil, errors.RefreshFailedError(a.id, fmt.Errorf("token response missing access_token"))
	}

	tokenType := tr.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	issued := &adapters.Issued{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tokenType,
		ExpiresIn:    time.Duration(tr.ExpiresIn) * time.Second,
	}

	if tr.Scope != "" {
		issued.SessionData = map[string]interface{}{"scope": tr.Scope}
	}

	return issued, nil
}

// ValidateInbound checks a presented bearer token. With an
// introspection endpoint configured, the authority decides; without
// one, only structural plausibility is checked.
func (a *Adapter) ValidateInbound(ctx context.Context, token string) (*adapters.ValidationResult, error) {
	if len(token) < minTokenLength || len(token) > maxTokenLength {
		return &adapters.ValidationResult{
			Valid:  false,
			Reason: errors.CodeTokenFormatInvalid,
		}, nil
	}

	if a.introspectionURL == "" {
		return &adapters.ValidationResult{
			Valid:    true,
			Metadata: map[string]interface{}{"introspected": false},
		}, nil
	}

	if err := a.HydrateCredentials(ctx); err != nil {
		return nil, err
	}

	form := url.Values{"token": {token}}
	headers := map[string]string{
		"Authorization": a.basicAuth(),
	}

	resp, err := a.introspectClient.PostForm(ctx, a.introspectionURL, form, headers)
	if err != nil {
		return nil, errors.InternalError("introspection call failed", err).
			WithContext("adapter_id", a.id)
	}

	var ir introspectionResponse
	if err := json.Unmarshal(resp.RawBody, &ir); err != nil {
		return nil, errors.InternalError("malformed introspection response", err).
			WithContext("adapter_id", a.id)
	}

	if !ir.Active {
		return &adapters.ValidationResult{
			Valid:  false,
			Reason: errors.CodeTokenExpired,
		}, nil
	}

	userID := ir.Sub
	if userID == "" {
		userID = ir.Username
	}

	metadata := map[string]interface{}{"introspected": true}
	if ir.Scope != "" {
		metadata["scope"] = ir.Scope
	}
	if ir.ClientID != "" {
		metadata["client_id"] = ir.ClientID
	}

	return &adapters.ValidationResult{
		Valid:    true,
		UserID:   userID,
		Metadata: metadata,
	}, nil
}

// ApplyOutbound projects the token per the configured placement.
func (a *Adapter) ApplyOutbound(token, targetURL string) (*adapters.Projection, error) {
	if token == "" {
		return nil, errors.ValidationError("cannot project an empty token")
	}

	switch a.placement {
	case "query":
		return &adapters.Projection{
			Query: map[string]string{a.queryParam: token},
		}, nil
	case "header", "":
		return &adapters.Projection{
			Headers: map[string]string{a.headerName: a.headerPrefix + token},
		}, nil
	default:
		return nil, errors.ConfigError(fmt.Sprintf("unsupported placement: %s", a.placement)).
			WithContext("adapter_id", a.id)
	}
}

func (a *Adapter) basicAuth() string {
	creds := a.secrets.ClientID + ":" + a.secrets.ClientSecret
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
}
