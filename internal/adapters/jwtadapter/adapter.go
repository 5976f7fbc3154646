// Package jwtadapter implements the JWT credential adapter: it mints
// signed tokens for outbound calls and verifies presented tokens
// inbound. HS256/HS512 use a shared secret, RS256/RS512 an RSA key pair.
package jwtadapter

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"auth-broker/internal/adapters"
	"auth-broker/internal/common/errors"
	"auth-broker/internal/common/logging"
	"auth-broker/internal/crypto"
	"auth-broker/internal/storage"
)

const defaultTTL = time.Hour

var signingMethods = map[string]jwt.SigningMethod{
	"HS256": jwt.SigningMethodHS256,
	"HS512": jwt.SigningMethodHS512,
	"RS256": jwt.SigningMethodRS256,
	"RS512": jwt.SigningMethodRS512,
}

// secretPayload is the decrypted shape of the adapter's secret blob.
// HS algorithms use Secret; RS algorithms use the PEM key fields.
type secretPayload struct {
	Secret     string `json:"secret,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
	PublicKey  string `json:"public_key,omitempty"`
}

// Adapter implements adapters.Adapter for JWT credentials.
type Adapter struct {
	id   string
	name string

	algorithm string
	method    jwt.SigningMethod
	issuer    string
	audience  string
	subject   string
	ttl       time.Duration
	kid       string
	claims    map[string]interface{}

	headerName   string
	headerPrefix string

	encryptedSecrets string
	encryptor        *crypto.SecretEncryptor
	logger           logging.Logger

	hydrateOnce sync.Once
	hydrateErr  error

	hmacSecret []byte
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

// New builds a JWT adapter from a credential config.
func New(config *storage.CredentialConfig, deps adapters.Deps) (*Adapter, error) {
	algorithm := adapters.SettingString(config.Settings, "algorithm", "HS256")
	method, ok := signingMethods[algorithm]
	if !ok {
		return nil, errors.ConfigError(fmt.Sprintf("unsupported JWT algorithm: %s", algorithm)).
			WithContext("adapter_id", config.ID)
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	var customClaims map[string]interface{}
	if raw, ok := config.Settings["claims"].(map[string]interface{}); ok {
		customClaims = raw
	}

	return &Adapter{
		id:               config.ID,
		name:             config.Name,
		algorithm:        algorithm,
		method:           method,
		issuer:           adapters.SettingString(config.Settings, "issuer", ""),
		audience:         adapters.SettingString(config.Settings, "audience", ""),
		subject:          adapters.SettingString(config.Settings, "subject", ""),
		ttl:              adapters.SettingSeconds(config.Settings, "expires_in", defaultTTL),
		kid:              adapters.SettingString(config.Settings, "kid", ""),
		claims:           customClaims,
		headerName:       adapters.SettingString(config.Settings, "header_name", "Authorization"),
		headerPrefix:     adapters.SettingString(config.Settings, "header_prefix", "Bearer "),
		encryptedSecrets: config.EncryptedSecrets,
		encryptor:        deps.Encryptor,
		logger:           logger,
	}, nil
}

// ID returns the credential config ID.
func (a *Adapter) ID() string {
	return a.id
}

// Kind returns the jwt kind constant.
func (a *Adapter) Kind() string {
	return storage.KindJWT
}

// HydrateCredentials decrypts and parses the signing material. HS
// algorithms need a shared secret; RS algorithms need at least one of
// the PEM keys, depending on direction.
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

		if strings.HasPrefix(a.algorithm, "HS") {
			if payload.Secret == "" {
				a.hydrateErr = errors.CredentialsMissingError(a.id)
				return
			}
			a.hmacSecret = []byte(payload.Secret)
			return
		}

		if payload.PrivateKey != "" {
			key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(payload.PrivateKey))
			if err != nil {
				a.hydrateErr = errors.CredentialsMissingError(a.id).WithContext("cause", err.Error())
				return
			}
			a.privateKey = key
			a.publicKey = &key.PublicKey
		}

		if payload.PublicKey != "" {
			key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(payload.PublicKey))
			if err != nil {
				a.hydrateErr = errors.CredentialsMissingError(a.id).WithContext("cause", err.Error())
				return
			}
			a.publicKey = key
		}

		if a.privateKey == nil && a.publicKey == nil {
			a.hydrateErr = errors.CredentialsMissingError(a.id)
		}
	})

	return a.hydrateErr
}

// FetchFreshToken mints a new signed token. No network round-trip: the
// adapter is its own authority.
func (a *Adapter) FetchFreshToken(ctx context.Context, prior *adapters.Prior) (*adapters.Issued, error) {
	if err := a.HydrateCredentials(ctx); err != nil {
		return nil, err
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(a.ttl).Unix(),
	}
	for k, v := range a.claims {
		claims[k] = v
	}
	if a.issuer != "" {
		claims["iss"] = a.issuer
	}
	if a.subject != "" {
		claims["sub"] = a.subject
	}
	if a.audience != "" {
		claims["aud"] = a.audience
	}

	token := jwt.NewWithClaims(a.method, claims)
	if a.kid != "" && strings.HasPrefix(a.algorithm, "RS") {
		token.Header["kid"] = a.kid
	}

	signingKey, err := a.signingKey()
	if err != nil {
		return nil, err
	}

	signed, err := token.SignedString(signingKey)
	if err != nil {
		return nil, errors.RefreshFailedError(a.id, err)
	}

	return &adapters.Issued{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   a.ttl,
	}, nil
}

// ValidateInbound verifies a presented JWT. The token's header alg must
// equal the configured algorithm; it is checked before verification and
// never trusted to select the key, which closes the alg-confusion hole.
func (a *Adapter) ValidateInbound(ctx context.Context, token string) (*adapters.ValidationResult, error) {
	if strings.Count(token, ".") != 2 {
		return invalid(errors.CodeTokenFormatInvalid), nil
	}

	headerAlg, err := peekAlgorithm(token)
	if err != nil {
		return invalid(errors.CodeTokenFormatInvalid), nil
	}
	if headerAlg != a.algorithm {
		return invalid(errors.CodeSignatureInvalid), nil
	}

	if err := a.HydrateCredentials(ctx); err != nil {
		return nil, err
	}

	verificationKey, err := a.verificationKey()
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{a.algorithm}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return verificationKey, nil
	})
	if err != nil {
		return invalid(mapParseError(err)), nil
	}
	if !parsed.Valid {
		return invalid(errors.CodeSignatureInvalid), nil
	}

	result := &adapters.ValidationResult{
		Valid:    true,
		Metadata: map[string]interface{}(claims),
	}
	if sub, ok := claims["sub"].(string); ok {
		result.UserID = sub
	}

	return result, nil
}

// ApplyOutbound projects the signed token as a bearer header.
func (a *Adapter) ApplyOutbound(token, targetURL string) (*adapters.Projection, error) {
	if token == "" {
		return nil, errors.ValidationError("cannot project an empty token")
	}

	return &adapters.Projection{
		Headers: map[string]string{a.headerName: a.headerPrefix + token},
	}, nil
}

func (a *Adapter) signingKey() (interface{}, error) {
	if strings.HasPrefix(a.algorithm, "HS") {
		return a.hmacSecret, nil
	}
	if a.privateKey == nil {
		return nil, errors.CredentialsMissingError(a.id).WithContext("missing", "private_key")
	}
	return a.privateKey, nil
}

func (a *Adapter) verificationKey() (interface{}, error) {
	if strings.HasPrefix(a.algorithm, "HS") {
		return a.hmacSecret, nil
	}
	if a.publicKey == nil {
		return nil, errors.CredentialsMissingError(a.id).WithContext("missing", "public_key")
	}
	return a.publicKey, nil
}

// peekAlgorithm decodes the JOSE header without verifying anything.
func peekAlgorithm(token string) (string, error) {
	headerSegment := token[:strings.IndexByte(token, '.')]

	headerBytes, err := base64.RawURLEncoding.DecodeString(headerSegment)
	if err != nil {
		return "", err
	}

	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return "", err
	}

	return header.Alg, nil
}

func invalid(reason string) *adapters.ValidationResult {
	return &adapters.ValidationResult{Valid: false, Reason: reason}
}

func mapParseError(err error) string {
	switch {
	case stderrors.Is(err, jwt.ErrTokenMalformed):
		return errors.CodeTokenFormatInvalid
	case stderrors.Is(err, jwt.ErrTokenExpired):
		return errors.CodeTokenExpired
	case stderrors.Is(err, jwt.ErrTokenInvalidIssuer):
		return errors.CodeIssuerMismatch
	case stderrors.Is(err, jwt.ErrTokenInvalidAudience):
		return errors.CodeAudienceMismatch
	case stderrors.Is(err, jwt.ErrTokenSignatureInvalid):
		return errors.CodeSignatureInvalid
	case stderrors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return errors.CodeTokenFormatInvalid
	default:
		return errors.CodeSignatureInvalid
	}
}
