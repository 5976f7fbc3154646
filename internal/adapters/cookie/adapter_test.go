package cookie

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-broker/internal/adapters"
	"auth-broker/internal/common/errors"
	"auth-broker/internal/storage"
)

// stubLookup returns a fixed cached token and session, or an error.
type stubLookup struct {
	token   string
	session map[string]interface{}
	err     error
}

func (s *stubLookup) CurrentToken(ctx context.Context, adapterID string) (string, map[string]interface{}, error) {
	if s.err != nil {
		return "", nil, s.err
	}
	return s.token, s.session, nil
}

func newAdapter(t *testing.T, settings map[string]interface{}, lookup adapters.TokenLookup) *Adapter {
	t.Helper()

	adapter, err := New(&storage.CredentialConfig{
		ID:       "cookie-1",
		Name:     "portal-session",
		Kind:     storage.KindCookie,
		Settings: settings,
	}, adapters.Deps{Tokens: lookup})
	require.NoError(t, err)
	return adapter
}

func TestFetchFreshToken(t *testing.T) {
	adapter := newAdapter(t, nil, nil)

	issued, err := adapter.FetchFreshToken(context.Background(), nil)
	require.NoError(t, err)

	// 32 random bytes as unpadded base64url
	assert.Len(t, issued.AccessToken, 43)
	assert.Equal(t, "Cookie", issued.TokenType)
	assert.Equal(t, 24*time.Hour, issued.ExpiresIn)

	// Each mint is unique
	second, err := adapter.FetchFreshToken(context.Background(), nil)
	require.NoError(t, err)
	assert.NotEqual(t, issued.AccessToken, second.AccessToken)
}

func TestFetchFreshToken_CustomExpiry(t *testing.T) {
	adapter := newAdapter(t, map[string]interface{}{"expires_in": float64(3600)}, nil)

	issued, err := adapter.FetchFreshToken(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, issued.ExpiresIn)
}

func TestValidateInbound_VerbatimMatch(t *testing.T) {
	cached := "CsmnPP0dm0HUYFJ75f7IbJZDFYPrBQ9PPjoxqcQH4vA"
	adapter := newAdapter(t, nil, &stubLookup{token: cached})
	ctx := context.Background()

	result, err := adapter.ValidateInbound(ctx, cached)
	require.NoError(t, err)
	assert.True(t, result.Valid)

	result, err = adapter.ValidateInbound(ctx, "CsmnPP0dm0HUYFJ75f7IbJZDFYPrBQ9PPjoxqcQH4vB")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, errors.CodeValidationFailed, result.Reason)
}

func TestValidateInbound_SurfacesBoundUser(t *testing.T) {
	cached := "CsmnPP0dm0HUYFJ75f7IbJZDFYPrBQ9PPjoxqcQH4vA"
	adapter := newAdapter(t, nil, &stubLookup{
		token:   cached,
		session: map[string]interface{}{"user_id": "u-77", "role": "admin"},
	})

	result, err := adapter.ValidateInbound(context.Background(), cached)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, "u-77", result.UserID)
	assert.Equal(t, "admin", result.Metadata["role"])
}

func TestValidateInbound_AnonymousSession(t *testing.T) {
	cached := "CsmnPP0dm0HUYFJ75f7IbJZDFYPrBQ9PPjoxqcQH4vA"
	adapter := newAdapter(t, nil, &stubLookup{token: cached})

	result, err := adapter.ValidateInbound(context.Background(), cached)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Empty(t, result.UserID)
}

func TestValidateInbound_ShortToken(t *testing.T) {
	adapter := newAdapter(t, nil, &stubLookup{token: "whatever"})

	result, err := adapter.ValidateInbound(context.Background(), "too-short")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, errors.CodeTokenFormatInvalid, result.Reason)
}

func TestValidateInbound_NoCachedSession(t *testing.T) {
	adapter := newAdapter(t, nil, &stubLookup{err: errors.NotFoundError("token entry")})

	result, err := adapter.ValidateInbound(context.Background(), "a-plausible-session-token")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, errors.CodeTokenExpired, result.Reason)
}

func TestValidateInbound_LookupFailure(t *testing.T) {
	adapter := newAdapter(t, nil, &stubLookup{err: errors.InternalError("storage down", nil)})

	_, err := adapter.ValidateInbound(context.Background(), "a-plausible-session-token")
	assert.True(t, errors.IsType(err, errors.ErrTypeInternal))
}

func TestApplyOutbound(t *testing.T) {
	adapter := newAdapter(t, map[string]interface{}{"cookie_name": "portal_sid"}, nil)

	projection, err := adapter.ApplyOutbound("session-token-value", "https://portal.example.com")
	require.NoError(t, err)
	assert.Equal(t, "session-token-value", projection.Cookies["portal_sid"])
}

func TestIdleTimeoutSetting(t *testing.T) {
	cfg := &storage.CredentialConfig{
		Kind:     storage.KindCookie,
		Settings: map[string]interface{}{"idle_timeout": float64(300)},
	}
	assert.Equal(t, 5*time.Minute, adapters.IdleTimeout(cfg))

	// Default for cookies is an hour; other kinds have none
	assert.Equal(t, time.Hour, adapters.IdleTimeout(&storage.CredentialConfig{Kind: storage.KindCookie}))
	assert.Equal(t, time.Duration(0), adapters.IdleTimeout(&storage.CredentialConfig{Kind: storage.KindOAuth2}))
}
