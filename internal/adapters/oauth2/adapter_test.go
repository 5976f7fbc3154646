package oauth2

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-broker/internal/adapters"
	"auth-broker/internal/common/errors"
	commonhttp "auth-broker/internal/common/http"
	"auth-broker/internal/crypto"
	"auth-broker/internal/storage"
)

func newEncryptor(t *testing.T) *crypto.SecretEncryptor {
	t.Helper()

	enc, err := crypto.NewSecretEncryptor("test-encryption-key")
	require.NoError(t, err)
	return enc
}

func sealSecrets(t *testing.T, enc *crypto.SecretEncryptor, clientID, clientSecret string) string {
	t.Helper()

	blob, err := enc.EncryptJSON(map[string]string{
		"client_id":     clientID,
		"client_secret": clientSecret,
	})
	require.NoError(t, err)
	return blob
}

func newAdapter(t *testing.T, settings map[string]interface{}, secrets string) *Adapter {
	t.Helper()

	enc := newEncryptor(t)
	adapter, err := New(&storage.CredentialConfig{
		ID:               "oauth-1",
		Name:             "billing-api",
		Kind:             storage.KindOAuth2,
		Settings:         settings,
		EncryptedSecrets: secrets,
		Active:           true,
	}, adapters.Deps{
		Encryptor: enc,
		HTTP:      commonhttp.NewClientWrapper(),
	})
	require.NoError(t, err)
	return adapter
}

func TestNew_RequiresTokenURL(t *testing.T) {
	_, err := New(&storage.CredentialConfig{
		ID:       "oauth-1",
		Kind:     storage.KindOAuth2,
		Settings: map[string]interface{}{},
	}, adapters.Deps{})

	assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
}

func TestFetchFreshToken_ClientCredentials(t *testing.T) {
	var gotForm map[string]string
	var gotAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = map[string]string{
			"grant_type": r.PostFormValue("grant_type"),
			"scope":      r.PostFormValue("scope"),
		}
		gotAuth = r.Header.Get("Authorization")

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "at-12345",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"scope":        "read write",
		})
	}))
	defer server.Close()

	adapter := newAdapter(t, map[string]interface{}{
		"token_url": server.URL,
		"scopes":    []interface{}{"read", "write"},
	}, sealSecrets(t, newEncryptor(t), "client-1", "s3cr3t"))

	issued, err := adapter.FetchFreshToken(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, "at-12345", issued.AccessToken)
	assert.Equal(t, "Bearer", issued.TokenType)
	assert.Equal(t, float64(3600), issued.ExpiresIn.Seconds())
	assert.Equal(t, "client_credentials", gotForm["grant_type"])
	assert.Equal(t, "read write", gotForm["scope"])
	assert.Contains(t, gotAuth, "Basic ")
	assert.Equal(t, "read write", issued.SessionData["scope"])
}

func TestFetchFreshToken_RefreshGrant(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostFormValue("grant_type"))
		assert.Equal(t, "rt-old", r.PostFormValue("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "at-new",
			"refresh_token": "rt-new",
			"expires_in":    1800,
		})
	}))
	defer server.Close()

	adapter := newAdapter(t, map[string]interface{}{
		"token_url":  server.URL,
		"grant_type": "refresh_token",
	}, sealSecrets(t, newEncryptor(t), "client-1", "s3cr3t"))

	issued, err := adapter.FetchFreshToken(context.Background(), &adapters.Prior{RefreshToken: "rt-old"})
	require.NoError(t, err)

	assert.Equal(t, "at-new", issued.AccessToken)
	// The rotated refresh token replaces the spent one
	assert.Equal(t, "rt-new", issued.RefreshToken)
}

func TestFetchFreshToken_RefreshRejectedFallsBack(t *testing.T) {
	var grants []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		grant := r.PostFormValue("grant_type")
		grants = append(grants, grant)

		w.Header().Set("Content-Type", "application/json")
		if grant == "refresh_token" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "at-fallback",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	adapter := newAdapter(t, map[string]interface{}{
		"token_url":  server.URL,
		"grant_type": "refresh_token",
	}, sealSecrets(t, newEncryptor(t), "client-1", "s3cr3t"))

	issued, err := adapter.FetchFreshToken(context.Background(), &adapters.Prior{RefreshToken: "rt-spent"})
	require.NoError(t, err)

	assert.Equal(t, "at-fallback", issued.AccessToken)
	assert.Equal(t, []string{"refresh_token", "client_credentials"}, grants)
}

func TestFetchFreshToken_MissingSecrets(t *testing.T) {
	adapter := newAdapter(t, map[string]interface{}{
		"token_url": "https://auth.example.com/token",
	}, "")

	_, err := adapter.FetchFreshToken(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeCredentialsMissing, errors.GetCode(err))
}

func TestFetchFreshToken_MissingAccessToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"token_type": "Bearer"})
	}))
	defer server.Close()

	adapter := newAdapter(t, map[string]interface{}{
		"token_url": server.URL,
	}, sealSecrets(t, newEncryptor(t), "client-1", "s3cr3t"))

	_, err := adapter.FetchFreshToken(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeRefreshFailed, errors.GetCode(err))
}

func TestValidateInbound_FormatChecks(t *testing.T) {
	adapter := newAdapter(t, map[string]interface{}{
		"token_url": "https://auth.example.com/token",
	}, "")

	for _, token := range []string{"", "short", string(make([]byte, 5000))} {
		result, err := adapter.ValidateInbound(context.Background(), token)
		require.NoError(t, err)
		assert.False(t, result.Valid)
		assert.Equal(t, errors.CodeTokenFormatInvalid, result.Reason)
	}
}

func TestValidateInbound_LenientWithoutIntrospection(t *testing.T) {
	adapter := newAdapter(t, map[string]interface{}{
		"token_url": "https://auth.example.com/token",
	}, "")

	result, err := adapter.ValidateInbound(context.Background(), "a-plausible-opaque-token")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, false, result.Metadata["introspected"])
}

func TestValidateInbound_Introspection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		token := r.PostFormValue("token")
		assert.Contains(t, r.Header.Get("Authorization"), "Basic ")

		w.Header().Set("Content-Type", "application/json")
		if token == "active-token-12345" {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"active": true,
				"sub":    "u1",
				"scope":  "read",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"active": false})
	}))
	defer server.Close()

	adapter := newAdapter(t, map[string]interface{}{
		"token_url":         "https://auth.example.com/token",
		"introspection_url": server.URL,
	}, sealSecrets(t, newEncryptor(t), "client-1", "s3cr3t"))

	result, err := adapter.ValidateInbound(context.Background(), "active-token-12345")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, "u1", result.UserID)
	assert.Equal(t, "read", result.Metadata["scope"])

	result, err = adapter.ValidateInbound(context.Background(), "revoked-token-9999")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, errors.CodeTokenExpired, result.Reason)
}

func TestApplyOutbound(t *testing.T) {
	adapter := newAdapter(t, map[string]interface{}{
		"token_url": "https://auth.example.com/token",
	}, "")

	projection, err := adapter.ApplyOutbound("at-123", "https://api.example.com/orders")
	require.NoError(t, err)
	assert.Equal(t, "Bearer at-123", projection.Headers["Authorization"])

	_, err = adapter.ApplyOutbound("", "https://api.example.com/orders")
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
}

func TestApplyOutbound_QueryPlacement(t *testing.T) {
	adapter := newAdapter(t, map[string]interface{}{
		"token_url":   "https://auth.example.com/token",
		"placement":   "query",
		"query_param": "token",
	}, "")

	projection, err := adapter.ApplyOutbound("at-123", "https://api.example.com/orders")
	require.NoError(t, err)
	assert.Equal(t, "at-123", projection.Query["token"])
	assert.Empty(t, projection.Headers)
}

func TestRegistryBuild(t *testing.T) {
	adapter, err := adapters.Build(&storage.CredentialConfig{
		ID:   "oauth-1",
		Kind: storage.KindOAuth2,
		Settings: map[string]interface{}{
			"token_url": "https://auth.example.com/token",
		},
	}, adapters.Deps{Encryptor: newEncryptor(t)})
	require.NoError(t, err)
	assert.Equal(t, storage.KindOAuth2, adapter.Kind())
}
