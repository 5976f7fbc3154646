package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-broker/internal/common/errors"
	"auth-broker/internal/config"
	"auth-broker/internal/storage"
)

func newTestApp(t *testing.T) *App {
	t.Helper()

	cfg := &config.Config{
		ServerPort:      8085,
		ShutdownTimeout: 5 * time.Second,
		DatabaseType:    "sqlite",
		DatabasePath:    ":memory:",
		EncryptionKey:   "app-test-encryption-key",
		RenewalEnabled:  false,
	}
	require.NoError(t, cfg.Validate())

	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(a.Cleanup)

	require.NoError(t, a.Start(context.Background()))
	return a
}

func seedJWTConfig(t *testing.T, a *App, id string) {
	t.Helper()

	secrets, err := a.Encryptor.EncryptJSON(map[string]string{"secret": "s3cr3t"})
	require.NoError(t, err)

	require.NoError(t, a.Storage.CreateCredentialConfig(context.Background(), &storage.CredentialConfig{
		ID:   id,
		Name: id,
		Kind: storage.KindJWT,
		Settings: map[string]interface{}{
			"algorithm": "HS256",
			"issuer":    "bridge",
			"subject":   "u1",
		},
		EncryptedSecrets: secrets,
		Active:           true,
	}))
}

func signTestToken(t *testing.T) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "bridge",
		"sub": "u1",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("s3cr3t"))
	require.NoError(t, err)
	return signed
}

func doRequest(a *App, req *http.Request) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	a.Router.ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	return body
}

func TestHealthCheck(t *testing.T) {
	a := newTestApp(t)

	recorder := doRequest(a, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	body := decodeBody(t, recorder)
	assert.Equal(t, "healthy", body["status"])

	checks := body["checks"].(map[string]interface{})
	assert.Equal(t, "ok", checks["storage"])
	assert.NotContains(t, checks, "redis", "redis check only runs when configured")
}

func TestOutboundEndpoint(t *testing.T) {
	a := newTestApp(t)
	seedJWTConfig(t, a, "jwt-1")

	req := httptest.NewRequest("POST", "/api/auth/outbound/jwt-1",
		strings.NewReader(`{"target_url":"https://partner.example.com/api"}`))
	recorder := doRequest(a, req)
	require.Equal(t, http.StatusOK, recorder.Code)

	body := decodeBody(t, recorder)
	headers := body["headers"].(map[string]interface{})
	authz := headers["Authorization"].(string)
	assert.True(t, strings.HasPrefix(authz, "Bearer "))
	assert.Equal(t, 2, strings.Count(authz, "."), "expected a signed JWT")

	// The minted token landed in the shared cache
	entry, err := a.Storage.GetTokenEntry(context.Background(), "jwt-1")
	require.NoError(t, err)
	assert.True(t, entry.HasToken())
}

func TestOutboundEndpoint_UnknownAdapter(t *testing.T) {
	a := newTestApp(t)

	recorder := doRequest(a, httptest.NewRequest("POST", "/api/auth/outbound/nope", nil))
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestInvalidateEndpoint(t *testing.T) {
	a := newTestApp(t)
	seedJWTConfig(t, a, "jwt-1")

	recorder := doRequest(a, httptest.NewRequest("POST", "/api/auth/outbound/jwt-1", nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = doRequest(a, httptest.NewRequest("POST", "/api/auth/invalidate/jwt-1", nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	_, err := a.Storage.GetTokenEntry(context.Background(), "jwt-1")
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}

func TestGateEnforcement(t *testing.T) {
	a := newTestApp(t)
	seedJWTConfig(t, a, "jwt-1")

	require.NoError(t, a.Storage.CreateInboundPolicy(context.Background(), &storage.InboundPolicy{
		ID:        "orders-policy",
		Pattern:   "/api/orders/*",
		Mode:      storage.ModeRequired,
		AdapterID: "jwt-1",
		Priority:  10,
		Active:    true,
	}))

	recorder := doRequest(a, httptest.NewRequest("POST", "/api/auth/policies/reload", nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	// No credential
	recorder = doRequest(a, httptest.NewRequest("GET", "/api/orders/42", nil))
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Equal(t, "Bearer", recorder.Header().Get("WWW-Authenticate"))

	// Valid credential flows through with its identity
	req := httptest.NewRequest("GET", "/api/orders/42", nil)
	req.Header.Set("Authorization", "Bearer "+signTestToken(t))
	recorder = doRequest(a, req)
	require.Equal(t, http.StatusOK, recorder.Code)

	body := decodeBody(t, recorder)
	assert.Equal(t, "jwt-1", body["adapter_id"])
	assert.Equal(t, "u1", body["user_id"])
}

func TestControlPlaneSurvivesCatchAllPolicy(t *testing.T) {
	a := newTestApp(t)
	seedJWTConfig(t, a, "jwt-1")

	require.NoError(t, a.Storage.CreateInboundPolicy(context.Background(), &storage.InboundPolicy{
		ID:        "lockdown",
		Pattern:   "/*",
		Mode:      storage.ModeRequired,
		AdapterID: "jwt-1",
		Priority:  1,
		Active:    true,
	}))

	recorder := doRequest(a, httptest.NewRequest("POST", "/api/auth/policies/reload", nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	// The lockdown applies to application routes
	recorder = doRequest(a, httptest.NewRequest("GET", "/anything", nil))
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	// But never to the broker's own endpoints
	recorder = doRequest(a, httptest.NewRequest("POST", "/api/auth/policies/reload", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
	recorder = doRequest(a, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestNew_UnsupportedStorage(t *testing.T) {
	cfg := &config.Config{
		ServerPort:    8085,
		DatabaseType:  "sqlite",
		DatabasePath:  ":memory:",
		EncryptionKey: "app-test-encryption-key",
	}
	cfg.DatabaseType = "mongo"

	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
}
