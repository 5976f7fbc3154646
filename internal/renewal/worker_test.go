package renewal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-broker/internal/adapters"
	_ "auth-broker/internal/adapters/cookie"
	"auth-broker/internal/crypto"
	"auth-broker/internal/lifecycle"
	"auth-broker/internal/storage"
	"auth-broker/internal/testutil"
)

func newTestWorker(t *testing.T) (*Worker, *lifecycle.Coordinator, *testutil.MockStorage, *crypto.SecretEncryptor) {
	t.Helper()

	enc, err := crypto.NewSecretEncryptor("renewal-test-key")
	require.NoError(t, err)

	store := testutil.NewMockStorage()
	coordinator := lifecycle.NewCoordinator(store, enc, nil)

	worker := NewWorker(Config{
		Threshold:   5 * time.Minute,
		Coordinator: coordinator,
		Store:       store,
		AdapterDeps: adapters.Deps{Encryptor: enc, Tokens: coordinator},
	})

	return worker, coordinator, store, enc
}

func seedToken(t *testing.T, store *testutil.MockStorage, enc *crypto.SecretEncryptor, adapterID string, expiresIn time.Duration) {
	t.Helper()
	ctx := context.Background()

	created, err := store.CreateTokenPlaceholder(ctx, adapterID)
	require.NoError(t, err)
	require.True(t, created)

	encrypted, err := enc.Encrypt("seed-token-" + adapterID)
	require.NoError(t, err)

	done, err := store.CompleteRefresh(ctx, &storage.TokenEntry{
		AdapterID:   adapterID,
		AccessToken: encrypted,
		TokenType:   "Cookie",
		ExpiresAt:   time.Now().Add(expiresIn),
		IssuedAt:    time.Now(),
	}, 1)
	require.NoError(t, err)
	require.True(t, done)
}

func seedCookieConfig(t *testing.T, store *testutil.MockStorage, id string, active bool) {
	t.Helper()

	require.NoError(t, store.CreateCredentialConfig(context.Background(), &storage.CredentialConfig{
		ID:     id,
		Name:   "session-" + id,
		Kind:   storage.KindCookie,
		Active: active,
	}))
}

func TestRunOnce_RefreshesExpiringTokens(t *testing.T) {
	worker, _, store, enc := newTestWorker(t)
	ctx := context.Background()

	seedCookieConfig(t, store, "expiring", true)
	seedCookieConfig(t, store, "healthy", true)
	seedToken(t, store, enc, "expiring", 2*time.Minute)
	seedToken(t, store, enc, "healthy", 2*time.Hour)

	require.NoError(t, worker.RunOnce(ctx))

	// The expiring entry was rewritten with a new token and lifetime
	refreshed := store.Tokens["expiring"]
	assert.Equal(t, int64(3), refreshed.Version)
	assert.True(t, refreshed.ExpiresAt.After(time.Now().Add(time.Hour)))
	assert.Contains(t, store.AuditEvents(), storage.EventRefreshSucceeded)

	// The healthy entry was left alone
	assert.Equal(t, int64(2), store.Tokens["healthy"].Version)
}

func TestRunOnce_SkipsInactiveConfigs(t *testing.T) {
	worker, _, store, enc := newTestWorker(t)
	ctx := context.Background()

	seedCookieConfig(t, store, "disabled", false)
	seedToken(t, store, enc, "disabled", 2*time.Minute)

	require.NoError(t, worker.RunOnce(ctx))

	assert.Equal(t, int64(2), store.Tokens["disabled"].Version)
}

func TestRunOnce_DropsOrphanedEntries(t *testing.T) {
	worker, _, store, enc := newTestWorker(t)
	ctx := context.Background()

	// Token without a credential config behind it
	seedToken(t, store, enc, "orphan", 2*time.Minute)

	require.NoError(t, worker.RunOnce(ctx))

	assert.NotContains(t, store.Tokens, "orphan")
	assert.Contains(t, store.AuditEvents(), storage.EventTokenInvalidated)
}

func TestRunOnce_FailureDoesNotAbortScan(t *testing.T) {
	worker, _, store, enc := newTestWorker(t)
	ctx := context.Background()

	// An unknown adapter kind fails to build but must not stop the rest
	require.NoError(t, store.CreateCredentialConfig(ctx, &storage.CredentialConfig{
		ID:     "broken",
		Name:   "broken",
		Kind:   "no-such-kind",
		Active: true,
	}))
	seedCookieConfig(t, store, "fine", true)
	seedToken(t, store, enc, "broken", time.Minute)
	seedToken(t, store, enc, "fine", 2*time.Minute)

	require.NoError(t, worker.RunOnce(ctx))

	assert.Equal(t, int64(2), store.Tokens["broken"].Version)
	assert.Equal(t, int64(3), store.Tokens["fine"].Version)
}

func TestTick_SkipsWhenAlreadyRunning(t *testing.T) {
	worker, _, store, enc := newTestWorker(t)

	seedCookieConfig(t, store, "expiring", true)
	seedToken(t, store, enc, "expiring", 2*time.Minute)

	worker.running = 1
	worker.tick()

	// Nothing happened while the previous scan held the flag
	assert.Equal(t, int64(2), store.Tokens["expiring"].Version)

	worker.running = 0
	worker.tick()
	assert.Equal(t, int64(3), store.Tokens["expiring"].Version)
}

func TestWorker_StartStop(t *testing.T) {
	worker, _, _, _ := newTestWorker(t)

	require.NoError(t, worker.Start())
	worker.Stop()
}

func TestWorker_InvalidSchedule(t *testing.T) {
	worker := NewWorker(Config{Schedule: "not a schedule"})
	assert.Error(t, worker.Start())
}
