package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewClient(&Config{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func TestNewClient(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		_, err := NewClient(nil)
		assert.Error(t, err)
	})

	t.Run("unreachable server", func(t *testing.T) {
		_, err := NewClient(&Config{Address: "127.0.0.1:1"})
		assert.Error(t, err)
	})

	t.Run("applies defaults", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()

		config := &Config{Address: mr.Addr()}
		client, err := NewClient(config)
		require.NoError(t, err)
		defer client.Close()

		assert.Equal(t, 10, config.PoolSize)
		assert.NoError(t, client.Health())
	})
}

func TestClient_Locking(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	acquired, err := client.AcquireLock(ctx, "renewal-scan", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	// Second acquisition of the same lock fails
	acquired, err = client.AcquireLock(ctx, "renewal-scan", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, client.ExtendLock(ctx, "renewal-scan", 2*time.Minute))

	require.NoError(t, client.ReleaseLock(ctx, "renewal-scan"))
	assert.False(t, mr.Exists("lock:renewal-scan"))

	// Extending a released lock fails
	assert.Error(t, client.ExtendLock(ctx, "renewal-scan", time.Minute))

	// Re-acquire after release succeeds
	acquired, err = client.AcquireLock(ctx, "renewal-scan", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestClient_LockExpiry(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	acquired, err := client.AcquireLock(ctx, "stale", 10*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	mr.FastForward(11 * time.Second)

	acquired, err = client.AcquireLock(ctx, "stale", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestClient_PubSub(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, "policies:reload")
	defer sub.Close()

	// Wait for subscription confirmation before publishing
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Publish(ctx, "policies:reload", "reload"))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "reload", msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pub/sub message")
	}
}
