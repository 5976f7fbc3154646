package locks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-broker/internal/redis"
)

func setupManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := redis.NewClient(&redis.Config{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	manager := NewManager(client)
	t.Cleanup(func() { manager.Close() })

	return manager, mr
}

func TestManager_AcquireAndRelease(t *testing.T) {
	manager, mr := setupManager(t)
	ctx := context.Background()

	lock, err := manager.AcquireLock(ctx, "resource-a", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, lock)

	assert.Equal(t, "resource-a", lock.Key())
	assert.True(t, lock.IsHeld())
	assert.True(t, mr.Exists("lock:resource-a"))

	require.NoError(t, lock.Release(ctx))
	assert.False(t, lock.IsHeld())
}

func TestManager_SecondAcquisitionFails(t *testing.T) {
	manager, _ := setupManager(t)
	ctx := context.Background()

	lock, err := manager.AcquireLock(ctx, "resource-b", 30*time.Second)
	require.NoError(t, err)
	defer lock.Release(ctx)

	_, err = manager.AcquireLock(ctx, "resource-b", 30*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already held")
}

func TestManager_Renewal(t *testing.T) {
	manager, mr := setupManager(t)
	ctx := context.Background()

	// 3s expiration renews every second
	lock, err := manager.AcquireLock(ctx, "resource-c", 3*time.Second)
	require.NoError(t, err)
	defer lock.Release(ctx)

	time.Sleep(1500 * time.Millisecond)

	assert.True(t, lock.IsHeld())
	assert.True(t, mr.Exists("lock:resource-c"))
}

func TestManager_RenewalFailureReleasesLock(t *testing.T) {
	manager, mr := setupManager(t)
	ctx := context.Background()

	lock, err := manager.AcquireLock(ctx, "resource-d", 3*time.Second)
	require.NoError(t, err)

	// Simulate the lock expiring out from under us
	mr.Del("lock:resource-d")

	assert.Eventually(t, func() bool {
		return !lock.IsHeld()
	}, 5*time.Second, 100*time.Millisecond)
}

func TestManager_AcquireScanLock(t *testing.T) {
	manager, mr := setupManager(t)
	ctx := context.Background()

	lock, err := manager.AcquireScanLock(ctx)
	require.NoError(t, err)
	defer lock.Release(ctx)

	assert.Equal(t, "renewal-scan", lock.Key())
	assert.True(t, mr.Exists("lock:renewal-scan"))

	// Only one instance scans per cycle
	_, err = manager.AcquireScanLock(ctx)
	assert.Error(t, err)
}

func TestManager_Close(t *testing.T) {
	manager, _ := setupManager(t)
	ctx := context.Background()

	lock1, err := manager.AcquireLock(ctx, "close-1", 30*time.Second)
	require.NoError(t, err)
	lock2, err := manager.AcquireLock(ctx, "close-2", 30*time.Second)
	require.NoError(t, err)

	require.NoError(t, manager.Close())

	assert.False(t, lock1.IsHeld())
	assert.False(t, lock2.IsHeld())
}
