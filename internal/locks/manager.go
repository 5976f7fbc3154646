// Package locks provides Redis-backed distributed locks with automatic
// renewal. The renewal worker uses them to elect a single scanning
// instance; token refresh relies on storage CAS instead.
package locks

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	scanLockKey    = "renewal-scan"
	scanLockExpiry = 30 * time.Second
	redisOpTimeout = 5 * time.Second
)

// RedisLockClient is the subset of the Redis client the Manager needs
type RedisLockClient interface {
	AcquireLock(ctx context.Context, key string, expiration time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
	ExtendLock(ctx context.Context, key string, expiration time.Duration) error
}

// Lock is the interface held-lock consumers work against.
type Lock interface {
	// Key returns the lock's identifier.
	Key() string

	// Extend updates the expiration used by future renewals.
	Extend(ctx context.Context, expiration time.Duration) error

	// Release stops renewal and removes the lock from Redis. Safe to
	// call more than once.
	Release(ctx context.Context) error

	// IsHeld reports whether this instance still holds the lock. Local
	// state only; does not query Redis.
	IsHeld() bool
}

// Manager tracks locks held by this instance and renews them in the
// background before they expire. Safe for concurrent use.
type Manager struct {
	redis RedisLockClient

	mu   sync.Mutex
	held map[string]*heldLock
}

// NewManager creates a lock manager backed by the given Redis client.
func NewManager(redisClient RedisLockClient) *Manager {
	return &Manager{
		redis: redisClient,
		held:  make(map[string]*heldLock),
	}
}

// AcquireLock attempts to take the named lock. On success a background
// goroutine renews it at 1/3 of the expiration interval until Release.
// Returns an error when another process already holds the lock.
func (m *Manager) AcquireLock(ctx context.Context, key string, expiration time.Duration) (Lock, error) {
	acquired, err := m.redis.AcquireLock(ctx, key, expiration)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire distributed lock: %w", err)
	}
	if !acquired {
		return nil, fmt.Errorf("lock %s already held by another process", key)
	}

	stopCtx, stop := context.WithCancel(context.Background())
	lock := &heldLock{
		manager:    m,
		key:        key,
		expiration: expiration,
		stopCtx:    stopCtx,
		stop:       stop,
	}

	m.mu.Lock()
	m.held[key] = lock
	m.mu.Unlock()

	go lock.renew()

	return lock, nil
}

// AcquireScanLock takes the cluster-wide lock that elects which
// instance runs the expiring-token scan this cycle. Expiration is short
// so a crashed instance does not stall renewals for long.
func (m *Manager) AcquireScanLock(ctx context.Context) (Lock, error) {
	return m.AcquireLock(ctx, scanLockKey, scanLockExpiry)
}

// Close stops renewal for every held lock and deletes them from Redis.
func (m *Manager) Close() error {
	m.mu.Lock()
	locks := make([]*heldLock, 0, len(m.held))
	for _, lock := range m.held {
		locks = append(locks, lock)
	}
	m.mu.Unlock()

	for _, lock := range locks {
		lock.Release(context.Background())
	}
	return nil
}

func (m *Manager) forget(key string) {
	m.mu.Lock()
	delete(m.held, key)
	m.mu.Unlock()
}

// heldLock is a lock acquired by this instance.
type heldLock struct {
	manager *Manager
	key     string

	mu         sync.Mutex
	expiration time.Duration

	stopCtx context.Context
	stop    context.CancelFunc
	release sync.Once
}

// renew extends the lock at a third of its expiration until released.
// A failed extension means the lock was lost; local state is dropped so
// IsHeld stops reporting ownership the holder no longer has.
func (l *heldLock) renew() {
	interval := l.currentExpiration() / 3
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCtx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
			err := l.manager.redis.ExtendLock(ctx, l.key, l.currentExpiration())
			cancel()

			if err != nil {
				l.manager.forget(l.key)
				l.stop()
				return
			}
		}
	}
}

func (l *heldLock) currentExpiration() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiration
}

func (l *heldLock) Key() string {
	return l.key
}

// Extend updates the expiration used on the next renewal cycle. It does
// not touch Redis immediately.
func (l *heldLock) Extend(ctx context.Context, expiration time.Duration) error {
	l.mu.Lock()
	l.expiration = expiration
	l.mu.Unlock()
	return nil
}

// Release stops renewal and deletes the lock from Redis, so the next
// acquisition (this instance or a sibling) does not wait out the TTL.
func (l *heldLock) Release(ctx context.Context) error {
	var err error
	l.release.Do(func() {
		l.stop()
		l.manager.forget(l.key)

		opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
		defer cancel()
		err = l.manager.redis.ReleaseLock(opCtx, l.key)
	})
	return err
}

// IsHeld reports whether the renewal goroutine is still active.
func (l *heldLock) IsHeld() bool {
	select {
	case <-l.stopCtx.Done():
		return false
	default:
		return true
	}
}
