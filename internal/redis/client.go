// Package redis wraps go-redis for the optional coordination layer:
// distributed renewal-scan locks and pub/sub for policy reload fan-out
// across broker instances. Token refresh never touches Redis; it rides
// on storage-level CAS.
package redis

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"auth-broker/internal/common/errors"
)

const (
	lockKeyPrefix  = "lock:"
	defaultPool    = 10
	connectTimeout = 5 * time.Second
)

type Config struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type Client struct {
	rdb *redis.Client
}

// NewClient connects and pings; a broker that cannot reach Redis at
// startup degrades to local-only coordination instead of holding a
// dead client.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.ConfigError("redis config is required")
	}
	if config.Address == "" {
		config.Address = "localhost:6379"
	}
	if config.PoolSize == 0 {
		config.PoolSize = defaultPool
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.ConnectionError("failed to connect to Redis", err).
			WithContext("address", config.Address)
	}

	return &Client{rdb: rdb}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// AcquireLock takes the named lock with SET NX. False means another
// instance holds it.
func (c *Client) AcquireLock(ctx context.Context, key string, expiration time.Duration) (bool, error) {
	acquired, err := c.rdb.SetNX(ctx, lockKeyPrefix+key, "held", expiration).Result()
	if err != nil {
		return false, errors.ConnectionError("failed to acquire lock", err).
			WithContext("key", key)
	}
	return acquired, nil
}

// ReleaseLock drops the named lock. Releasing a lock that already
// expired is not an error.
func (c *Client) ReleaseLock(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, lockKeyPrefix+key).Err(); err != nil {
		return errors.ConnectionError("failed to release lock", err).
			WithContext("key", key)
	}
	return nil
}

// ExtendLock pushes the expiry of a held lock forward. Errors if the
// lock no longer exists; the holder lost it and must not assume
// exclusivity.
func (c *Client) ExtendLock(ctx context.Context, key string, expiration time.Duration) error {
	extended, err := c.rdb.Expire(ctx, lockKeyPrefix+key, expiration).Result()
	if err != nil {
		return errors.ConnectionError("failed to extend lock", err).
			WithContext("key", key)
	}
	if !extended {
		return errors.NotFoundError("lock " + key)
	}
	return nil
}

// Publish broadcasts a message to every subscribed instance.
func (c *Client) Publish(ctx context.Context, channel, message string) error {
	if err := c.rdb.Publish(ctx, channel, message).Err(); err != nil {
		return errors.ConnectionError("failed to publish", err).
			WithContext("channel", channel)
	}
	return nil
}

// Subscribe opens a subscription on the given channels. The caller
// owns the returned PubSub and must close it.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}
