package utils

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig controls exponential-backoff retry behavior.
type RetryConfig struct {
	// MaxAttempts includes the initial attempt
	MaxAttempts int

	InitialDelay time.Duration

	// MaxDelay caps exponential growth
	MaxDelay time.Duration

	// BackoffFactor multiplies the delay after each attempt
	BackoffFactor float64

	// JitterFactor adds up to this fraction of random extra delay
	JitterFactor float64

	// RetryableErrors decides which errors trigger a retry.
	// Nil retries every error.
	RetryableErrors func(error) bool
}

// DefaultRetryConfig returns defaults suited to token-endpoint calls:
// 3 attempts, 1s initial delay doubling up to 30s, 10% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// RetryWithBackoff executes fn up to MaxAttempts times with growing
// delays. Non-retryable errors return immediately; context
// cancellation aborts the wait between attempts.
func RetryWithBackoff(ctx context.Context, config RetryConfig, fn func() error) error {
	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if config.RetryableErrors != nil && !config.RetryableErrors(lastErr) {
			return lastErr
		}
		if attempt >= config.MaxAttempts {
			return fmt.Errorf("max retries exceeded: %w", lastErr)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}

		delay = nextDelay(delay, config)
	}
}

func nextDelay(delay time.Duration, config RetryConfig) time.Duration {
	delay = time.Duration(float64(delay) * config.BackoffFactor)
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	if config.JitterFactor > 0 {
		delay += time.Duration(rand.Int63n(int64(float64(delay)*config.JitterFactor) + 1))
	}
	return delay
}
