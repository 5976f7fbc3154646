package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryWithBackoff_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), DefaultRetryConfig(), func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoff_SucceedsAfterRetries(t *testing.T) {
	config := RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}

	calls := 0
	err := RetryWithBackoff(context.Background(), config, func() error {
		calls++
		if calls < 3 {
			return errors.New("temporary")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoff_ExhaustsAttempts(t *testing.T) {
	config := RetryConfig{
		MaxAttempts:   2,
		InitialDelay:  time.Millisecond,
		MaxDelay:      time.Millisecond,
		BackoffFactor: 1.0,
	}

	calls := 0
	err := RetryWithBackoff(context.Background(), config, func() error {
		calls++
		return errors.New("always fails")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, 2, calls)
}

func TestRetryWithBackoff_NonRetryableError(t *testing.T) {
	nonRetryable := errors.New("bad credentials")
	config := RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  time.Millisecond,
		MaxDelay:      time.Millisecond,
		BackoffFactor: 1.0,
		RetryableErrors: func(err error) bool {
			return !errors.Is(err, nonRetryable)
		},
	}

	calls := 0
	err := RetryWithBackoff(context.Background(), config, func() error {
		calls++
		return nonRetryable
	})

	assert.Equal(t, nonRetryable, err)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	config := RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      time.Second,
		BackoffFactor: 1.0,
	}

	err := RetryWithBackoff(ctx, config, func() error {
		return errors.New("fails")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
}

func TestRandomToken(t *testing.T) {
	token, err := RandomToken(32)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.NotContains(t, token, "=")

	other, err := RandomToken(32)
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func TestRandomToken_InvalidLength(t *testing.T) {
	_, err := RandomToken(0)
	assert.Error(t, err)
}

func TestGenerateID(t *testing.T) {
	id, err := GenerateID("audit")
	require.NoError(t, err)
	assert.Contains(t, id, "audit_")
	assert.Len(t, id, len("audit_")+24)
}
