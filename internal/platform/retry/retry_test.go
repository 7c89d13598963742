package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkroad/pushgate/internal/platform/retry"
)

var fastPolicy = retry.Policy{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
}

func alwaysRetry(error) retry.Action { return retry.Retry }

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	val, err := retry.Do(context.Background(), fastPolicy, alwaysRetry, func() (int, error) {
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, val)
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	attempts := 0
	val, err := retry.Do(context.Background(), fastPolicy, alwaysRetry, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, 3, attempts)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	_, err := retry.Do(context.Background(), fastPolicy, alwaysRetry, func() (int, error) {
		attempts++
		return 0, errors.New("still broken")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("bad input")
	classify := func(err error) retry.Action {
		if errors.Is(err, permanent) {
			return retry.Stop
		}
		return retry.Retry
	}

	attempts := 0
	_, err := retry.Do(context.Background(), fastPolicy, classify, func() (int, error) {
		attempts++
		return 0, permanent
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)

	var permErr *retry.PermanentError
	require.ErrorAs(t, err, &permErr)
	assert.True(t, errors.Is(err, permanent))
}

func TestDo_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := retry.Policy{MaxAttempts: 5, InitialBackoff: time.Minute}
	_, err := retry.Do(ctx, policy, alwaysRetry, func() (int, error) {
		return 0, errors.New("transient")
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestDo_CallsOnRetry(t *testing.T) {
	var seen []int
	policy := fastPolicy
	policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
		seen = append(seen, attempt)
	}

	_, _ = retry.Do(context.Background(), policy, alwaysRetry, func() (int, error) {
		return 0, errors.New("transient")
	})

	// No callback on the final failed attempt.
	assert.Equal(t, []int{1, 2}, seen)
}

func TestDoVoid(t *testing.T) {
	attempts := 0
	err := retry.DoVoid(context.Background(), fastPolicy, alwaysRetry, func() error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}
