// Package redis constructs the shared go-redis client.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inkroad/pushgate/internal/platform/retry"
)

const connectTimeout = 5 * time.Second

var connectPolicy = retry.Policy{
	MaxAttempts:    5,
	InitialBackoff: 500 * time.Millisecond,
	OnRetry: func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Redis not reachable, retrying",
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
	},
}

// NewClient creates a Redis client from a URL (e.g., "redis://localhost:6379")
// and verifies connectivity. The initial ping is retried with backoff so the
// gateway survives Redis starting up alongside it.
func NewClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	err = retry.DoVoid(ctx, connectPolicy, func(error) retry.Action { return retry.Retry }, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		return client.Ping(pingCtx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}
