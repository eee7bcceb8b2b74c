package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a fixed-window limiter shared by every instance pointing at the
// same server. The window starts with the first hit for a key.
type Redis struct {
	client  *redis.Client
	prefix  string
	maxHits int
	window  time.Duration
}

func NewRedis(client *redis.Client, prefix string, maxHits int, window time.Duration) *Redis {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Redis{client: client, prefix: prefix, maxHits: maxHits, window: window}
}

func (l *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	fullKey := "rl:" + l.prefix + ":" + key

	count, err := l.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("incr rate limit key: %w", err)
	}
	if count == 1 {
		if err := l.client.PExpire(ctx, fullKey, l.window).Err(); err != nil {
			return Decision{}, fmt.Errorf("expire rate limit key: %w", err)
		}
	}

	if count <= int64(l.maxHits) {
		return Decision{Allowed: true}, nil
	}

	ttl, err := l.client.PTTL(ctx, fullKey).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ttl rate limit key: %w", err)
	}
	if ttl < 0 {
		// Key without expiry: restore it so the counter cannot stick.
		_ = l.client.PExpire(ctx, fullKey, l.window).Err()
		ttl = l.window
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return Decision{Allowed: false, RetryAfter: ttl}, nil
}
