package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is a per-process sliding-window limiter. Counts are not shared
// between instances, so it only suits single-node deployments.
type Memory struct {
	mu        sync.Mutex
	maxHits   int
	window    time.Duration
	hitsByKey map[string][]time.Time
	maxMemory int
	now       func() time.Time
}

func NewMemory(maxHits int, window time.Duration) *Memory {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &Memory{
		maxHits:   maxHits,
		window:    window,
		hitsByKey: make(map[string][]time.Time),
		maxMemory: 5000,
		now:       time.Now,
	}
}

func (l *Memory) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now().UTC()
	threshold := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.hitsByKey[key]
	filtered := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			filtered = append(filtered, hit)
		}
	}

	if len(filtered) >= l.maxHits {
		retryAfter := filtered[0].Add(l.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		l.hitsByKey[key] = filtered
		return Decision{Allowed: false, RetryAfter: retryAfter}, nil
	}

	filtered = append(filtered, now)
	l.hitsByKey[key] = filtered

	if len(l.hitsByKey) > l.maxMemory {
		for k, value := range l.hitsByKey {
			if len(value) == 0 || value[len(value)-1].Before(threshold) {
				delete(l.hitsByKey, k)
			}
		}
	}

	return Decision{Allowed: true}, nil
}
