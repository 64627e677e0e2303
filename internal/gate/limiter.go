package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"taskchat/internal/redis"
)

// RateLimiter bounds chat requests per caller.
type RateLimiter interface {
	Allow(ctx context.Context, callerID int64) (bool, error)
}

// redisRateLimiter counts requests in fixed one-minute windows so the budget
// is shared across replicas.
type redisRateLimiter struct {
	client *redis.Client
	limit  int
}

// NewRedisRateLimiter builds a cross-replica per-minute limiter.
func NewRedisRateLimiter(client *redis.Client, perMinute int) RateLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &redisRateLimiter{client: client, limit: perMinute}
}

func (r *redisRateLimiter) Allow(ctx context.Context, callerID int64) (bool, error) {
	window := time.Now().UTC().Unix() / 60
	key := fmt.Sprintf("rate:chat:%d:%d", callerID, window)
	count, err := r.client.Incr(ctx, key)
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := r.client.Expire(ctx, key, time.Minute); err != nil {
			return false, err
		}
	}
	return count <= int64(r.limit), nil
}

// slidingWindowLimiter is the in-process fallback: a per-caller sliding
// window over recent request timestamps.
type slidingWindowLimiter struct {
	limit  int
	window time.Duration
	mu     sync.Mutex
	hits   map[int64][]time.Time
}

// NewSlidingWindowLimiter builds an in-process limiter.
func NewSlidingWindowLimiter(perMinute int) RateLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &slidingWindowLimiter{
		limit:  perMinute,
		window: time.Minute,
		hits:   make(map[int64][]time.Time),
	}
}

func (l *slidingWindowLimiter) Allow(_ context.Context, callerID int64) (bool, error) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	queue := l.hits[callerID]
	cutoff := now.Add(-l.window)
	idx := 0
	for _, t := range queue {
		if t.After(cutoff) {
			break
		}
		idx++
	}
	if idx > 0 {
		queue = queue[idx:]
	}
	if len(queue) >= l.limit {
		l.hits[callerID] = queue
		return false, nil
	}
	queue = append(queue, now)
	l.hits[callerID] = queue
	return true, nil
}
