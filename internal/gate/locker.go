package gate

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskchat/internal/redis"
)

// Locker hands out per-key serialization tokens. Acquire reports ok=false
// when the token is already held elsewhere.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// redisLocker spans replicas: SETNX with a TTL holds the token, and a
// compare-and-delete script releases it so an expired lock taken over by
// another replica is never deleted by the original holder.
type redisLocker struct {
	client *redis.Client
}

// NewRedisLocker builds a cross-replica locker.
func NewRedisLocker(client *redis.Client) Locker {
	return &redisLocker{client: client}
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

func (l *redisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// Release must not inherit the request context: the lock should be
		// freed even when the caller disconnected.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if _, err := l.client.Eval(releaseCtx, releaseScript, []string{key}, token); err != nil {
			log.Printf("release turn token %s failed: %v", key, err)
		}
	}
	return release, true, nil
}

// localLocker serializes within one process; used for single-replica
// deployments without redis and in tests.
type localLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker builds an in-process locker.
func NewLocalLocker() Locker {
	return &localLocker{held: make(map[string]struct{})}
}

func (l *localLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[key]; taken {
		return nil, false, nil
	}
	l.held[key] = struct{}{}
	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}
	return release, true, nil
}
