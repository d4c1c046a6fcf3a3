// Package lock provides named mutexes for single-writer sections.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLocker implements pipeline.Locker over a shared Redis instance using
// SET NX with a TTL. The TTL bounds how long a crashed holder can wedge the
// lock; holders are expected to finish well inside it.
type RedisLocker struct {
	client *redis.Client
	prefix string
	token  string
}

// NewRedisLocker builds a locker. The token identifies this process so that
// Unlock only deletes locks it owns.
func NewRedisLocker(client *redis.Client, prefix, token string) *RedisLocker {
	if prefix == "" {
		prefix = "scout:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix, token: token}
}

// TryLock attempts to take the named lock without blocking.
func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+name, l.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return ok, nil
}

// unlockScript releases the lock only when this process still holds it,
// so an expired-and-reacquired lock is never deleted out from under the
// new holder.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Unlock releases the named lock if held by this locker.
func (l *RedisLocker) Unlock(ctx context.Context, name string) error {
	if err := unlockScript.Run(ctx, l.client, []string{l.prefix + name}, l.token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}
