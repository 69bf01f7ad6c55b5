package lock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const lockKeyPrefix = "lock:"

// retrySleep is the pause between acquisition attempts while waiting.
const retrySleep = 100 * time.Millisecond

// Lua script for token-checked release: only the holder that set the key
// may delete it, so an expired lease cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker implements Locker on a Redis instance using atomic
// SET NX EX.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker creates a RedisLocker on an existing client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire polls SET NX EX until it wins or the wait budget expires.
func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl, wait time.Duration) (Lease, error) {
	key := lockKeyPrefix + name
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return &redisLease{client: l.client, key: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retrySleep):
		}
	}
}

type redisLease struct {
	client   *redis.Client
	key      string
	token    string
	released bool
}

func (r *redisLease) Release(ctx context.Context) error {
	if r.released {
		return nil
	}
	r.released = true
	return releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Err()
}
