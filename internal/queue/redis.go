package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const migrationListKey = "vega:queue:migrations"

// RedisQueue is a durable Queue on a Redis list. BRPOP blocks with a
// short timeout so consumers notice context cancellation promptly.
type RedisQueue struct {
	client *redis.Client
	key    string

	mu     sync.Mutex
	closed bool
}

// NewRedisQueue creates a RedisQueue on the default migration list.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, key: migrationListKey}
}

func (q *RedisQueue) Enqueue(ctx context.Context, migrationID string) error {
	if q.isClosed() {
		return ErrClosed
	}
	return q.client.LPush(ctx, q.key, migrationID).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		if q.isClosed() {
			return "", ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		// 1s timeout keeps the blocking read responsive to shutdown.
		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}
		// BRPOP answers [key, value].
		return res[1], nil
	}
}

// Len reports the number of pending ids, for metrics and requeue sweeps.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

func (q *RedisQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

func (q *RedisQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
