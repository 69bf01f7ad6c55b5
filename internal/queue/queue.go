// Package queue moves migration ids from the scheduler and the intake API
// to the workers. The Redis implementation uses LPUSH/BRPOP (push-pull):
// each id is delivered to exactly one worker, signals survive consumer
// restarts, and unprocessed work queues up in Redis instead of being
// dropped. ChannelQueue is the broker-less fallback for tests and
// single-process deployments.
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = errors.New("queue closed")

// Queue delivers each enqueued migration id to exactly one consumer.
type Queue interface {
	// Enqueue schedules a migration id for execution.
	Enqueue(ctx context.Context, migrationID string) error
	// Dequeue blocks until an id is available, the context is cancelled,
	// or the queue is closed.
	Dequeue(ctx context.Context) (string, error)
	Close() error
}

// ChannelQueue is an in-process Queue backed by a buffered channel.
type ChannelQueue struct {
	ch     chan string
	done   chan struct{}
	closed chan struct{}
}

// NewChannelQueue creates a ChannelQueue with the given buffer size.
func NewChannelQueue(size int) *ChannelQueue {
	if size <= 0 {
		size = 256
	}
	return &ChannelQueue{
		ch:     make(chan string, size),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (q *ChannelQueue) Enqueue(ctx context.Context, migrationID string) error {
	select {
	case <-q.done:
		return ErrClosed
	case q.ch <- migrationID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *ChannelQueue) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-q.done:
		// Drain what was enqueued before the close.
		select {
		case id := <-q.ch:
			return id, nil
		default:
			return "", ErrClosed
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *ChannelQueue) Close() error {
	select {
	case <-q.closed:
	default:
		close(q.closed)
		close(q.done)
	}
	return nil
}
