package lock

import (
	"context"
	"sync"
	"time"
)

// LocalLocker is an in-process Locker with the same TTL semantics as the
// Redis implementation. Suitable for single-instance deployments and tests.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time // name -> expiry
	now   func() time.Time
}

// NewLocalLocker creates a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		held: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Acquire polls until the lock is free or the wait budget expires.
func (l *LocalLocker) Acquire(ctx context.Context, name string, ttl, wait time.Duration) (Lease, error) {
	deadline := l.now().Add(wait)
	for {
		if l.tryAcquire(name, ttl) {
			return &localLease{locker: l, name: name}, nil
		}
		if l.now().After(deadline) {
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (l *LocalLocker) tryAcquire(name string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if expiry, ok := l.held[name]; ok && expiry.After(l.now()) {
		return false
	}
	l.held[name] = l.now().Add(ttl)
	return true
}

func (l *LocalLocker) release(name string) {
	l.mu.Lock()
	delete(l.held, name)
	l.mu.Unlock()
}

type localLease struct {
	locker   *LocalLocker
	name     string
	mu       sync.Mutex
	released bool
}

func (l *localLease) Release(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	l.locker.release(l.name)
	return nil
}
