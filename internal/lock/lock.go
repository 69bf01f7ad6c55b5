// Package lock provides the cluster-wide advisory lock used to serialize
// migrations per VM. The Redis implementation backs production; the local
// implementation serves single-process deployments and tests.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired is returned when the lock could not be acquired within the
// wait budget. It is a transient condition: callers retry or requeue.
var ErrNotAcquired = errors.New("lock: not acquired within wait budget")

// Lease is a held lock. Release is idempotent.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker acquires named locks with a TTL and a bounded wait. The TTL
// protects against holder crashes; a lease past its TTL may be claimed by
// another acquirer.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl, wait time.Duration) (Lease, error)
}
