// Package worker consumes migration ids from the queue and executes them
// under the per-VM advisory lock. The pool is the only component that runs
// orchestrations; everything upstream just enqueues ids.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oriys/vega/internal/domain"
	"github.com/oriys/vega/internal/lock"
	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/metrics"
	"github.com/oriys/vega/internal/queue"
	"github.com/oriys/vega/internal/store"
)

// lockPrefix namespaces the per-VM migration locks.
const lockPrefix = "migration:vm:"

// Runner executes a single migration to a terminal status.
type Runner interface {
	Run(ctx context.Context, migrationID string) error
}

// Config configures the migration worker pool.
type Config struct {
	Workers    int
	LockTTL    time.Duration
	LockWait   time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// Pool runs dequeued migrations.
type Pool struct {
	store  store.Store
	q      queue.Queue
	locker lock.Locker
	runner Runner
	cfg    Config

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a migration worker pool. Zero config fields take the
// defaults: 2 workers, 300s lock TTL, 10s lock wait, 3 retries with 10s
// backoff.
func New(st store.Store, q queue.Queue, locker lock.Locker, runner Runner, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 300 * time.Second
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}
	return &Pool{store: st, q: q, locker: locker, runner: runner, cfg: cfg, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	logging.Op().Info("migration workers started", "workers", p.cfg.Workers)
}

// Stop drains the pool. In-flight migrations finish their current attempt.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	logging.Op().Info("migration workers stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := logging.Op().With("worker", fmt.Sprintf("migration-worker-%d", id))

	for {
		migrationID, err := p.q.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", "error", err)
			if p.sleep(ctx, time.Second) != nil {
				return
			}
			continue
		}
		p.process(ctx, migrationID, log)
	}
}

// process runs one migration with the bounded retry policy. Retries cover
// infrastructure errors only (lock contention, broker or store glitches);
// a migration that reached a terminal status is never retried.
func (p *Pool) process(ctx context.Context, migrationID string, log *slog.Logger) {
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		err := p.runOnce(ctx, migrationID)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, lock.ErrNotAcquired) {
			metrics.RecordLockTimeout()
		}
		log.Warn("migration attempt failed", "migration_id", migrationID, "attempt", attempt, "error", err)

		if attempt == p.cfg.MaxRetries {
			// Exhausted. A row that never left queued stays there for the
			// stale sweep; anything further along was already force-failed
			// by the erroring attempt.
			log.Error("migration attempts exhausted", "migration_id", migrationID)
			return
		}
		if p.sleep(ctx, p.cfg.RetryDelay) != nil {
			return
		}
	}
}

// runOnce performs one locked execution attempt.
func (p *Pool) runOnce(ctx context.Context, migrationID string) (err error) {
	m, err := p.store.Get(ctx, migrationID)
	if err != nil {
		if errors.Is(err, store.ErrMigrationNotFound) {
			logging.Op().Warn("dequeued unknown migration", "migration_id", migrationID)
			return nil
		}
		return fmt.Errorf("load migration: %w", err)
	}
	// Idempotent skip: terminal rows are done, running/finalizing rows are
	// owned by another worker.
	if m.Status.Terminal() || m.Status == domain.StatusRunning || m.Status == domain.StatusFinalizing {
		return nil
	}

	lockStart := time.Now()
	lease, err := p.locker.Acquire(ctx, lockPrefix+m.VMUUID, p.cfg.LockTTL, p.cfg.LockWait)
	if err != nil {
		return fmt.Errorf("acquire vm lock: %w", err)
	}
	metrics.RecordLockWait(time.Since(lockStart))
	defer lease.Release(context.WithoutCancel(ctx))

	defer func() {
		if r := recover(); r != nil {
			err = p.recordPanic(ctx, migrationID, r)
		}
	}()

	started := time.Now()
	if err := p.runner.Run(ctx, migrationID); err != nil {
		// The run died with the migration state unknown. A row the run
		// already moved past queued cannot be resumed by a retry and no
		// other worker owns it (we hold the lock), so record the failure
		// now instead of stranding it non-terminal. A still-queued row is
		// left for the retry loop and the stale sweep.
		p.failAbandonedRun(context.WithoutCancel(ctx), migrationID, err)
		return fmt.Errorf("orchestrate: %w", err)
	}

	if final, err := p.store.Get(ctx, migrationID); err == nil && final.Status.Terminal() {
		metrics.RecordMigrationOutcome(string(final.Status), final.Reason, time.Since(started))
	}
	return nil
}

// failAbandonedRun force-fails a migration a dead run left mid-flight.
// Queued rows are deliberately spared: those retry or get swept.
func (p *Pool) failAbandonedRun(ctx context.Context, migrationID string, cause error) {
	m, err := p.store.Get(ctx, migrationID)
	if err != nil || m.Status.Terminal() || m.Status == domain.StatusQueued {
		return
	}
	details, _ := json.Marshal(map[string]any{
		"error":   "worker_error",
		"message": cause.Error(),
	})
	if err := p.store.AppendEvent(ctx, migrationID, domain.LevelError, "migration run aborted: "+cause.Error(), details); err != nil {
		logging.Op().Warn("abort event append failed", "migration_id", migrationID, "error", err)
	}
	p.forceFail(ctx, migrationID, details)
}

// recordPanic converts an orchestrator panic into a failed migration with
// the traceback preserved in details.
func (p *Pool) recordPanic(ctx context.Context, migrationID string, r any) error {
	logging.Op().Error("orchestrator panicked", "migration_id", migrationID, "panic", r)
	ctx = context.WithoutCancel(ctx)

	details, _ := json.Marshal(map[string]any{
		"error":     "panic",
		"message":   fmt.Sprint(r),
		"traceback": string(debug.Stack()),
	})
	if err := p.store.AppendEvent(ctx, migrationID, domain.LevelError, fmt.Sprintf("worker panic: %v", r), details); err != nil {
		logging.Op().Warn("panic event append failed", "migration_id", migrationID, "error", err)
	}
	p.forceFail(ctx, migrationID, details)
	return nil
}

// forceFail drives a non-terminal migration to failed through legal
// status edges, claiming a still-queued row first. Failures are logged,
// not returned: this is last-resort bookkeeping.
func (p *Pool) forceFail(ctx context.Context, migrationID string, details json.RawMessage) {
	m, err := p.store.Get(ctx, migrationID)
	if err != nil {
		logging.Op().Warn("force-fail load failed", "migration_id", migrationID, "error", err)
		return
	}
	if m.Status == domain.StatusQueued {
		if m, err = p.store.Transition(ctx, migrationID, domain.StatusValidating, store.Update{}); err != nil {
			logging.Op().Warn("force-fail claim failed", "migration_id", migrationID, "error", err)
			return
		}
	}
	if m.Status.Terminal() {
		return
	}
	if _, err := p.store.Transition(ctx, migrationID, domain.StatusFailed, store.Update{Details: details}); err != nil &&
		!errors.Is(err, store.ErrIllegalTransition) {
		logging.Op().Warn("force-fail transition failed", "migration_id", migrationID, "error", err)
	}
}
