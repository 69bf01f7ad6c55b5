// Package store persists migrations, their append-only event log, and the
// inventory records the orchestrator needs (hosts and VM host pointers).
// The Postgres implementation is the production backend; MemoryStore backs
// tests and dry-runs.
//
// The store is the authoritative safety gate for the cluster: Create
// refuses a second non-terminal migration for the same VM, and Transition
// validates every status change under a row lock.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/oriys/vega/internal/domain"
)

var (
	// ErrMigrationNotFound is returned when the migration id is unknown.
	ErrMigrationNotFound = errors.New("migration not found")
	// ErrMigrationActive is returned by Create when the VM already has a
	// non-terminal migration.
	ErrMigrationActive = errors.New("vm already has an active migration")
	// ErrIllegalTransition is returned by Transition for edges outside the
	// status machine, including any mutation of a terminal migration.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrVMNotFound is returned when the VM uuid is unknown.
	ErrVMNotFound = errors.New("vm not found")
	// ErrHostNotFound is returned when a referenced host is unknown.
	ErrHostNotFound = errors.New("host not found")
	// ErrSourceEqualsTarget is returned by Create when source and target
	// name the same host.
	ErrSourceEqualsTarget = errors.New("source and target host are identical")
)

// CreateParams describes a migration to be created.
type CreateParams struct {
	VMUUID          string
	SourceHost      string
	TargetHost      string
	Reason          string
	ClientRequestID string
	Simulate        bool
	Details         json.RawMessage
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Statuses []domain.MigrationStatus
	VMUUID   string
	Since    time.Time
	Limit    int
}

// Update carries the optional fields a Transition may set alongside the
// status change.
type Update struct {
	Progress *int
	Details  json.RawMessage
}

// MigrationStore is the persistent record of every migration ever proposed.
type MigrationStore interface {
	// Create inserts a queued migration. It returns the existing record
	// with created=false when ClientRequestID matches a prior create, and
	// ErrMigrationActive when the VM already has a non-terminal migration.
	Create(ctx context.Context, p CreateParams) (m *domain.Migration, created bool, err error)

	Get(ctx context.Context, id string) (*domain.Migration, error)
	List(ctx context.Context, f Filter) ([]*domain.Migration, error)

	// Transition moves the migration to a new status, validating the edge
	// under a row lock. Terminal statuses set finished_at and are final.
	Transition(ctx context.Context, id string, to domain.MigrationStatus, upd Update) (*domain.Migration, error)

	// SetProgress updates progress monotonically, clamped to [0,100].
	// Best-effort: callers log failures as warnings and keep going.
	SetProgress(ctx context.Context, id string, progress int) error

	AppendEvent(ctx context.Context, id string, level domain.EventLevel, message string, meta json.RawMessage) error
	ListEvents(ctx context.Context, id string, limit int) ([]*domain.MigrationEvent, error)

	// CountNonTerminal counts migrations outside the terminal statuses,
	// cluster-wide. Used to enforce the concurrency cap.
	CountNonTerminal(ctx context.Context) (int, error)

	// StaleQueued lists ids that have sat in queued longer than olderThan.
	StaleQueued(ctx context.Context, olderThan time.Duration) ([]string, error)

	// RequestCancel marks a migration for cancellation. Non-running
	// migrations transition straight to cancelled; a running one gets a
	// flag the orchestrator honors between polls.
	RequestCancel(ctx context.Context, id string) error
	// CancelRequested reports whether a cancel has been requested.
	CancelRequested(ctx context.Context, id string) (bool, error)
}

// InventoryStore is the slice of inventory the migration engine touches.
type InventoryStore interface {
	GetVM(ctx context.Context, uuid string) (*domain.VM, error)
	UpsertVM(ctx context.Context, vm *domain.VM) error
	// UpdateVMHost moves the VM's host pointer after a completed migration.
	UpdateVMHost(ctx context.Context, uuid, hostID string, migratedAt time.Time) error

	UpsertHost(ctx context.Context, h *domain.Host) error
	HostExists(ctx context.Context, id string) (bool, error)
	AppendHostMetric(ctx context.Context, m *domain.HostMetric) error
}

// Store is the full persistence surface.
type Store interface {
	MigrationStore
	InventoryStore
	Ping(ctx context.Context) error
	Close() error
}
