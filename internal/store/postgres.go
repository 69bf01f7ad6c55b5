package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/vega/internal/domain"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings, and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS hosts (
			id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'UP',
			cpu_count INTEGER NOT NULL DEFAULT 0,
			labels JSONB,
			last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS host_metrics (
			id BIGSERIAL PRIMARY KEY,
			host_id TEXT NOT NULL REFERENCES hosts(id),
			cpu_percent DOUBLE PRECISION NOT NULL,
			mem_percent DOUBLE PRECISION NOT NULL,
			load1 DOUBLE PRECISION NOT NULL DEFAULT 0,
			vms_running INTEGER NOT NULL DEFAULT 0,
			ts TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_host_metrics_host_ts ON host_metrics(host_id, ts DESC)`,
		`CREATE TABLE IF NOT EXISTS vms (
			uuid TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			host_id TEXT,
			vcpus INTEGER NOT NULL DEFAULT 1,
			mem_bytes BIGINT NOT NULL DEFAULT 0,
			cpu_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
			protected BOOLEAN NOT NULL DEFAULT FALSE,
			last_migrated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS migrations (
			id UUID PRIMARY KEY,
			vm_uuid TEXT NOT NULL,
			source_host TEXT NOT NULL,
			target_host TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			progress INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			client_request_id TEXT UNIQUE,
			simulate BOOLEAN NOT NULL DEFAULT FALSE,
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			details JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_migrations_vm ON migrations(vm_uuid)`,
		`CREATE INDEX IF NOT EXISTS idx_migrations_status ON migrations(status)`,
		// Database-level backstop for the one-active-migration-per-VM rule.
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_migrations_vm_active ON migrations(vm_uuid)
			WHERE status NOT IN ('completed','failed','cancelled')`,
		`CREATE TABLE IF NOT EXISTS migration_events (
			id BIGSERIAL PRIMARY KEY,
			migration_id UUID NOT NULL REFERENCES migrations(id) ON DELETE CASCADE,
			ts TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			meta JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_migration_events_migration ON migration_events(migration_id, id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const migrationColumns = `id, vm_uuid, source_host, target_host, status, progress, reason,
	COALESCE(client_request_id, ''), simulate, details, created_at, started_at, updated_at, finished_at`

func scanMigration(row pgx.Row) (*domain.Migration, error) {
	var m domain.Migration
	err := row.Scan(&m.ID, &m.VMUUID, &m.SourceHost, &m.TargetHost, &m.Status, &m.Progress,
		&m.Reason, &m.ClientRequestID, &m.Simulate, &m.Details, &m.CreatedAt, &m.StartedAt,
		&m.UpdatedAt, &m.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMigrationNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) Create(ctx context.Context, p CreateParams) (*domain.Migration, bool, error) {
	if p.SourceHost == p.TargetHost {
		return nil, false, ErrSourceEqualsTarget
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	// Idempotency: a matching client request id returns the prior record.
	if p.ClientRequestID != "" {
		m, err := scanMigration(tx.QueryRow(ctx,
			`SELECT `+migrationColumns+` FROM migrations WHERE client_request_id = $1`, p.ClientRequestID))
		if err == nil {
			return m, false, tx.Commit(ctx)
		}
		if !errors.Is(err, ErrMigrationNotFound) {
			return nil, false, err
		}
	}

	for _, hostID := range []string{p.SourceHost, p.TargetHost} {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM hosts WHERE id = $1)`, hostID).Scan(&exists); err != nil {
			return nil, false, err
		}
		if !exists {
			return nil, false, fmt.Errorf("%w: %s", ErrHostNotFound, hostID)
		}
	}

	var active bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM migrations WHERE vm_uuid = $1 AND status NOT IN ('completed','failed','cancelled'))`,
		p.VMUUID).Scan(&active); err != nil {
		return nil, false, err
	}
	if active {
		return nil, false, ErrMigrationActive
	}

	id := uuid.NewString()
	var reqID any
	if p.ClientRequestID != "" {
		reqID = p.ClientRequestID
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO migrations (id, vm_uuid, source_host, target_host, status, progress, reason, client_request_id, simulate, details)
		VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $7, $8)
		RETURNING `+migrationColumns,
		id, p.VMUUID, p.SourceHost, p.TargetHost, p.Reason, reqID, p.Simulate, p.Details)

	m, err := scanMigration(row)
	if err != nil {
		// A concurrent create may have beaten us past the pre-insert
		// checks; either unique constraint then reports a violation. A
		// lost race on client_request_id is a replay, not a conflict: the
		// loser gets the winner's row.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if requestIDConflict(pgErr) && p.ClientRequestID != "" {
				m, err := scanMigration(s.pool.QueryRow(ctx,
					`SELECT `+migrationColumns+` FROM migrations WHERE client_request_id = $1`, p.ClientRequestID))
				if err != nil {
					return nil, false, err
				}
				return m, false, nil
			}
			return nil, false, ErrMigrationActive
		}
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// requestIDConflict reports whether a unique violation came from the
// client_request_id column rather than the one-active-per-VM index.
func requestIDConflict(pgErr *pgconn.PgError) bool {
	return strings.Contains(pgErr.ConstraintName, "client_request_id")
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.Migration, error) {
	return scanMigration(s.pool.QueryRow(ctx,
		`SELECT `+migrationColumns+` FROM migrations WHERE id = $1`, id))
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*domain.Migration, error) {
	q := `SELECT ` + migrationColumns + ` FROM migrations WHERE TRUE`
	args := []any{}

	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			statuses = append(statuses, string(st))
		}
		args = append(args, statuses)
		q += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	if f.VMUUID != "" {
		args = append(args, f.VMUUID)
		q += fmt.Sprintf(" AND vm_uuid = $%d", len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		q += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Migration
	for rows.Next() {
		m, err := scanMigration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Transition(ctx context.Context, id string, to domain.MigrationStatus, upd Update) (*domain.Migration, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	cur, err := scanMigration(tx.QueryRow(ctx,
		`SELECT `+migrationColumns+` FROM migrations WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}

	if cur.Status.Terminal() || !domain.CanTransition(cur.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cur.Status, to)
	}

	progress := cur.Progress
	if upd.Progress != nil {
		progress = clampProgress(cur.Progress, *upd.Progress)
	}
	details := cur.Details
	if upd.Details != nil {
		details = upd.Details
	}

	now := time.Now().UTC()
	var startedAt any
	if cur.StartedAt != nil {
		startedAt = *cur.StartedAt
	} else if to == domain.StatusRunning {
		startedAt = now
	}
	var finishedAt any
	if to.Terminal() {
		finishedAt = now
	}

	row := tx.QueryRow(ctx, `
		UPDATE migrations
		SET status = $2, progress = $3, details = $4, started_at = $5, finished_at = $6, updated_at = $7
		WHERE id = $1
		RETURNING `+migrationColumns,
		id, to, progress, details, startedAt, finishedAt, now)

	m, err := scanMigration(row)
	if err != nil {
		return nil, err
	}
	return m, tx.Commit(ctx)
}

func (s *PostgresStore) SetProgress(ctx context.Context, id string, progress int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE migrations
		SET progress = LEAST(100, GREATEST(progress, $2)), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed','failed','cancelled')`,
		id, clampProgress(0, progress))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMigrationNotFound
	}
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, id string, level domain.EventLevel, message string, meta json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO migration_events (migration_id, level, message, meta)
		VALUES ($1, $2, $3, $4)`, id, level, message, meta)
	return err
}

func (s *PostgresStore) ListEvents(ctx context.Context, id string, limit int) ([]*domain.MigrationEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, migration_id, ts, level, message, meta
		FROM migration_events WHERE migration_id = $1
		ORDER BY id DESC LIMIT $2`, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.MigrationEvent
	for rows.Next() {
		var ev domain.MigrationEvent
		if err := rows.Scan(&ev.ID, &ev.MigrationID, &ev.Timestamp, &ev.Level, &ev.Message, &ev.Meta); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountNonTerminal(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM migrations WHERE status NOT IN ('completed','failed','cancelled')`).Scan(&n)
	return n, err
}

func (s *PostgresStore) StaleQueued(ctx context.Context, olderThan time.Duration) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM migrations WHERE status = 'queued' AND updated_at < $1`,
		time.Now().UTC().Add(-olderThan))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) RequestCancel(ctx context.Context, id string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	cur, err := scanMigration(tx.QueryRow(ctx,
		`SELECT `+migrationColumns+` FROM migrations WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return err
	}

	switch {
	case cur.Status.Terminal():
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cur.Status, domain.StatusCancelled)
	case cur.Status == domain.StatusRunning || cur.Status == domain.StatusFinalizing:
		// The owning worker observes the flag between polls.
		if _, err := tx.Exec(ctx,
			`UPDATE migrations SET cancel_requested = TRUE, updated_at = NOW() WHERE id = $1`, id); err != nil {
			return err
		}
	default:
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx,
			`UPDATE migrations SET status = 'cancelled', cancel_requested = TRUE, finished_at = $2, updated_at = $2 WHERE id = $1`,
			id, now); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	var v bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM migrations WHERE id = $1`, id).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrMigrationNotFound
	}
	return v, err
}

func (s *PostgresStore) GetVM(ctx context.Context, uuid string) (*domain.VM, error) {
	var vm domain.VM
	var hostID *string
	err := s.pool.QueryRow(ctx, `
		SELECT uuid, name, host_id, vcpus, mem_bytes, cpu_percent, protected, last_migrated_at
		FROM vms WHERE uuid = $1`, uuid).
		Scan(&vm.UUID, &vm.Name, &hostID, &vm.VCPUs, &vm.MemBytes, &vm.CPUPercent, &vm.Protected, &vm.LastMigratedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVMNotFound
	}
	if err != nil {
		return nil, err
	}
	if hostID != nil {
		vm.HostID = *hostID
	}
	return &vm, nil
}

func (s *PostgresStore) UpsertVM(ctx context.Context, vm *domain.VM) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vms (uuid, name, host_id, vcpus, mem_bytes, cpu_percent, protected, last_migrated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (uuid) DO UPDATE SET
			name = EXCLUDED.name, host_id = EXCLUDED.host_id, vcpus = EXCLUDED.vcpus,
			mem_bytes = EXCLUDED.mem_bytes, cpu_percent = EXCLUDED.cpu_percent,
			protected = EXCLUDED.protected`,
		vm.UUID, vm.Name, nullIfEmpty(vm.HostID), vm.VCPUs, vm.MemBytes, vm.CPUPercent, vm.Protected, vm.LastMigratedAt)
	return err
}

func (s *PostgresStore) UpdateVMHost(ctx context.Context, uuid, hostID string, migratedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE vms SET host_id = $2, last_migrated_at = $3 WHERE uuid = $1`, uuid, hostID, migratedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVMNotFound
	}
	return nil
}

func (s *PostgresStore) UpsertHost(ctx context.Context, h *domain.Host) error {
	labels, err := json.Marshal(h.Labels)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO hosts (id, hostname, address, status, cpu_count, labels, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname, address = EXCLUDED.address, status = EXCLUDED.status,
			cpu_count = EXCLUDED.cpu_count, labels = EXCLUDED.labels, last_seen = NOW()`,
		h.ID, h.Hostname, h.Address, h.Status, h.CPUCount, labels)
	return err
}

func (s *PostgresStore) HostExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM hosts WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) AppendHostMetric(ctx context.Context, m *domain.HostMetric) error {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO host_metrics (host_id, cpu_percent, mem_percent, load1, vms_running, ts)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.HostID, m.CPUPercent, m.MemPercent, m.Load1, m.VMsRunning, ts)
	return err
}

func clampProgress(current, next int) int {
	if next < current {
		next = current
	}
	if next < 0 {
		next = 0
	}
	if next > 100 {
		next = 100
	}
	return next
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
