package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/vega/internal/domain"
)

// MemoryStore is an in-process Store with the same semantics as the
// Postgres implementation. It backs tests and broker-less dry-runs.
type MemoryStore struct {
	mu sync.Mutex

	migrations map[string]*domain.Migration
	byRequest  map[string]string // client_request_id -> migration id
	cancels    map[string]bool
	events     map[string][]*domain.MigrationEvent
	nextEvent  int64

	vms     map[string]*domain.VM
	hosts   map[string]*domain.Host
	metrics []*domain.HostMetric
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		migrations: make(map[string]*domain.Migration),
		byRequest:  make(map[string]string),
		cancels:    make(map[string]bool),
		events:     make(map[string][]*domain.MigrationEvent),
		vms:        make(map[string]*domain.VM),
		hosts:      make(map[string]*domain.Host),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }

func copyMigration(m *domain.Migration) *domain.Migration {
	cp := *m
	if m.StartedAt != nil {
		t := *m.StartedAt
		cp.StartedAt = &t
	}
	if m.FinishedAt != nil {
		t := *m.FinishedAt
		cp.FinishedAt = &t
	}
	if m.Details != nil {
		cp.Details = append(json.RawMessage(nil), m.Details...)
	}
	return &cp
}

func (s *MemoryStore) Create(_ context.Context, p CreateParams) (*domain.Migration, bool, error) {
	if p.SourceHost == p.TargetHost {
		return nil, false, ErrSourceEqualsTarget
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ClientRequestID != "" {
		if id, ok := s.byRequest[p.ClientRequestID]; ok {
			return copyMigration(s.migrations[id]), false, nil
		}
	}

	for _, hostID := range []string{p.SourceHost, p.TargetHost} {
		if _, ok := s.hosts[hostID]; !ok {
			return nil, false, fmt.Errorf("%w: %s", ErrHostNotFound, hostID)
		}
	}

	for _, m := range s.migrations {
		if m.VMUUID == p.VMUUID && !m.Status.Terminal() {
			return nil, false, ErrMigrationActive
		}
	}

	now := time.Now().UTC()
	m := &domain.Migration{
		ID:              uuid.NewString(),
		VMUUID:          p.VMUUID,
		SourceHost:      p.SourceHost,
		TargetHost:      p.TargetHost,
		Status:          domain.StatusQueued,
		Reason:          p.Reason,
		ClientRequestID: p.ClientRequestID,
		Simulate:        p.Simulate,
		Details:         p.Details,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.migrations[m.ID] = m
	if p.ClientRequestID != "" {
		s.byRequest[p.ClientRequestID] = m.ID
	}
	return copyMigration(m), true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.Migration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.migrations[id]
	if !ok {
		return nil, ErrMigrationNotFound
	}
	return copyMigration(m), nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*domain.Migration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Migration
	for _, m := range s.migrations {
		if f.VMUUID != "" && m.VMUUID != f.VMUUID {
			continue
		}
		if !f.Since.IsZero() && m.CreatedAt.Before(f.Since) {
			continue
		}
		if len(f.Statuses) > 0 {
			match := false
			for _, st := range f.Statuses {
				if m.Status == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, copyMigration(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, to domain.MigrationStatus, upd Update) (*domain.Migration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.migrations[id]
	if !ok {
		return nil, ErrMigrationNotFound
	}
	if m.Status.Terminal() || !domain.CanTransition(m.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.Status, to)
	}

	now := time.Now().UTC()
	if upd.Progress != nil {
		m.Progress = clampProgress(m.Progress, *upd.Progress)
	}
	if upd.Details != nil {
		m.Details = append(json.RawMessage(nil), upd.Details...)
	}
	if to == domain.StatusRunning && m.StartedAt == nil {
		m.StartedAt = &now
	}
	if to.Terminal() {
		m.FinishedAt = &now
	}
	m.Status = to
	m.UpdatedAt = now
	return copyMigration(m), nil
}

func (s *MemoryStore) SetProgress(_ context.Context, id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.migrations[id]
	if !ok {
		return ErrMigrationNotFound
	}
	if m.Status.Terminal() {
		return nil
	}
	m.Progress = clampProgress(m.Progress, progress)
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, id string, level domain.EventLevel, message string, meta json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.migrations[id]; !ok {
		return ErrMigrationNotFound
	}
	s.nextEvent++
	s.events[id] = append(s.events[id], &domain.MigrationEvent{
		ID:          s.nextEvent,
		MigrationID: id,
		Timestamp:   time.Now().UTC(),
		Level:       level,
		Message:     message,
		Meta:        meta,
	})
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, id string, limit int) ([]*domain.MigrationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evs := s.events[id]
	out := make([]*domain.MigrationEvent, len(evs))
	// Newest first, matching the Postgres implementation.
	for i, ev := range evs {
		cp := *ev
		out[len(evs)-1-i] = &cp
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountNonTerminal(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.migrations {
		if !m.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) StaleQueued(_ context.Context, olderThan time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var ids []string
	for _, m := range s.migrations {
		if m.Status == domain.StatusQueued && m.UpdatedAt.Before(cutoff) {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

func (s *MemoryStore) RequestCancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.migrations[id]
	if !ok {
		return ErrMigrationNotFound
	}
	switch {
	case m.Status.Terminal():
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.Status, domain.StatusCancelled)
	case m.Status == domain.StatusRunning || m.Status == domain.StatusFinalizing:
		s.cancels[id] = true
	default:
		now := time.Now().UTC()
		m.Status = domain.StatusCancelled
		m.FinishedAt = &now
		m.UpdatedAt = now
		s.cancels[id] = true
	}
	return nil
}

func (s *MemoryStore) CancelRequested(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.migrations[id]; !ok {
		return false, ErrMigrationNotFound
	}
	return s.cancels[id], nil
}

func (s *MemoryStore) GetVM(_ context.Context, uuid string) (*domain.VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vm, ok := s.vms[uuid]
	if !ok {
		return nil, ErrVMNotFound
	}
	cp := *vm
	return &cp, nil
}

func (s *MemoryStore) UpsertVM(_ context.Context, vm *domain.VM) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *vm
	// Inventory syncs do not carry the migration timestamp; keep ours.
	if cp.LastMigratedAt == nil {
		if prev, ok := s.vms[vm.UUID]; ok {
			cp.LastMigratedAt = prev.LastMigratedAt
		}
	}
	s.vms[vm.UUID] = &cp
	return nil
}

func (s *MemoryStore) UpdateVMHost(_ context.Context, uuid, hostID string, migratedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vm, ok := s.vms[uuid]
	if !ok {
		return ErrVMNotFound
	}
	vm.HostID = hostID
	vm.LastMigratedAt = &migratedAt
	return nil
}

func (s *MemoryStore) UpsertHost(_ context.Context, h *domain.Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *h
	s.hosts[h.ID] = &cp
	return nil
}

func (s *MemoryStore) HostExists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.hosts[id]
	return ok, nil
}

func (s *MemoryStore) AppendHostMetric(_ context.Context, m *domain.HostMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	s.metrics = append(s.metrics, &cp)
	return nil
}
