package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oriys/vega/internal/domain"
)

func seeded(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"hostA", "hostB", "hostC"} {
		if err := s.UpsertHost(ctx, &domain.Host{ID: id, Status: "UP"}); err != nil {
			t.Fatalf("seed host: %v", err)
		}
	}
	if err := s.UpsertVM(ctx, &domain.VM{UUID: "v1", HostID: "hostA", CPUPercent: 40}); err != nil {
		t.Fatalf("seed vm: %v", err)
	}
	return s
}

func TestCreateBasics(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	m, created, err := s.Create(ctx, CreateParams{VMUUID: "v1", SourceHost: "hostA", TargetHost: "hostB", Reason: "test"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !created {
		t.Fatal("expected created=true")
	}
	if m.Status != domain.StatusQueued || m.Progress != 0 {
		t.Fatalf("unexpected initial state: %s/%d", m.Status, m.Progress)
	}
}

func TestCreateRejectsSameSourceTarget(t *testing.T) {
	s := seeded(t)
	_, _, err := s.Create(context.Background(), CreateParams{VMUUID: "v1", SourceHost: "hostA", TargetHost: "hostA"})
	if !errors.Is(err, ErrSourceEqualsTarget) {
		t.Fatalf("expected ErrSourceEqualsTarget, got %v", err)
	}
}

func TestCreateRejectsUnknownHost(t *testing.T) {
	s := seeded(t)
	_, _, err := s.Create(context.Background(), CreateParams{VMUUID: "v1", SourceHost: "hostA", TargetHost: "ghost"})
	if !errors.Is(err, ErrHostNotFound) {
		t.Fatalf("expected ErrHostNotFound, got %v", err)
	}
}

func TestCreateEnforcesSingleActiveMigration(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	first, _, err := s.Create(ctx, CreateParams{VMUUID: "v1", SourceHost: "hostA", TargetHost: "hostB"})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	if _, _, err := s.Create(ctx, CreateParams{VMUUID: "v1", SourceHost: "hostA", TargetHost: "hostC"}); !errors.Is(err, ErrMigrationActive) {
		t.Fatalf("expected ErrMigrationActive, got %v", err)
	}

	// Another VM is unaffected.
	if _, _, err := s.Create(ctx, CreateParams{VMUUID: "v2", SourceHost: "hostA", TargetHost: "hostB"}); err != nil {
		t.Fatalf("unrelated VM blocked: %v", err)
	}

	// Once terminal, a new migration for v1 is allowed.
	mustTransition(t, s, first.ID, domain.StatusValidating, domain.StatusFailed)
	if _, _, err := s.Create(ctx, CreateParams{VMUUID: "v1", SourceHost: "hostA", TargetHost: "hostC"}); err != nil {
		t.Fatalf("create after terminal blocked: %v", err)
	}
}

func TestCreateIdempotentOnClientRequestID(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	m1, created1, err := s.Create(ctx, CreateParams{VMUUID: "v1", SourceHost: "hostA", TargetHost: "hostB", ClientRequestID: "req-1"})
	if err != nil || !created1 {
		t.Fatalf("first create: %v created=%v", err, created1)
	}

	m2, created2, err := s.Create(ctx, CreateParams{VMUUID: "v1", SourceHost: "hostA", TargetHost: "hostB", ClientRequestID: "req-1"})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created2 {
		t.Fatal("expected created=false on idempotency hit")
	}
	if m1.ID != m2.ID {
		t.Fatalf("idempotency returned a different record: %s vs %s", m1.ID, m2.ID)
	}

	all, _ := s.List(ctx, Filter{VMUUID: "v1"})
	if len(all) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(all))
	}
}

func TestCreateIdempotencyUnderConcurrency(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	var mu sync.Mutex
	ids := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, _, err := s.Create(ctx, CreateParams{VMUUID: "v1", SourceHost: "hostA", TargetHost: "hostB", ClientRequestID: "req-1"})
			if err != nil {
				return
			}
			mu.Lock()
			ids[m.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(ids) != 1 {
		t.Fatalf("concurrent creates produced %d distinct migrations", len(ids))
	}
}

func mustTransition(t *testing.T, s Store, id string, statuses ...domain.MigrationStatus) {
	t.Helper()
	for _, st := range statuses {
		if _, err := s.Transition(context.Background(), id, st, Update{}); err != nil {
			t.Fatalf("transition to %s: %v", st, err)
		}
	}
}

func TestTransitionValidation(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	m, _, err := s.Create(ctx, CreateParams{VMUUID: "v1", SourceHost: "hostA", TargetHost: "hostB"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// queued -> finalizing is not an edge.
	if _, err := s.Transition(ctx, m.ID, domain.StatusFinalizing, Update{}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}

	mustTransition(t, s, m.ID, domain.StatusValidating, domain.StatusRunning, domain.StatusFinalizing, domain.StatusCompleted)

	got, _ := s.Get(ctx, m.ID)
	if got.FinishedAt == nil || got.StartedAt == nil {
		t.Fatal("expected started_at and finished_at to be set")
	}

	// Terminal is final.
	if _, err := s.Transition(ctx, m.ID, domain.StatusFailed, Update{}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected terminal to be immutable, got %v", err)
	}
	// But events may still be appended.
	if err := s.AppendEvent(ctx, m.ID, domain.LevelInfo, "post-terminal note", nil); err != nil {
		t.Fatalf("append event after terminal: %v", err)
	}
}

func TestProgressMonotonic(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	m, _, _ := s.Create(ctx, CreateParams{VMUUID: "v1", SourceHost: "hostA", TargetHost: "hostB"})
	mustTransition(t, s, m.ID, domain.StatusValidating, domain.StatusRunning)

	steps := []struct{ set, want int }{
		{10, 10},
		{50, 50},
		{25, 50},  // regressions are ignored
		{150, 100}, // clamped
	}
	for _, st := range steps {
		if err := s.SetProgress(ctx, m.ID, st.set); err != nil {
			t.Fatalf("SetProgress(%d): %v", st.set, err)
		}
		got, _ := s.Get(ctx, m.ID)
		if got.Progress != st.want {
			t.Fatalf("SetProgress(%d): progress = %d, want %d", st.set, got.Progress, st.want)
		}
	}
}

func TestCountNonTerminal(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	m1, _, _ := s.Create(ctx, CreateParams{VMUUID: "v1", SourceHost: "hostA", TargetHost: "hostB"})
	m2, _, _ := s.Create(ctx, CreateParams{VMUUID: "v2", SourceHost: "hostA", TargetHost: "hostB"})

	if n, _ := s.CountNonTerminal(ctx); n != 2 {
		t.Fatalf("expected 2 non-terminal, got %d", n)
	}

	mustTransition(t, s, m1.ID, domain.StatusValidating, domain.StatusFailed)
	if n, _ := s.CountNonTerminal(ctx); n != 1 {
		t.Fatalf("expected 1 non-terminal, got %d", n)
	}

	mustTransition(t, s, m2.ID, domain.StatusValidating, domain.StatusRunning, domain.StatusFinalizing, domain.StatusCompleted)
	if n, _ := s.CountNonTerminal(ctx); n != 0 {
		t.Fatalf("expected 0 non-terminal, got %d", n)
	}
}

func TestRequestCancel(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	// Queued migrations cancel immediately.
	m1, _, _ := s.Create(ctx, CreateParams{VMUUID: "v1", SourceHost: "hostA", TargetHost: "hostB"})
	if err := s.RequestCancel(ctx, m1.ID); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	got, _ := s.Get(ctx, m1.ID)
	if got.Status != domain.StatusCancelled || got.FinishedAt == nil {
		t.Fatalf("expected cancelled with finished_at, got %s", got.Status)
	}

	// Running migrations only get flagged.
	m2, _, _ := s.Create(ctx, CreateParams{VMUUID: "v2", SourceHost: "hostA", TargetHost: "hostB"})
	mustTransition(t, s, m2.ID, domain.StatusValidating, domain.StatusRunning)
	if err := s.RequestCancel(ctx, m2.ID); err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	got, _ = s.Get(ctx, m2.ID)
	if got.Status != domain.StatusRunning {
		t.Fatalf("running migration should not be force-cancelled, got %s", got.Status)
	}
	if flagged, _ := s.CancelRequested(ctx, m2.ID); !flagged {
		t.Fatal("expected cancel_requested flag")
	}

	// Terminal migrations reject cancellation.
	if err := s.RequestCancel(ctx, m1.ID); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition on terminal cancel, got %v", err)
	}
}

func TestStaleQueued(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	m, _, _ := s.Create(ctx, CreateParams{VMUUID: "v1", SourceHost: "hostA", TargetHost: "hostB"})

	ids, err := s.StaleQueued(ctx, time.Hour)
	if err != nil {
		t.Fatalf("StaleQueued: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("fresh migration reported stale: %v", ids)
	}

	// Age the record artificially.
	s.mu.Lock()
	s.migrations[m.ID].UpdatedAt = time.Now().UTC().Add(-2 * time.Hour)
	s.mu.Unlock()

	ids, _ = s.StaleQueued(ctx, time.Hour)
	if len(ids) != 1 || ids[0] != m.ID {
		t.Fatalf("expected [%s], got %v", m.ID, ids)
	}
}

func TestUpdateVMHost(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	at := time.Now().UTC()
	if err := s.UpdateVMHost(ctx, "v1", "hostB", at); err != nil {
		t.Fatalf("UpdateVMHost: %v", err)
	}
	vm, err := s.GetVM(ctx, "v1")
	if err != nil {
		t.Fatalf("GetVM: %v", err)
	}
	if vm.HostID != "hostB" || vm.LastMigratedAt == nil {
		t.Fatalf("host pointer not updated: %+v", vm)
	}

	if err := s.UpdateVMHost(ctx, "ghost", "hostB", at); !errors.Is(err, ErrVMNotFound) {
		t.Fatalf("expected ErrVMNotFound, got %v", err)
	}
}
