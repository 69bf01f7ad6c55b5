package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/oriys/vega/internal/domain"
	"github.com/oriys/vega/internal/planner"
	"github.com/oriys/vega/internal/queue"
	"github.com/oriys/vega/internal/store"
)

type fakeInventory struct {
	hosts     []domain.Host
	vms       []domain.VM
	throttled []string
}

func (f *fakeInventory) Hosts(context.Context) ([]domain.Host, error) { return f.hosts, nil }
func (f *fakeInventory) VMs(context.Context) ([]domain.VM, error)     { return f.vms, nil }
func (f *fakeInventory) ThrottleHost(_ context.Context, hostID string, _ time.Duration, reason string) error {
	f.throttled = append(f.throttled, hostID+":"+reason)
	return nil
}

// overloadedCluster is the canonical three-host snapshot: A overloaded,
// B nearly idle, C moderate.
func overloadedCluster() *fakeInventory {
	return &fakeInventory{
		hosts: []domain.Host{
			{ID: "hostA", Status: "UP", CPUPercent: 90, MemPercent: 40},
			{ID: "hostB", Status: "UP", CPUPercent: 20, MemPercent: 30},
			{ID: "hostC", Status: "UP", CPUPercent: 30, MemPercent: 35},
		},
		vms: []domain.VM{
			{UUID: "v1", HostID: "hostA", CPUPercent: 40},
			{UUID: "v2", HostID: "hostA", CPUPercent: 10},
		},
	}
}

func seedHosts(t *testing.T, st store.Store, inv *fakeInventory) {
	t.Helper()
	ctx := context.Background()
	for i := range inv.hosts {
		if err := st.UpsertHost(ctx, &inv.hosts[i]); err != nil {
			t.Fatalf("seed host: %v", err)
		}
	}
	for i := range inv.vms {
		if err := st.UpsertVM(ctx, &inv.vms[i]); err != nil {
			t.Fatalf("seed vm: %v", err)
		}
	}
}

func newService(inv Inventory, st store.Store, q queue.Queue, maxInFlight int) *Service {
	return New(inv, st, q, planner.New(planner.DefaultConfig()), Config{
		MaxConcurrentMigrations: maxInFlight,
		StaleQueuedAfter:        time.Hour,
	})
}

func TestRunCycleSubmitsPlan(t *testing.T) {
	inv := overloadedCluster()
	st := store.NewMemoryStore()
	seedHosts(t, st, inv)
	q := queue.NewChannelQueue(8)
	defer q.Close()

	svc := newService(inv, st, q, 2)
	ctx := context.Background()

	if err := svc.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	// v1 (cpu 40) would project hostB to exactly the low-cpu gate, so the
	// default thresholds admit only v2.
	ms, _ := st.List(ctx, store.Filter{})
	if len(ms) != 1 {
		t.Fatalf("expected 1 migration, got %d", len(ms))
	}
	m := ms[0]
	if m.VMUUID != "v2" || m.TargetHost != "hostB" || m.Reason != "periodic_rebalance" {
		t.Fatalf("unexpected migration: %+v", m)
	}

	id, err := q.Dequeue(ctx)
	if err != nil || id != m.ID {
		t.Fatalf("migration not enqueued: id=%q err=%v", id, err)
	}
}

func TestRunCycleEscalatesHostPastEmergencyThreshold(t *testing.T) {
	inv := overloadedCluster()
	inv.hosts[0].CPUPercent = 97
	st := store.NewMemoryStore()
	seedHosts(t, st, inv)
	q := queue.NewChannelQueue(8)
	defer q.Close()

	svc := newService(inv, st, q, 4)
	ctx := context.Background()

	if err := svc.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	// The emergency pass moves the heaviest movable VM and puts hostA on
	// cooldown, so the rebalance pass adds nothing more for it.
	ms, _ := st.List(ctx, store.Filter{})
	if len(ms) != 1 {
		t.Fatalf("expected 1 migration, got %d: %+v", len(ms), ms)
	}
	if ms[0].Reason != "emergency" || ms[0].VMUUID != "v2" {
		t.Fatalf("expected emergency migration of v2, got %+v", ms[0])
	}
}

func TestRunCycleMirrorsInventoryIntoStore(t *testing.T) {
	inv := overloadedCluster()
	st := store.NewMemoryStore()
	q := queue.NewChannelQueue(8)
	defer q.Close()

	// No seeding: the cycle itself must land hosts and VMs in the store
	// before it submits anything.
	svc := newService(inv, st, q, 2)
	ctx := context.Background()
	if err := svc.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	vm, err := st.GetVM(ctx, "v1")
	if err != nil || vm.HostID != "hostA" {
		t.Fatalf("vm not mirrored: %+v err=%v", vm, err)
	}
	for _, h := range []string{"hostA", "hostB", "hostC"} {
		ok, err := st.HostExists(ctx, h)
		if err != nil || !ok {
			t.Fatalf("host %s not mirrored: ok=%v err=%v", h, ok, err)
		}
	}
}

func TestSubmitHonorsConcurrencyCap(t *testing.T) {
	inv := overloadedCluster()
	st := store.NewMemoryStore()
	seedHosts(t, st, inv)
	ctx := context.Background()

	// Fill the cap with an unrelated active migration.
	st.UpsertVM(ctx, &domain.VM{UUID: "busy", HostID: "hostC"})
	if _, _, err := st.Create(ctx, store.CreateParams{VMUUID: "busy", SourceHost: "hostC", TargetHost: "hostB"}); err != nil {
		t.Fatalf("seed active migration: %v", err)
	}

	q := queue.NewChannelQueue(8)
	defer q.Close()
	svc := newService(inv, st, q, 1)

	if err := svc.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	ms, _ := st.List(ctx, store.Filter{VMUUID: "v2"})
	if len(ms) != 0 {
		t.Fatalf("cap=1 with 1 in flight must submit nothing, got %d", len(ms))
	}
}

func TestHandleAlertSubmitsEmergencyMigration(t *testing.T) {
	inv := overloadedCluster()
	inv.hosts[0].CPUPercent = 97
	st := store.NewMemoryStore()
	seedHosts(t, st, inv)
	q := queue.NewChannelQueue(8)
	defer q.Close()

	svc := newService(inv, st, q, 2)
	ctx := context.Background()

	alert := domain.Alert{HostID: "hostA", Level: "red", Timestamp: time.Now().Unix()}
	if err := svc.HandleAlert(ctx, alert); err != nil {
		t.Fatalf("HandleAlert: %v", err)
	}

	ms, _ := st.List(ctx, store.Filter{})
	if len(ms) != 1 || ms[0].Reason != "emergency" {
		t.Fatalf("expected one emergency migration, got %+v", ms)
	}
	if len(inv.throttled) != 0 {
		t.Fatalf("host throttled despite available plan: %v", inv.throttled)
	}
}

func TestHandleAlertThrottlesWhenPlanless(t *testing.T) {
	// All VMs protected: nothing can move.
	inv := overloadedCluster()
	for i := range inv.vms {
		inv.vms[i].Protected = true
	}
	st := store.NewMemoryStore()
	seedHosts(t, st, inv)
	q := queue.NewChannelQueue(8)
	defer q.Close()

	svc := newService(inv, st, q, 2)
	ctx := context.Background()

	if err := svc.HandleAlert(ctx, domain.Alert{HostID: "hostA", Level: "red"}); err != nil {
		t.Fatalf("HandleAlert: %v", err)
	}
	if len(inv.throttled) != 1 || inv.throttled[0] != "hostA:alert_red" {
		t.Fatalf("expected throttle call, got %v", inv.throttled)
	}
	if ms, _ := st.List(context.Background(), store.Filter{}); len(ms) != 0 {
		t.Fatalf("planless alert must not create migrations: %+v", ms)
	}
}

func TestHandleAlertUnknownHost(t *testing.T) {
	inv := overloadedCluster()
	st := store.NewMemoryStore()
	q := queue.NewChannelQueue(8)
	defer q.Close()

	svc := newService(inv, st, q, 2)
	if err := svc.HandleAlert(context.Background(), domain.Alert{HostID: "ghost", Level: "red"}); err == nil {
		t.Fatal("expected error for unknown alert host")
	}
}

func TestSubmitSkipsActiveVM(t *testing.T) {
	inv := overloadedCluster()
	st := store.NewMemoryStore()
	seedHosts(t, st, inv)
	ctx := context.Background()

	// v2 already has an active migration; a new proposal for it is skipped.
	if _, _, err := st.Create(ctx, store.CreateParams{VMUUID: "v2", SourceHost: "hostA", TargetHost: "hostC"}); err != nil {
		t.Fatalf("seed active migration: %v", err)
	}

	q := queue.NewChannelQueue(8)
	defer q.Close()
	svc := newService(inv, st, q, 5)

	if err := svc.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	ms, _ := st.List(ctx, store.Filter{VMUUID: "v2"})
	if len(ms) != 1 {
		t.Fatalf("active VM must not gain a second migration, got %d", len(ms))
	}
}

func TestRequeueStale(t *testing.T) {
	inv := overloadedCluster()
	st := store.NewMemoryStore()
	seedHosts(t, st, inv)
	ctx := context.Background()

	m, _, err := st.Create(ctx, store.CreateParams{VMUUID: "v1", SourceHost: "hostA", TargetHost: "hostB"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	q := queue.NewChannelQueue(8)
	defer q.Close()
	svc := newService(inv, st, q, 2)
	svc.cfg.StaleQueuedAfter = time.Nanosecond

	time.Sleep(time.Millisecond)
	svc.requeueStale(ctx)

	id, err := q.Dequeue(ctx)
	if err != nil || id != m.ID {
		t.Fatalf("stale migration not requeued: id=%q err=%v", id, err)
	}
}
