// Package scheduler runs the periodic rebalance cycle and the emergency
// alert path. Both feed the planner with a fresh inventory snapshot and
// submit the resulting proposals as queued migrations, capped by the
// cluster-wide concurrency limit.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/vega/internal/domain"
	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/metrics"
	"github.com/oriys/vega/internal/observability"
	"github.com/oriys/vega/internal/planner"
	"github.com/oriys/vega/internal/queue"
	"github.com/oriys/vega/internal/store"
)

// Inventory is the slice of the controller inventory API the scheduler
// reads and the throttle call it issues.
type Inventory interface {
	Hosts(ctx context.Context) ([]domain.Host, error)
	VMs(ctx context.Context) ([]domain.VM, error)
	ThrottleHost(ctx context.Context, hostID string, duration time.Duration, reason string) error
}

// Config holds scheduler service settings.
type Config struct {
	RebalanceInterval       time.Duration
	MaxConcurrentMigrations int
	// EmergencyCPU is the red-alert threshold. A host at or above it is
	// routed through the emergency path during the periodic cycle even
	// when no external alert has arrived.
	EmergencyCPU float64
	// ThrottleDuration is how long a host is throttled when an alert
	// yields no migration plan.
	ThrottleDuration time.Duration
	// StaleQueuedAfter bounds how long a migration may sit queued before
	// the sweep re-enqueues it.
	StaleQueuedAfter time.Duration
	// RequeueCron schedules the stale-queued sweep.
	RequeueCron string
}

// Service drives planning and submission.
type Service struct {
	inv     Inventory
	store   store.Store
	q       queue.Queue
	planner *planner.Planner
	cfg     Config

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cron    *cron.Cron
}

// New creates a scheduler Service. Zero config fields take the defaults:
// 30s rebalance interval, cap 2, 300s throttle, 15m stale cutoff with a
// sweep every minute.
func New(inv Inventory, st store.Store, q queue.Queue, pl *planner.Planner, cfg Config) *Service {
	if cfg.RebalanceInterval <= 0 {
		cfg.RebalanceInterval = 30 * time.Second
	}
	if cfg.MaxConcurrentMigrations <= 0 {
		cfg.MaxConcurrentMigrations = 2
	}
	if cfg.EmergencyCPU <= 0 {
		cfg.EmergencyCPU = 95
	}
	if cfg.ThrottleDuration <= 0 {
		cfg.ThrottleDuration = 300 * time.Second
	}
	if cfg.StaleQueuedAfter <= 0 {
		cfg.StaleQueuedAfter = 15 * time.Minute
	}
	if cfg.RequeueCron == "" {
		cfg.RequeueCron = "* * * * *"
	}
	return &Service{inv: inv, store: st, q: q, planner: pl, cfg: cfg}
}

// Start launches the periodic rebalance loop and the requeue sweep.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.RequeueCron, func() { s.requeueStale(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("register requeue sweep: %w", err)
	}
	s.cron.Start()

	s.wg.Add(1)
	go s.loop(ctx)

	s.started = true
	logging.Op().Info("scheduler started",
		"rebalance_interval", s.cfg.RebalanceInterval,
		"max_concurrent", s.cfg.MaxConcurrentMigrations)
	return nil
}

// Stop halts the loop and the sweep. In-flight cycles finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.cancel()
	cronCtx := s.cron.Stop()
	s.mu.Unlock()

	<-cronCtx.Done()
	s.wg.Wait()
	logging.Op().Info("scheduler stopped")
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.RebalanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleQueueDepth(ctx)
			if err := s.RunCycle(ctx); err != nil && ctx.Err() == nil {
				logging.Op().Error("rebalance cycle failed", "error", err)
			}
		}
	}
}

// RunCycle executes one rebalance pass: snapshot, plan, submit.
func (s *Service) RunCycle(ctx context.Context) error {
	log := logging.Op()
	log.Info("starting rebalance cycle")
	ctx, span := observability.StartSpan(ctx, "scheduler.rebalance")
	defer span.End()

	hosts, vmsByHost, err := s.snapshot(ctx)
	if err != nil {
		observability.SetSpanError(span, err)
		return err
	}

	// Hosts past the red-alert threshold take the emergency path first,
	// whether or not the monitoring side got an alert out. The planner's
	// host cooldown keeps the rebalance pass off those hosts afterwards.
	var plan []domain.Proposal
	for _, h := range hosts {
		if h.CPUPercent < s.cfg.EmergencyCPU {
			continue
		}
		em := s.planner.PlanEmergency(h, hosts, vmsByHost[h.ID])
		if len(em) > 0 {
			log.Info("host past emergency threshold, escalating",
				"host", h.ID, "cpu_percent", h.CPUPercent)
			metrics.RecordProposals("emergency", len(em))
			plan = append(plan, em...)
		}
	}

	reb := s.planner.PlanRebalance(hosts, vmsByHost)
	metrics.RecordProposals("rebalance", len(reb))
	plan = append(plan, reb...)

	span.SetAttributes(observability.AttrProposals.Int(len(plan)))
	log.Info("rebalance plan computed", "proposals", len(plan))

	return s.submit(ctx, plan)
}

// HandleAlert reacts to a load alert: plan an emergency move off the host,
// or throttle it when nothing can move.
func (s *Service) HandleAlert(ctx context.Context, alert domain.Alert) error {
	log := logging.Op().With("host", alert.HostID, "level", alert.Level)
	log.Info("handling load alert")
	ctx, span := observability.StartSpan(ctx, "scheduler.alert",
		observability.AttrAlertLevel.String(alert.Level),
		observability.AttrSourceHost.String(alert.HostID))
	defer span.End()
	metrics.RecordAlert(alert.Level)

	hosts, vmsByHost, err := s.snapshot(ctx)
	if err != nil {
		return err
	}

	var alertHost *domain.Host
	for _, h := range hosts {
		if h.ID == alert.HostID {
			alertHost = h
			break
		}
	}
	if alertHost == nil {
		return fmt.Errorf("alert host %s not in inventory", alert.HostID)
	}

	plan := s.planner.PlanEmergency(alertHost, hosts, vmsByHost[alert.HostID])
	metrics.RecordProposals("emergency", len(plan))
	if len(plan) == 0 {
		log.Info("no emergency migration possible, throttling host")
		if err := s.inv.ThrottleHost(ctx, alert.HostID, s.cfg.ThrottleDuration, "alert_"+alert.Level); err != nil {
			return fmt.Errorf("throttle host %s: %w", alert.HostID, err)
		}
		return nil
	}
	return s.submit(ctx, plan)
}

// snapshot fetches hosts and VMs in parallel and groups VMs by their host.
func (s *Service) snapshot(ctx context.Context) ([]*domain.Host, map[string][]*domain.VM, error) {
	var (
		hostList []domain.Host
		vmList   []domain.VM
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if hostList, err = s.inv.Hosts(gctx); err != nil {
			return fmt.Errorf("list hosts: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if vmList, err = s.inv.VMs(gctx); err != nil {
			return fmt.Errorf("list vms: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	s.persistSnapshot(ctx, hostList, vmList)

	hosts := make([]*domain.Host, len(hostList))
	for i := range hostList {
		hosts[i] = &hostList[i]
	}
	vmsByHost := make(map[string][]*domain.VM)
	for i := range vmList {
		vm := &vmList[i]
		vmsByHost[vm.HostID] = append(vmsByHost[vm.HostID], vm)
	}
	return hosts, vmsByHost, nil
}

// submit creates and enqueues migrations for the plan, stopping once the
// cluster-wide cap is reached. Per-VM conflicts are skipped, not errors.
func (s *Service) submit(ctx context.Context, plan []domain.Proposal) error {
	if len(plan) == 0 {
		return nil
	}
	log := logging.Op()

	inFlight, err := s.store.CountNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("count non-terminal migrations: %w", err)
	}
	metrics.SetInFlight(inFlight)

	for _, prop := range plan {
		if inFlight >= s.cfg.MaxConcurrentMigrations {
			log.Info("concurrency cap reached, pausing plan submission",
				"in_flight", inFlight, "cap", s.cfg.MaxConcurrentMigrations)
			break
		}

		m, created, err := s.store.Create(ctx, store.CreateParams{
			VMUUID:     prop.VM.UUID,
			SourceHost: prop.VM.HostID,
			TargetHost: prop.TargetHost,
			Reason:     prop.Reason,
		})
		switch {
		case errors.Is(err, store.ErrMigrationActive):
			log.Info("vm already migrating, skipping proposal", "vm", prop.VM.UUID)
			continue
		case err != nil:
			log.Error("migration create failed", "vm", prop.VM.UUID, "error", err)
			continue
		case !created:
			continue
		}

		if err := s.q.Enqueue(ctx, m.ID); err != nil {
			log.Error("enqueue failed", "migration_id", m.ID, "error", err)
			continue
		}
		inFlight++
		log.Info("migration scheduled",
			"migration_id", m.ID, "vm", prop.VM.UUID,
			"source", prop.VM.HostID, "target", prop.TargetHost, "reason", prop.Reason)
	}
	metrics.SetInFlight(inFlight)
	return nil
}

// persistSnapshot mirrors the inventory snapshot into the store so the
// intake API can resolve VM UUIDs and the metric history accumulates.
// Best-effort: a write failure degrades resolution, not scheduling.
func (s *Service) persistSnapshot(ctx context.Context, hosts []domain.Host, vms []domain.VM) {
	now := time.Now().UTC()
	for i := range hosts {
		h := &hosts[i]
		if err := s.store.UpsertHost(ctx, h); err != nil {
			logging.Op().Warn("host upsert failed", "host", h.ID, "error", err)
			continue
		}
		metric := &domain.HostMetric{
			HostID:     h.ID,
			CPUPercent: h.CPUPercent,
			MemPercent: h.MemPercent,
			Load1:      h.Load1,
			VMsRunning: h.VMsRunning,
			Timestamp:  now,
		}
		if err := s.store.AppendHostMetric(ctx, metric); err != nil {
			logging.Op().Warn("host metric append failed", "host", h.ID, "error", err)
		}
	}
	for i := range vms {
		if err := s.store.UpsertVM(ctx, &vms[i]); err != nil {
			logging.Op().Warn("vm upsert failed", "vm", vms[i].UUID, "error", err)
		}
	}
}

// sampleQueueDepth exports the backlog size when the queue can report it.
func (s *Service) sampleQueueDepth(ctx context.Context) {
	lenner, ok := s.q.(interface {
		Len(ctx context.Context) (int64, error)
	})
	if !ok {
		return
	}
	if n, err := lenner.Len(ctx); err == nil {
		metrics.SetQueueDepth(n)
	}
}

// requeueStale pushes migrations stuck in queued back onto the queue. A
// row goes stale when its worker died between dequeue and claim, or when
// retries exhausted while the VM's lock was held elsewhere.
func (s *Service) requeueStale(ctx context.Context) {
	ids, err := s.store.StaleQueued(ctx, s.cfg.StaleQueuedAfter)
	if err != nil {
		logging.Op().Error("stale queued scan failed", "error", err)
		return
	}
	requeued := 0
	for _, id := range ids {
		if err := s.q.Enqueue(ctx, id); err != nil {
			logging.Op().Error("stale requeue failed", "migration_id", id, "error", err)
			continue
		}
		requeued++
	}
	if requeued > 0 {
		metrics.RecordRequeued(requeued)
		logging.Op().Info("requeued stale migrations", "count", requeued)
	}
}
