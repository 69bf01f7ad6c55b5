// Package planner turns a cluster snapshot into migration proposals. The
// planner is stateful across cycles: it remembers per-VM and per-host
// cooldown expiries in memory so it does not churn the same workloads every
// cycle. Cooldowns are advisory only; the migration store's single-active-
// migration-per-VM rule is the real safety gate.
package planner

import (
	"sort"
	"sync"
	"time"

	"github.com/oriys/vega/internal/domain"
	"github.com/oriys/vega/internal/policy"
)

// Config holds planner tunables.
type Config struct {
	Policy policy.Config

	MaxPlan                       int
	MaxEmergencyMigrationsPerHost int
	VMCooldown                    time.Duration
	HostCooldown                  time.Duration
}

// DefaultConfig returns the documented planner defaults.
func DefaultConfig() Config {
	return Config{
		Policy:                        policy.DefaultConfig(),
		MaxPlan:                       5,
		MaxEmergencyMigrationsPerHost: 1,
		VMCooldown:                    600 * time.Second,
		HostCooldown:                  300 * time.Second,
	}
}

// Planner plans rebalance and emergency migrations.
type Planner struct {
	cfg Config

	mu            sync.Mutex
	vmCooldowns   map[string]time.Time   // vm uuid -> cooldown expiry
	hostCooldowns map[string]time.Time   // host id -> cooldown expiry
	emergencies   map[string][]time.Time // host id -> emergency proposal times

	now func() time.Time
}

// New creates a Planner.
func New(cfg Config) *Planner {
	if cfg.MaxPlan <= 0 {
		cfg.MaxPlan = 5
	}
	if cfg.MaxEmergencyMigrationsPerHost <= 0 {
		cfg.MaxEmergencyMigrationsPerHost = 1
	}
	return &Planner{
		cfg:           cfg,
		vmCooldowns:   make(map[string]time.Time),
		hostCooldowns: make(map[string]time.Time),
		emergencies:   make(map[string][]time.Time),
		now:           time.Now,
	}
}

func (p *Planner) inVMCooldown(uuid string) bool {
	t, ok := p.vmCooldowns[uuid]
	return ok && t.After(p.now())
}

func (p *Planner) inHostCooldown(hostID string) bool {
	t, ok := p.hostCooldowns[hostID]
	return ok && t.After(p.now())
}

func (p *Planner) setCooldowns(vmUUID, hostID string) {
	now := p.now()
	p.vmCooldowns[vmUUID] = now.Add(p.cfg.VMCooldown)
	p.hostCooldowns[hostID] = now.Add(p.cfg.HostCooldown)
}

// PlanRebalance produces up to MaxPlan proposals moving VMs off overloaded
// hosts. Proposed moves are simulated onto the snapshot so later iterations
// see post-move load.
func (p *Planner) PlanRebalance(hosts []*domain.Host, vmsByHost map[string][]*domain.VM) []domain.Proposal {
	p.mu.Lock()
	defer p.mu.Unlock()

	var plan []domain.Proposal

	var overloaded []*domain.Host
	for _, h := range hosts {
		if p.cfg.Policy.Overloaded(h) && !p.inHostCooldown(h.ID) {
			overloaded = append(overloaded, h)
		}
	}
	// Worst offenders first.
	sort.Slice(overloaded, func(i, j int) bool {
		return overloaded[i].CPUPercent > overloaded[j].CPUPercent
	})

	for _, src := range overloaded {
		candidates := p.movableVMs(vmsByHost[src.ID])

		for _, vm := range candidates {
			dst := p.cfg.Policy.SelectDestination(hosts, vm.CPUPercent, src.ID)
			if dst != nil {
				plan = append(plan, domain.Proposal{VM: *vm, TargetHost: dst.ID, Reason: "periodic_rebalance"})
				p.setCooldowns(vm.UUID, src.ID)
				// Simulate the move so the next pick sees post-move load.
				src.CPUPercent -= vm.CPUPercent
				if src.CPUPercent < 0 {
					src.CPUPercent = 0
				}
				dst.CPUPercent += vm.CPUPercent
			}
			if len(plan) >= p.cfg.MaxPlan {
				return plan
			}
		}
	}
	return plan
}

// PlanEmergency returns at most one proposal relieving the alerted host.
// It respects the host cooldown and the rolling per-host emergency cap.
func (p *Planner) PlanEmergency(alertHost *domain.Host, hosts []*domain.Host, vms []*domain.VM) []domain.Proposal {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inHostCooldown(alertHost.ID) {
		return nil
	}
	if p.emergencyCount(alertHost.ID) >= p.cfg.MaxEmergencyMigrationsPerHost {
		return nil
	}

	candidates := p.movableVMs(vms)
	if len(candidates) > 3 {
		candidates = candidates[:3]
	}
	for _, vm := range candidates {
		dst := p.cfg.Policy.SelectDestination(hosts, vm.CPUPercent, alertHost.ID)
		if dst == nil {
			continue
		}
		p.setCooldowns(vm.UUID, alertHost.ID)
		p.emergencies[alertHost.ID] = append(p.emergencies[alertHost.ID], p.now())
		return []domain.Proposal{{VM: *vm, TargetHost: dst.ID, Reason: "emergency"}}
	}
	return nil
}

// movableVMs filters out protected and cooled-down VMs and sorts the rest
// by cpu descending so the heaviest movable VM is tried first.
func (p *Planner) movableVMs(vms []*domain.VM) []*domain.VM {
	out := make([]*domain.VM, 0, len(vms))
	for _, vm := range vms {
		if vm.Protected || p.inVMCooldown(vm.UUID) {
			continue
		}
		out = append(out, vm)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CPUPercent > out[j].CPUPercent
	})
	return out
}

// emergencyCount counts emergency proposals for a host within the rolling
// window. The window equals the host cooldown so a host becomes rescuable
// again once its cooldown has lapsed.
func (p *Planner) emergencyCount(hostID string) int {
	cutoff := p.now().Add(-p.cfg.HostCooldown)
	times := p.emergencies[hostID]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.emergencies[hostID] = kept
	return len(kept)
}
