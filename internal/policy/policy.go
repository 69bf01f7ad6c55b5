// Package policy contains the pure scoring and placement predicates the
// planner is built on. Everything here is deterministic given its inputs
// except the documented near-tie randomization in SelectDestination.
package policy

import (
	"math/rand"

	"github.com/oriys/vega/internal/domain"
)

// ProfileLoad weighs cpu, memory, and load1 normalized by core count.
// ProfileVMCount swaps the load term for a saturating running-VM count,
// which behaves better on hosts that do not report load averages.
const (
	ProfileLoad    = "load"
	ProfileVMCount = "vmcount"
)

// tieEpsilon is the score distance under which two candidate hosts are
// considered equivalent and the winner is picked randomly among the top
// two, spreading placements instead of herding onto one "best" host.
const tieEpsilon = 0.05

// vmCountSaturation is the running-VM count at which the vmcount term
// saturates to 1.
const vmCountSaturation = 10.0

// Config holds the thresholds and weights for all placement decisions.
type Config struct {
	HighCPU float64
	HighMem float64
	LowCPU  float64
	LowMem  float64

	Profile string
	WCPU    float64
	WMem    float64
	WLoad   float64
}

// DefaultConfig returns the standard weighting (0.6/0.3/0.1 over the load
// profile) with the documented threshold defaults.
func DefaultConfig() Config {
	return Config{
		HighCPU: 80,
		HighMem: 85,
		LowCPU:  60,
		LowMem:  70,
		Profile: ProfileLoad,
		WCPU:    0.6,
		WMem:    0.3,
		WLoad:   0.1,
	}
}

// VMCountConfig returns the alternate weighting (0.5/0.3/0.2 over a
// saturating vm-count term).
func VMCountConfig() Config {
	cfg := DefaultConfig()
	cfg.Profile = ProfileVMCount
	cfg.WCPU = 0.5
	cfg.WMem = 0.3
	cfg.WLoad = 0.2
	return cfg
}

// HostScore returns the load score of a host. Lower is less loaded and
// therefore a better migration destination.
func (c Config) HostScore(h *domain.Host) float64 {
	cpuNorm := h.CPUPercent / 100
	memNorm := h.MemPercent / 100

	var third float64
	switch c.Profile {
	case ProfileVMCount:
		third = float64(h.VMsRunning) / vmCountSaturation
		if third > 1 {
			third = 1
		}
	default:
		cores := float64(h.CPUCount)
		if cores < 1 {
			cores = 1
		}
		third = h.Load1 / cores
	}

	return c.WCPU*cpuNorm + c.WMem*memNorm + c.WLoad*third
}

// Overloaded reports whether the host's latest metric breaches the high
// cpu or memory gate.
func (c Config) Overloaded(h *domain.Host) bool {
	return h.CPUPercent >= c.HighCPU || h.MemPercent >= c.HighMem
}

// CanReceive reports whether the host can admit a VM with the given
// estimated cpu and memory footprint without breaching the low caps.
func (c Config) CanReceive(h *domain.Host, vmCPUEst, vmMemEst float64) bool {
	if h.CPUPercent+vmCPUEst >= c.LowCPU {
		return false
	}
	if h.MemPercent+vmMemEst >= c.LowMem {
		return false
	}
	if h.Status != "" && h.Status != "UP" && h.Status != "up" {
		return false
	}
	return true
}

// SelectDestination picks the admissible host with the lowest score,
// excluding excludeHostID. When the top two candidates score within
// tieEpsilon of each other, one of them is chosen at random. Returns nil
// when no host admits the VM.
func (c Config) SelectDestination(hosts []*domain.Host, vmCPUEst float64, excludeHostID string) *domain.Host {
	type candidate struct {
		score float64
		host  *domain.Host
	}

	var candidates []candidate
	for _, h := range hosts {
		if h.ID == excludeHostID {
			continue
		}
		if !c.CanReceive(h, vmCPUEst, 0) {
			continue
		}
		candidates = append(candidates, candidate{score: c.HostScore(h), host: h})
	}
	if len(candidates) == 0 {
		return nil
	}

	best := 0
	for i := range candidates {
		if candidates[i].score < candidates[best].score {
			best = i
		}
	}
	// Find the runner-up for the near-tie check.
	second := -1
	for i := range candidates {
		if i == best {
			continue
		}
		if second == -1 || candidates[i].score < candidates[second].score {
			second = i
		}
	}

	if second >= 0 && candidates[second].score-candidates[best].score < tieEpsilon {
		if rand.Intn(2) == 1 {
			return candidates[second].host
		}
	}
	return candidates[best].host
}
