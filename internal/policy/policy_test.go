package policy

import (
	"testing"

	"github.com/oriys/vega/internal/domain"
)

func host(id string, cpu, mem, load1 float64, cores int) *domain.Host {
	return &domain.Host{
		ID:         id,
		Status:     "UP",
		CPUPercent: cpu,
		MemPercent: mem,
		Load1:      load1,
		CPUCount:   cores,
	}
}

func TestHostScore(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name string
		h    *domain.Host
		want float64
	}{
		{"idle", host("a", 0, 0, 0, 4), 0},
		{"cpu only", host("a", 100, 0, 0, 4), 0.6},
		{"mem only", host("a", 0, 100, 0, 4), 0.3},
		{"load normalized by cores", host("a", 0, 0, 4, 4), 0.1},
		{"zero cores treated as one", host("a", 0, 0, 1, 0), 0.1},
		{"mixed", host("a", 50, 50, 2, 4), 0.6*0.5 + 0.3*0.5 + 0.1*0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cfg.HostScore(tt.h)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Fatalf("HostScore = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHostScoreVMCountProfile(t *testing.T) {
	cfg := VMCountConfig()

	h := host("a", 40, 20, 0, 8)
	h.VMsRunning = 5
	want := 0.5*0.4 + 0.3*0.2 + 0.2*0.5
	got := cfg.HostScore(h)
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("HostScore = %v, want %v", got, want)
	}

	// The vm-count term saturates.
	h.VMsRunning = 50
	want = 0.5*0.4 + 0.3*0.2 + 0.2*1.0
	got = cfg.HostScore(h)
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("saturated HostScore = %v, want %v", got, want)
	}
}

func TestOverloaded(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name string
		h    *domain.Host
		want bool
	}{
		{"healthy", host("a", 50, 50, 0, 1), false},
		{"cpu at gate", host("a", 80, 0, 0, 1), true},
		{"mem at gate", host("a", 0, 85, 0, 1), true},
		{"just under", host("a", 79.9, 84.9, 0, 1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cfg.Overloaded(tt.h); got != tt.want {
				t.Fatalf("Overloaded = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanReceive(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name  string
		h     *domain.Host
		cpu   float64
		mem   float64
		want  bool
	}{
		{"admits small vm", host("a", 20, 20, 0, 1), 10, 0, true},
		{"projected cpu at cap rejected", host("a", 20, 20, 0, 1), 40, 0, false},
		{"projected mem at cap rejected", host("a", 20, 20, 0, 1), 10, 50, false},
		{"down host rejected", &domain.Host{ID: "a", Status: "DOWN", CPUPercent: 10}, 5, 0, false},
		{"empty status admitted", &domain.Host{ID: "a", CPUPercent: 10}, 5, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cfg.CanReceive(tt.h, tt.cpu, tt.mem); got != tt.want {
				t.Fatalf("CanReceive = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSelectDestination(t *testing.T) {
	cfg := DefaultConfig()

	a := host("a", 90, 50, 0, 4)
	b := host("b", 20, 20, 0, 4)
	c := host("c", 30, 30, 0, 4)

	// v2 (cpu=10) fits on b: 20+10=30 < 60. b scores lower than c.
	dst := cfg.SelectDestination([]*domain.Host{a, b, c}, 10, "a")
	if dst == nil || dst.ID != "b" {
		t.Fatalf("expected destination b, got %+v", dst)
	}

	// v1 (cpu=40) projects b to exactly 60, which is not admissible.
	if dst := cfg.SelectDestination([]*domain.Host{a, b, c}, 40, "a"); dst != nil {
		t.Fatalf("expected no destination for cpu=40, got %s", dst.ID)
	}

	// The source host is never returned, even when it is the only candidate.
	if dst := cfg.SelectDestination([]*domain.Host{b}, 5, "b"); dst != nil {
		t.Fatalf("expected nil when only candidate is the source, got %s", dst.ID)
	}
}

func TestSelectDestinationNoAdmissibleHost(t *testing.T) {
	cfg := DefaultConfig()

	a := host("a", 95, 50, 0, 4)
	b := host("b", 75, 40, 0, 4)
	c := host("c", 78, 40, 0, 4)

	if dst := cfg.SelectDestination([]*domain.Host{a, b, c}, 5, "a"); dst != nil {
		t.Fatalf("expected no admissible destination, got %s", dst.ID)
	}
}

func TestSelectDestinationTieBreak(t *testing.T) {
	cfg := DefaultConfig()

	// b and c score within the tie epsilon; both must show up over many
	// trials, and nothing else may.
	a := host("a", 90, 50, 0, 4)
	b := host("b", 20, 20, 0, 4)
	c := host("c", 21, 21, 0, 4)
	d := host("d", 50, 40, 0, 4)

	seen := map[string]int{}
	for i := 0; i < 200; i++ {
		dst := cfg.SelectDestination([]*domain.Host{a, b, c, d}, 5, "a")
		if dst == nil {
			t.Fatal("expected a destination")
		}
		seen[dst.ID]++
	}
	if seen["a"] > 0 || seen["d"] > 0 {
		t.Fatalf("tie-break escaped the top two: %v", seen)
	}
	if seen["b"] == 0 || seen["c"] == 0 {
		t.Fatalf("expected both near-tied hosts to be chosen over 200 trials: %v", seen)
	}
}
