package domain

import "testing"

func TestStatusMachineEdges(t *testing.T) {
	cases := []struct {
		from, to MigrationStatus
		ok       bool
	}{
		{StatusQueued, StatusValidating, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusRunning, false},
		{StatusQueued, StatusFailed, false},
		{StatusValidating, StatusRunning, true},
		{StatusValidating, StatusFailed, true},
		{StatusRunning, StatusFinalizing, true},
		{StatusRunning, StatusCompleted, false},
		{StatusFinalizing, StatusCompleted, true},
		{StatusFinalizing, StatusFailed, true},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusQueued, false},
		{StatusCancelled, StatusRunning, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := map[MigrationStatus]bool{
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	}
	for _, s := range []MigrationStatus{
		StatusQueued, StatusValidating, StatusRunning, StatusFinalizing,
		StatusCompleted, StatusFailed, StatusCancelled,
	} {
		if s.Terminal() != terminal[s] {
			t.Errorf("%s.Terminal() = %v, want %v", s, s.Terminal(), terminal[s])
		}
		// No edges lead out of a terminal status.
		if terminal[s] && len(transitions[s]) != 0 {
			t.Errorf("terminal status %s has outgoing edges", s)
		}
	}
}
