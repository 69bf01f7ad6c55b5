// Package domain defines the canonical records shared across the control
// plane: hosts, VMs, migrations, and their event log. VMs are identified by
// their hypervisor UUID everywhere; translation from other identifiers
// happens at the API boundary.
package domain

import (
	"encoding/json"
	"time"
)

// MigrationStatus is the lifecycle state of a migration job.
type MigrationStatus string

const (
	StatusQueued     MigrationStatus = "queued"
	StatusValidating MigrationStatus = "validating"
	StatusRunning    MigrationStatus = "running"
	StatusFinalizing MigrationStatus = "finalizing"
	StatusCompleted  MigrationStatus = "completed"
	StatusFailed     MigrationStatus = "failed"
	StatusCancelled  MigrationStatus = "cancelled"
)

// Terminal reports whether the status is final. A terminal migration never
// changes again except for appended events.
func (s MigrationStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions is the legal edge set of the migration state machine.
var transitions = map[MigrationStatus][]MigrationStatus{
	StatusQueued:     {StatusValidating, StatusCancelled},
	StatusValidating: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:    {StatusFinalizing, StatusFailed, StatusCancelled},
	StatusFinalizing: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal status edge.
func CanTransition(from, to MigrationStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// EventLevel classifies a migration event.
type EventLevel string

const (
	LevelInfo    EventLevel = "info"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
)

// Host is a node in the hypervisor pool.
type Host struct {
	ID       string            `json:"host_id"`
	Hostname string            `json:"hostname,omitempty"`
	Address  string            `json:"ip,omitempty"`
	Status   string            `json:"status,omitempty"`
	CPUCount int               `json:"cpu_count,omitempty"`
	LastSeen time.Time         `json:"last_seen,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`

	// Latest metric snapshot, denormalized onto the host for scheduling.
	CPUPercent   float64 `json:"cpu_percent"`
	MemPercent   float64 `json:"mem_percent"`
	MemFreeBytes int64   `json:"mem_free_bytes,omitempty"`
	Load1        float64 `json:"load1,omitempty"`
	VMsRunning   int     `json:"vms_running,omitempty"`
}

// HostMetric is an append-only load sample for a host.
type HostMetric struct {
	HostID     string    `json:"host_id"`
	CPUPercent float64   `json:"cpu_percent"`
	MemPercent float64   `json:"mem_percent"`
	Load1      float64   `json:"load1,omitempty"`
	VMsRunning int       `json:"vms_running"`
	Timestamp  time.Time `json:"ts"`
}

// VM is a virtual machine tracked by the controller.
type VM struct {
	UUID           string     `json:"vm_uuid"`
	Name           string     `json:"name,omitempty"`
	HostID         string     `json:"host_id"`
	VCPUs          int        `json:"vcpus,omitempty"`
	MemBytes       int64      `json:"mem_bytes,omitempty"`
	CPUPercent     float64    `json:"cpu_percent"`
	Protected      bool       `json:"protected"`
	LastMigratedAt *time.Time `json:"last_migrated_at,omitempty"`
}

// Migration is a durable record of one live-migration job.
type Migration struct {
	ID              string          `json:"migration_id"`
	VMUUID          string          `json:"vm_uuid"`
	SourceHost      string          `json:"source_host"`
	TargetHost      string          `json:"target_host"`
	Status          MigrationStatus `json:"status"`
	Progress        int             `json:"progress"`
	Reason          string          `json:"reason,omitempty"`
	ClientRequestID string          `json:"client_request_id,omitempty"`
	Simulate        bool            `json:"simulate,omitempty"`
	Details         json.RawMessage `json:"details,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

// MigrationEvent is one entry in a migration's append-only audit log.
type MigrationEvent struct {
	ID          int64           `json:"id"`
	MigrationID string          `json:"migration_id"`
	Timestamp   time.Time       `json:"ts"`
	Level       EventLevel      `json:"level"`
	Message     string          `json:"message"`
	Meta        json.RawMessage `json:"meta,omitempty"`
}

// Alert is an inbound load alert from the monitoring pipeline.
type Alert struct {
	HostID    string             `json:"host_id"`
	Level     string             `json:"level"` // "orange" or "red"
	Timestamp int64              `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	RecentVMs []string           `json:"recent_vms,omitempty"`
}

// Proposal pairs a VM with the destination host the planner chose for it.
type Proposal struct {
	VM         VM     `json:"vm"`
	TargetHost string `json:"target_host"`
	Reason     string `json:"reason"`
}
