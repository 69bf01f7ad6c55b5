// Package driver abstracts the hypervisor control channel that actually
// performs live migrations. Two implementations coexist: RESTDriver speaks
// the pool's management API and SSHDriver drives the pool master's xe CLI.
// Both return structured results; neither reports failures by panicking or
// by sentinel-free errors the orchestrator cannot match on.
package driver

import (
	"context"
	"errors"
)

// ErrVMNotFound is returned when the hypervisor does not know the VM.
var ErrVMNotFound = errors.New("driver: vm not found")

// ErrAbortUnsupported is returned by drivers that cannot abort an
// in-flight migration. Abort is best-effort for callers.
var ErrAbortUnsupported = errors.New("driver: abort not supported")

// VMInfo is the hypervisor's view of a VM, translated to one canonical
// shape at the driver boundary.
type VMInfo struct {
	UUID           string
	Name           string
	PowerState     string
	ToolsInstalled bool
	// BootPolicy is the HVM boot policy; empty suggests PV/PVHVM.
	BootPolicy string
	// Platform is the raw platform record, lowercased.
	Platform   string
	ResidentOn string
}

// ProbeResult reports whether a VM may be live-migrated and why not.
type ProbeResult struct {
	Eligible bool
	Reason   string
}

// Attempt records one endpoint/payload shape tried during Migrate.
type Attempt struct {
	Endpoint string         `json:"endpoint"`
	Payload  map[string]any `json:"payload"`
}

// MigrateResult is the outcome of a migration invocation.
type MigrateResult struct {
	OK       bool
	Endpoint string
	Payload  map[string]any
	Response map[string]any
	// OpID identifies the hypervisor-side operation to poll; empty when
	// the accepted endpoint was fire-and-forget.
	OpID string
	// Tried lists every shape attempted, for the failure report.
	Tried []Attempt
	// Error is a stable machine-readable kind ("no_supported_endpoint")
	// set when OK is false.
	Error string
}

// PollResult is one observation of an in-flight operation.
type PollResult struct {
	Done   bool
	Failed bool
	// Progress is 0-100, or -1 when the response carried no progress.
	Progress int
	Response map[string]any
}

// Driver is the hypervisor capability the orchestrator runs on.
type Driver interface {
	// GetVM fetches the hypervisor's record of the VM.
	GetVM(ctx context.Context, vmUUID string) (*VMInfo, error)
	// Probe reports whether the VM is live-migratable.
	Probe(ctx context.Context, vmUUID string) (ProbeResult, error)
	// Migrate invokes the live transfer toward targetHost. targetSR may
	// be empty.
	Migrate(ctx context.Context, vmUUID, targetHost, targetSR string) (*MigrateResult, error)
	// Poll observes the operation returned by Migrate.
	Poll(ctx context.Context, opID string) (*PollResult, error)
	// Abort attempts to stop the operation.
	Abort(ctx context.Context, opID string) error
}

// EligibilityFromVM applies the shared live-migration heuristic: the VM
// must be running, and must either report guest tools, have an empty boot
// policy (PV/PVHVM), or carry a PV marker in its platform record.
func EligibilityFromVM(vm *VMInfo) ProbeResult {
	if vm.PowerState != "" && vm.PowerState != "running" {
		return ProbeResult{Reason: "vm power state is not running: " + vm.PowerState}
	}
	if vm.ToolsInstalled {
		return ProbeResult{Eligible: true, Reason: "guest tools installed"}
	}
	if vm.BootPolicy == "" {
		return ProbeResult{Eligible: true, Reason: "empty boot policy suggests PV/PVHVM"}
	}
	for _, marker := range []string{"xen_platform", "pvdrivers", "pv"} {
		if containsMarker(vm.Platform, marker) {
			return ProbeResult{Eligible: true, Reason: "platform contains PV marker " + marker}
		}
	}
	return ProbeResult{Reason: "HVM boot policy set and no PV marker in platform record"}
}

func containsMarker(platform, marker string) bool {
	for i := 0; i+len(marker) <= len(platform); i++ {
		if platform[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}
