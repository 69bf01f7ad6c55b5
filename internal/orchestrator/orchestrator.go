// Package orchestrator drives one migration end to end: pre-flight
// eligibility, driver invocation, progress polling, and the terminal
// transition. It owns every status change after the worker's claim, so
// the status machine in the store is exercised from exactly one place.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oriys/vega/internal/domain"
	"github.com/oriys/vega/internal/driver"
	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/metrics"
	"github.com/oriys/vega/internal/observability"
	"github.com/oriys/vega/internal/store"
)

// simulateRamp is the deterministic progress sequence emitted in
// simulate mode.
var simulateRamp = []int{5, 25, 50, 80, 100}

// Config bounds the polling phase.
type Config struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
	// StepDelay is the pause between simulated progress steps and before
	// the fast-path completion bump.
	StepDelay time.Duration
	// ForceSimulate runs every migration in simulate mode regardless of
	// the per-migration flag. Used for dry-run deployments.
	ForceSimulate bool
}

// Orchestrator runs migrations against a hypervisor driver.
type Orchestrator struct {
	store store.Store
	drv   driver.Driver
	cfg   Config

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Orchestrator. Zero config fields fall back to the
// defaults (2s poll interval, 300s poll timeout).
func New(st store.Store, drv driver.Driver, cfg Config) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 300 * time.Second
	}
	if cfg.StepDelay <= 0 {
		cfg.StepDelay = 500 * time.Millisecond
	}
	return &Orchestrator{store: st, drv: drv, cfg: cfg, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run drives the migration with the given id to a terminal status. The
// caller must hold the per-VM advisory lock. Run returns an error only
// for infrastructure failures where the migration's state is unknown;
// a migration that ends in failed is a nil return.
func (o *Orchestrator) Run(ctx context.Context, id string) error {
	log := logging.Op().With("migration_id", id)
	ctx, span := observability.StartSpan(ctx, "migration.run", observability.AttrMigrationID.String(id))
	defer span.End()

	m, err := o.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load migration: %w", err)
	}
	span.SetAttributes(
		observability.AttrVMUUID.String(m.VMUUID),
		observability.AttrSourceHost.String(m.SourceHost),
		observability.AttrTargetHost.String(m.TargetHost),
	)
	if m.Status.Terminal() {
		log.Info("migration already terminal", "status", m.Status)
		return nil
	}

	if cancelled, err := o.honorCancel(ctx, m); err != nil || cancelled {
		return err
	}

	if m.Status == domain.StatusQueued {
		if m, err = o.store.Transition(ctx, id, domain.StatusValidating, store.Update{}); err != nil {
			return fmt.Errorf("claim migration: %w", err)
		}
	}

	o.event(ctx, id, domain.LevelInfo, fmt.Sprintf("validating migration prerequisites for VM %s", m.VMUUID), nil)

	if m.Simulate || o.cfg.ForceSimulate {
		return o.runSimulated(ctx, m)
	}
	return o.runLive(ctx, m, log)
}

func (o *Orchestrator) runLive(ctx context.Context, m *domain.Migration, log *slog.Logger) error {
	vm, err := o.drv.GetVM(ctx, m.VMUUID)
	if err != nil {
		if errors.Is(err, driver.ErrVMNotFound) {
			return o.fail(ctx, m.ID, "vm_not_found", fmt.Sprintf("VM %s not found on hypervisor", m.VMUUID), nil)
		}
		return o.fail(ctx, m.ID, "hypervisor_error", err.Error(), nil)
	}
	o.event(ctx, m.ID, domain.LevelInfo, "found VM on hypervisor", map[string]any{"name": vm.Name, "power_state": vm.PowerState})

	if probe := driver.EligibilityFromVM(vm); !probe.Eligible {
		return o.fail(ctx, m.ID, "not_live_migratable", probe.Reason, nil)
	}

	if _, err := o.store.Transition(ctx, m.ID, domain.StatusRunning, store.Update{Progress: intp(1)}); err != nil {
		return fmt.Errorf("transition to running: %w", err)
	}

	res, err := o.drv.Migrate(ctx, m.VMUUID, m.TargetHost, targetSR(m.Details))
	if err != nil {
		return fmt.Errorf("invoke migrate: %w", err)
	}
	if !res.OK {
		meta := map[string]any{"tried": res.Tried}
		if res.Response != nil {
			meta["response"] = res.Response
		}
		return o.fail(ctx, m.ID, res.Error, fmt.Sprintf("no migrate invocation accepted after %d attempts", len(res.Tried)), meta)
	}

	details := mergeDetails(m.Details, map[string]any{
		"endpoint": res.Endpoint,
		"payload":  res.Payload,
		"op_id":    res.OpID,
	})
	if _, err := o.store.Transition(ctx, m.ID, domain.StatusFinalizing, store.Update{Details: details}); err != nil {
		return fmt.Errorf("transition to finalizing: %w", err)
	}
	o.event(ctx, m.ID, domain.LevelInfo, "migration invoked via "+res.Endpoint, map[string]any{"op_id": res.OpID})

	if res.OpID == "" {
		// Fire-and-forget endpoint: no operation to observe.
		o.progress(ctx, m.ID, 75, log)
		if err := o.sleep(ctx, o.cfg.StepDelay); err != nil {
			return err
		}
		return o.complete(ctx, m)
	}

	return o.pollUntilTerminal(ctx, m, res.OpID, log)
}

func (o *Orchestrator) pollUntilTerminal(ctx context.Context, m *domain.Migration, opID string, log *slog.Logger) error {
	deadline := time.Now().Add(o.cfg.PollTimeout)
	for {
		if time.Now().After(deadline) {
			return o.fail(ctx, m.ID, "timeout", fmt.Sprintf("operation %s did not finish within %s", opID, o.cfg.PollTimeout), nil)
		}
		if cancelled, err := o.honorCancelMid(ctx, m, opID); err != nil || cancelled {
			return err
		}

		pollStart := time.Now()
		res, err := o.drv.Poll(ctx, opID)
		metrics.RecordPollDuration(time.Since(pollStart))
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("poll failed, retrying", "op_id", opID, "error", err)
		case res.Failed:
			return o.fail(ctx, m.ID, "operation_failed", fmt.Sprintf("operation %s reported failure", opID), map[string]any{"response": res.Response})
		case res.Done:
			o.event(ctx, m.ID, domain.LevelInfo, fmt.Sprintf("operation %s completed", opID), map[string]any{"response": res.Response})
			return o.complete(ctx, m)
		case res.Progress >= 0:
			o.progress(ctx, m.ID, res.Progress, log)
		}

		if err := o.sleep(ctx, o.cfg.PollInterval); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) runSimulated(ctx context.Context, m *domain.Migration) error {
	if _, err := o.store.Transition(ctx, m.ID, domain.StatusRunning, store.Update{Progress: intp(1)}); err != nil {
		return fmt.Errorf("transition to running: %w", err)
	}
	o.event(ctx, m.ID, domain.LevelInfo, "simulating live migration", nil)
	if _, err := o.store.Transition(ctx, m.ID, domain.StatusFinalizing, store.Update{}); err != nil {
		return fmt.Errorf("transition to finalizing: %w", err)
	}

	log := logging.Op().With("migration_id", m.ID)
	for _, p := range simulateRamp {
		if cancelled, err := o.honorCancelMid(ctx, m, ""); err != nil || cancelled {
			return err
		}
		o.progress(ctx, m.ID, p, log)
		o.event(ctx, m.ID, domain.LevelInfo, fmt.Sprintf("transferring memory and state (simulated) %d%%", p), nil)
		if err := o.sleep(ctx, o.cfg.StepDelay); err != nil {
			return err
		}
	}
	return o.complete(ctx, m)
}

// honorCancel handles a cancel requested before the driver was invoked.
func (o *Orchestrator) honorCancel(ctx context.Context, m *domain.Migration) (bool, error) {
	requested, err := o.store.CancelRequested(ctx, m.ID)
	if err != nil || !requested {
		return false, err
	}
	if _, err := o.store.Transition(ctx, m.ID, domain.StatusCancelled, store.Update{}); err != nil {
		return false, fmt.Errorf("transition to cancelled: %w", err)
	}
	o.event(ctx, m.ID, domain.LevelInfo, "migration cancelled before invocation", nil)
	return true, nil
}

// honorCancelMid handles a cancel requested while the transfer is in
// flight. The driver abort is best-effort; the migration is cancelled
// either way.
func (o *Orchestrator) honorCancelMid(ctx context.Context, m *domain.Migration, opID string) (bool, error) {
	requested, err := o.store.CancelRequested(ctx, m.ID)
	if err != nil || !requested {
		return false, err
	}
	if opID != "" {
		if err := o.drv.Abort(ctx, opID); err != nil && !errors.Is(err, driver.ErrAbortUnsupported) {
			o.event(ctx, m.ID, domain.LevelWarning, "driver abort failed: "+err.Error(), nil)
		}
	}
	if _, err := o.store.Transition(ctx, m.ID, domain.StatusCancelled, store.Update{}); err != nil {
		return false, fmt.Errorf("transition to cancelled: %w", err)
	}
	o.event(ctx, m.ID, domain.LevelInfo, "migration cancelled", map[string]any{"op_id": opID})
	return true, nil
}

func (o *Orchestrator) complete(ctx context.Context, m *domain.Migration) error {
	if _, err := o.store.Transition(ctx, m.ID, domain.StatusCompleted, store.Update{Progress: intp(100)}); err != nil {
		return fmt.Errorf("transition to completed: %w", err)
	}
	if err := o.store.UpdateVMHost(ctx, m.VMUUID, m.TargetHost, time.Now().UTC()); err != nil {
		// The migration itself succeeded; a stale host pointer heals on
		// the next inventory sync.
		o.event(ctx, m.ID, domain.LevelWarning, "vm host pointer update failed: "+err.Error(), nil)
	}
	o.event(ctx, m.ID, domain.LevelInfo, fmt.Sprintf("VM %s now resident on %s", m.VMUUID, m.TargetHost), nil)
	return nil
}

// fail records a structured failure and transitions to failed. The error
// kind is machine-readable; message is for humans.
func (o *Orchestrator) fail(ctx context.Context, id, kind, message string, meta map[string]any) error {
	m, err := o.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load migration for failure: %w", err)
	}
	payload := map[string]any{"error": kind, "message": message}
	for k, v := range meta {
		payload[k] = v
	}
	details := mergeDetails(m.Details, payload)

	o.event(ctx, id, domain.LevelError, message, meta)
	if _, err := o.store.Transition(ctx, id, domain.StatusFailed, store.Update{Details: details}); err != nil {
		return fmt.Errorf("transition to failed: %w", err)
	}
	return nil
}

// progress persists a progress update. Best-effort: failures are logged
// and recorded as warning events, never escalated.
func (o *Orchestrator) progress(ctx context.Context, id string, pct int, log *slog.Logger) {
	if err := o.store.SetProgress(ctx, id, pct); err != nil {
		log.Warn("progress update failed", "progress", pct, "error", err)
		o.event(ctx, id, domain.LevelWarning, fmt.Sprintf("progress update to %d%% failed: %v", pct, err), nil)
	}
}

func (o *Orchestrator) event(ctx context.Context, id string, level domain.EventLevel, message string, meta map[string]any) {
	var raw json.RawMessage
	if meta != nil {
		raw, _ = json.Marshal(meta)
	}
	if err := o.store.AppendEvent(ctx, id, level, message, raw); err != nil {
		logging.Op().Warn("event append failed", "migration_id", id, "error", err)
	}
}

// targetSR extracts details.target_sr, if present.
func targetSR(details json.RawMessage) string {
	if len(details) == 0 {
		return ""
	}
	var d struct {
		TargetSR string `json:"target_sr"`
	}
	if err := json.Unmarshal(details, &d); err != nil {
		return ""
	}
	return d.TargetSR
}

// mergeDetails overlays kv onto the existing details object.
func mergeDetails(existing json.RawMessage, kv map[string]any) json.RawMessage {
	merged := map[string]any{}
	if len(existing) > 0 {
		_ = json.Unmarshal(existing, &merged)
	}
	for k, v := range kv {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return existing
	}
	return out
}

func intp(v int) *int { return &v }
