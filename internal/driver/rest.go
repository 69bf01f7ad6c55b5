package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oriys/vega/internal/logging"
)

// restPrefix is the management API's versioned prefix. The configured
// base URL may or may not include it; normalizeBase strips it so paths
// are always joined exactly once.
const restPrefix = "/rest/v0"

// RESTDriver talks to the pool's management REST API. Management API
// builds differ in which migrate endpoint and payload key they accept, so
// Migrate walks a trial matrix of known shapes until one is accepted.
type RESTDriver struct {
	base   string
	token  string
	client *http.Client
}

// NewRESTDriver creates a driver for the management API at baseURL.
// token is sent both as a bearer header and as the authenticationToken
// cookie; builds disagree on which they read.
func NewRESTDriver(baseURL, token string, timeout time.Duration) *RESTDriver {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &RESTDriver{
		base:   normalizeBase(baseURL),
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

func normalizeBase(raw string) string {
	raw = strings.TrimRight(raw, "/")
	if i := strings.Index(raw, restPrefix); i >= 0 {
		return raw[:i]
	}
	return strings.TrimSuffix(raw, "/rest")
}

// migrateEndpoints are the migrate paths seen across management API
// builds, in preference order, relative to restPrefix. {vm} is replaced
// with the VM uuid.
var migrateEndpoints = []string{
	"/vms/{vm}/actions/migrate",
	"/vms/{vm}/migrate",
	"/vms/{vm}/actions/migrate_vm",
}

// pollEndpoints are the operation-status paths, tried in order until one
// answers with a non-404.
var pollEndpoints = []string{
	"/tasks/{op}",
	"/operations/{op}",
	"/jobs/{op}",
	"/tasks/{op}/status",
}

// migratePayloads returns the payload shapes to try for a target host,
// most common key first. When targetSR is set, sr-carrying variants are
// appended after the plain ones.
func migratePayloads(targetHost, targetSR string) []map[string]any {
	base := []map[string]any{
		{"host": targetHost},
		{"target": targetHost},
		{"destination": targetHost},
		{"target_host": targetHost},
		{"host_uuid": targetHost},
		{"to": map[string]any{"host": targetHost}},
		{"destination": map[string]any{"host": targetHost}},
	}
	if targetSR == "" {
		return base
	}
	return append(base,
		map[string]any{"host": targetHost, "sr": targetSR},
		map[string]any{"host": targetHost, "sr_uuid": targetSR},
		map[string]any{"target": targetHost, "sr": targetSR},
	)
}

func (d *RESTDriver) do(ctx context.Context, method, path string, body any) (int, map[string]any, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.base+restPrefix+path, rdr)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
		req.AddCookie(&http.Cookie{Name: "authenticationToken", Value: d.token})
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	var parsed map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			// Some builds answer with a bare string (an opref or task id).
			var s string
			if json.Unmarshal(raw, &s) == nil {
				parsed = map[string]any{"id": s}
			} else {
				parsed = map[string]any{"raw": strings.TrimSpace(string(raw))}
			}
		}
	}
	return resp.StatusCode, parsed, nil
}

func (d *RESTDriver) GetVM(ctx context.Context, vmUUID string) (*VMInfo, error) {
	code, body, err := d.do(ctx, http.MethodGet, "/vms/"+vmUUID, nil)
	if err != nil {
		return nil, fmt.Errorf("get vm %s: %w", vmUUID, err)
	}
	if code == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrVMNotFound, vmUUID)
	}
	if code >= 300 {
		return nil, fmt.Errorf("get vm %s: unexpected status %d", vmUUID, code)
	}
	return vmInfoFromAPI(vmUUID, body), nil
}

// vmInfoFromAPI translates the management API's VM record into VMInfo.
// Field names vary across builds; all known spellings are accepted here
// so nothing downstream has to care.
func vmInfoFromAPI(vmUUID string, body map[string]any) *VMInfo {
	info := &VMInfo{UUID: vmUUID}
	if s := firstString(body, "power_state", "powerState"); s != "" {
		info.PowerState = strings.ToLower(s)
	}
	info.Name = firstString(body, "name_label", "name")
	info.BootPolicy = firstString(body, "HVM_boot_policy", "boot_policy", "hvmBootPolicy")
	info.ResidentOn = firstString(body, "resident_on", "$container")

	switch v := body["pvDriversDetected"].(type) {
	case bool:
		info.ToolsInstalled = v
	}
	if !info.ToolsInstalled {
		if gm, ok := body["guest_metrics"].(map[string]any); ok {
			info.ToolsInstalled = len(gm) > 0
		}
	}

	if plat, ok := body["platform"].(map[string]any); ok {
		var sb strings.Builder
		for k, v := range plat {
			fmt.Fprintf(&sb, "%s=%v;", strings.ToLower(k), v)
		}
		info.Platform = strings.ToLower(sb.String())
	}
	return info
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func (d *RESTDriver) Probe(ctx context.Context, vmUUID string) (ProbeResult, error) {
	vm, err := d.GetVM(ctx, vmUUID)
	if err != nil {
		return ProbeResult{}, err
	}
	return EligibilityFromVM(vm), nil
}

// Migrate walks the endpoint/payload trial matrix. A 2xx answer wins; 404,
// 405, and 422 mean "wrong shape, keep trying"; anything else is treated
// as the API rejecting the migration itself and stops the walk.
func (d *RESTDriver) Migrate(ctx context.Context, vmUUID, targetHost, targetSR string) (*MigrateResult, error) {
	log := logging.Op()
	res := &MigrateResult{}

	for _, ep := range migrateEndpoints {
		path := strings.ReplaceAll(ep, "{vm}", vmUUID)
		for _, payload := range migratePayloads(targetHost, targetSR) {
			res.Tried = append(res.Tried, Attempt{Endpoint: path, Payload: payload})

			code, body, err := d.do(ctx, http.MethodPost, path, payload)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				log.Warn("migrate attempt failed", "endpoint", path, "error", err)
				continue
			}
			switch {
			case code >= 200 && code < 300:
				res.OK = true
				res.Endpoint = path
				res.Payload = payload
				res.Response = body
				res.OpID = firstString(body, "id", "task", "operation", "result")
				log.Info("migrate accepted", "vm", vmUUID, "endpoint", path, "op_id", res.OpID)
				return res, nil
			case code == http.StatusNotFound || code == http.StatusMethodNotAllowed || code == http.StatusUnprocessableEntity:
				continue
			default:
				res.Error = fmt.Sprintf("rejected with status %d", code)
				res.Response = body
				log.Warn("migrate rejected", "vm", vmUUID, "endpoint", path, "status", code)
				return res, nil
			}
		}
	}

	res.Error = "no_supported_endpoint"
	log.Warn("no migrate endpoint accepted the request", "vm", vmUUID, "attempts", len(res.Tried))
	return res, nil
}

// Poll checks the operation's status across the known status paths. The
// terminal vocabulary differs per build: done/success/ok/completed mean
// success, failed/error/aborted mean failure.
func (d *RESTDriver) Poll(ctx context.Context, opID string) (*PollResult, error) {
	var lastErr error
	for _, ep := range pollEndpoints {
		path := strings.ReplaceAll(ep, "{op}", opID)
		code, body, err := d.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			lastErr = err
			continue
		}
		if code == http.StatusNotFound {
			continue
		}
		if code >= 300 {
			lastErr = fmt.Errorf("poll %s: status %d", path, code)
			continue
		}
		return pollResultFromAPI(body), nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("poll op %s: %w", opID, lastErr)
	}
	return nil, fmt.Errorf("poll op %s: no status endpoint answered", opID)
}

func pollResultFromAPI(body map[string]any) *PollResult {
	res := &PollResult{Progress: -1, Response: body}

	status := strings.ToLower(firstString(body, "status", "state"))
	switch status {
	case "done", "success", "ok", "completed":
		res.Done = true
	case "failed", "error", "aborted":
		res.Done = true
		res.Failed = true
	}

	// progress wins over percent, which wins over percentage.
	for _, key := range []string{"progress", "percent", "percentage"} {
		if v, ok := body[key]; ok {
			if f, ok := asFloat(v); ok {
				// XAPI tasks report a 0..1 fraction, REST proxies 0..100.
				if f > 0 && f < 1 {
					f *= 100
				}
				res.Progress = int(f)
				break
			}
		}
	}
	return res
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%f", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

// Abort cancels the hypervisor task. Best-effort: a 404 on every path is
// reported as unsupported, not as a failure.
func (d *RESTDriver) Abort(ctx context.Context, opID string) error {
	for _, ep := range pollEndpoints {
		path := strings.ReplaceAll(ep, "{op}", opID)
		code, _, err := d.do(ctx, http.MethodDelete, path, nil)
		if err != nil {
			continue
		}
		if code >= 200 && code < 300 {
			return nil
		}
	}
	return ErrAbortUnsupported
}
