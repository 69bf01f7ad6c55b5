package driver

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/oriys/vega/internal/logging"
)

// SSHDriver runs the xe CLI on the pool master over SSH. It is the
// fallback for pools without a management REST API. xe vm-migrate is
// synchronous, so Migrate returns a synthetic operation handle that Poll
// resolves by watching the VM's resident-on field.
type SSHDriver struct {
	host    string
	user    string
	keyPath string
	timeout time.Duration

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHDriver creates a driver that runs xe on host as user, authenticating
// with the private key at keyPath.
func NewSSHDriver(host, user, keyPath string, timeout time.Duration) *SSHDriver {
	if user == "" {
		user = "root"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &SSHDriver{host: host, user: user, keyPath: keyPath, timeout: timeout}
}

func (d *SSHDriver) conn() (*ssh.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		return d.client, nil
	}

	key, err := os.ReadFile(d.keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}

	addr := d.host
	if !strings.Contains(addr, ":") {
		addr += ":22"
	}
	cfg := &ssh.ClientConfig{
		User:            d.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("dial pool master %s: %w", addr, err)
	}
	d.client = client
	return client, nil
}

func (d *SSHDriver) dropConn() {
	d.mu.Lock()
	if d.client != nil {
		d.client.Close()
		d.client = nil
	}
	d.mu.Unlock()
}

// xe runs one xe command on the pool master and returns its stdout.
func (d *SSHDriver) xe(ctx context.Context, args string) (string, error) {
	client, err := d.conn()
	if err != nil {
		return "", err
	}
	sess, err := client.NewSession()
	if err != nil {
		// Connection may have gone stale; reconnect once.
		d.dropConn()
		if client, err = d.conn(); err != nil {
			return "", err
		}
		if sess, err = client.NewSession(); err != nil {
			return "", fmt.Errorf("open session: %w", err)
		}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run("xe " + args) }()

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()
	select {
	case err = <-done:
	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case <-timer.C:
		sess.Signal(ssh.SIGKILL)
		return "", fmt.Errorf("xe %s: timed out after %s", firstWord(args), d.timeout)
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return "", fmt.Errorf("xe %s: %s: %w", firstWord(args), msg, err)
	}
	return stdout.String(), nil
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}

// parseParamBlock parses xe's "key ( RO)    : value" record output into a
// map keyed by the bare parameter name.
func parseParamBlock(out string) map[string]string {
	params := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if len(params) > 0 {
				break // single record expected; stop at the first gap
			}
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		// strip the " ( RO)" / " (MRO)" qualifier
		if i := strings.Index(key, " ("); i > 0 {
			key = key[:i]
		}
		params[key] = strings.TrimSpace(val)
	}
	return params
}

func (d *SSHDriver) GetVM(ctx context.Context, vmUUID string) (*VMInfo, error) {
	out, err := d.xe(ctx, fmt.Sprintf("vm-list uuid=%s params=name-label,power-state,HVM-boot-policy,platform,other-config,resident-on", vmUUID))
	if err != nil {
		return nil, err
	}
	params := parseParamBlock(out)
	if len(params) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrVMNotFound, vmUUID)
	}

	oc := strings.ToLower(params["other-config"])
	return &VMInfo{
		UUID:           vmUUID,
		Name:           params["name-label"],
		PowerState:     strings.ToLower(params["power-state"]),
		BootPolicy:     params["HVM-boot-policy"],
		Platform:       strings.ToLower(params["platform"]),
		ResidentOn:     params["resident-on"],
		ToolsInstalled: strings.Contains(oc, "guest_tools_installed"),
	}, nil
}

func (d *SSHDriver) Probe(ctx context.Context, vmUUID string) (ProbeResult, error) {
	vm, err := d.GetVM(ctx, vmUUID)
	if err != nil {
		return ProbeResult{}, err
	}
	return EligibilityFromVM(vm), nil
}

// residentOpPrefix marks SSHDriver's synthetic operation handles:
// "resident/<vm uuid>/<target host uuid>".
const residentOpPrefix = "resident/"

// Migrate runs xe vm-migrate live=true. On success xe prints nothing and
// exits zero; the returned OpID tells Poll which resident-on change to
// watch for.
func (d *SSHDriver) Migrate(ctx context.Context, vmUUID, targetHost, _ string) (*MigrateResult, error) {
	log := logging.Op()
	cmd := fmt.Sprintf("vm-migrate vm=%s host=%s live=true", vmUUID, targetHost)
	res := &MigrateResult{
		Endpoint: "xe vm-migrate",
		Payload:  map[string]any{"vm": vmUUID, "host": targetHost, "live": "true"},
		Tried:    []Attempt{{Endpoint: "xe vm-migrate", Payload: map[string]any{"vm": vmUUID, "host": targetHost}}},
	}

	if _, err := d.xe(ctx, cmd); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		res.Error = err.Error()
		log.Warn("vm-migrate failed", "vm", vmUUID, "target", targetHost, "error", err)
		return res, nil
	}

	res.OK = true
	res.OpID = residentOpPrefix + vmUUID + "/" + targetHost
	log.Info("vm-migrate issued", "vm", vmUUID, "target", targetHost)
	return res, nil
}

// Poll resolves a synthetic resident-on handle: the operation is done once
// the VM reports the target as its resident host. xe gives no transfer
// progress, so Progress stays -1 until completion.
func (d *SSHDriver) Poll(ctx context.Context, opID string) (*PollResult, error) {
	rest, ok := strings.CutPrefix(opID, residentOpPrefix)
	if !ok {
		return nil, fmt.Errorf("unrecognized operation handle %q", opID)
	}
	vmUUID, target, ok := strings.Cut(rest, "/")
	if !ok {
		return nil, fmt.Errorf("malformed operation handle %q", opID)
	}

	vm, err := d.GetVM(ctx, vmUUID)
	if err != nil {
		return nil, err
	}
	res := &PollResult{Progress: -1, Response: map[string]any{"resident_on": vm.ResidentOn}}
	if vm.ResidentOn == target {
		res.Done = true
		res.Progress = 100
	}
	return res, nil
}

func (d *SSHDriver) Abort(context.Context, string) error {
	return ErrAbortUnsupported
}

// Close tears down the cached SSH connection.
func (d *SSHDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil
	}
	err := d.client.Close()
	d.client = nil
	return err
}
