// Package inventory is the HTTP client for the controller's inventory API,
// the source of truth for hosts and VM placement the scheduler plans from.
package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oriys/vega/internal/domain"
)

// Client talks to the inventory API with a bearer token.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// New creates an inventory client for baseURL.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) get(ctx context.Context, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return resp.StatusCode, nil
}

// Hosts lists all pool hosts with their latest load snapshot.
func (c *Client) Hosts(ctx context.Context) ([]domain.Host, error) {
	var hosts []domain.Host
	if _, err := c.get(ctx, "/hosts", &hosts); err != nil {
		return nil, err
	}
	return hosts, nil
}

// VMs lists all VMs. The inventory API serves the collection on /vms/ in
// some deployments and /vms in others, so both are tried; an empty list is
// returned when neither answers, so one flaky poll does not stop the
// scheduler.
func (c *Client) VMs(ctx context.Context) ([]domain.VM, error) {
	var lastErr error
	for _, path := range []string{"/vms/", "/vms"} {
		var vms []domain.VM
		code, err := c.get(ctx, path, &vms)
		if code == http.StatusNotFound || code == http.StatusMethodNotAllowed {
			continue
		}
		if err != nil {
			lastErr = err
			continue
		}
		return vms, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return []domain.VM{}, nil
}

// ThrottleHost asks the controller to throttle new placements onto the
// host for the given duration. Used when an emergency alert yields no
// migration plan.
func (c *Client) ThrottleHost(ctx context.Context, hostID string, duration time.Duration, reason string) error {
	payload, err := json.Marshal(map[string]any{
		"duration_seconds": int(duration.Seconds()),
		"reason":           reason,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/hosts/"+hostID+"/throttle", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("throttle host %s: status %d", hostID, resp.StatusCode)
	}
	return nil
}
