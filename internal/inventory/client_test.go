package inventory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oriys/vega/internal/domain"
)

func TestHostsSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode([]domain.Host{{ID: "hostA", CPUPercent: 42}})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", time.Second)
	hosts, err := c.Hosts(context.Background())
	if err != nil {
		t.Fatalf("Hosts: %v", err)
	}
	if len(hosts) != 1 || hosts[0].ID != "hostA" || hosts[0].CPUPercent != 42 {
		t.Fatalf("unexpected hosts: %+v", hosts)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("missing bearer token, got %q", gotAuth)
	}
}

func TestVMsFallsBackToUnslashedPath(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path != "/vms" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode([]domain.VM{{UUID: "v1", HostID: "hostA"}})
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	vms, err := c.VMs(context.Background())
	if err != nil {
		t.Fatalf("VMs: %v", err)
	}
	if len(vms) != 1 || vms[0].UUID != "v1" {
		t.Fatalf("unexpected vms: %+v", vms)
	}
	if len(paths) != 2 || paths[0] != "/vms/" || paths[1] != "/vms" {
		t.Fatalf("expected /vms/ then /vms, got %v", paths)
	}
}

func TestVMsReturnsEmptyWhenNoEndpointAnswers(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	vms, err := c.VMs(context.Background())
	if err != nil {
		t.Fatalf("VMs: %v", err)
	}
	if len(vms) != 0 {
		t.Fatalf("expected empty list, got %+v", vms)
	}
}

func TestThrottleHost(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	if err := c.ThrottleHost(context.Background(), "hostA", 5*time.Minute, "red alert, no migration candidates"); err != nil {
		t.Fatalf("ThrottleHost: %v", err)
	}
	if gotPath != "/hosts/hostA/throttle" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotBody["duration_seconds"] != float64(300) {
		t.Fatalf("unexpected body: %v", gotBody)
	}
}
