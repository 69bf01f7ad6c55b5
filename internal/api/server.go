// Package api exposes the migration intake surface: migration creation
// and inspection, cancellation, the alert webhook, health probes, and the
// Prometheus endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/oriys/vega/internal/domain"
	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/metrics"
	"github.com/oriys/vega/internal/observability"
	"github.com/oriys/vega/internal/queue"
	"github.com/oriys/vega/internal/store"
)

// recentEventLimit caps the event tail returned by GET /migrations/{id}.
const recentEventLimit = 50

// AlertHandler consumes inbound load alerts. The scheduler Service
// satisfies it.
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert domain.Alert) error
}

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Store  store.Store
	Queue  queue.Queue
	Alerts AlertHandler
	// AuthToken protects the API when non-empty. Health probes and
	// /metrics are always open.
	AuthToken string
}

// Server is the intake API handler set.
type Server struct {
	store  store.Store
	q      queue.Queue
	alerts AlertHandler
	token  string
}

// NewServer creates a Server from its dependencies.
func NewServer(cfg ServerConfig) *Server {
	return &Server{store: cfg.Store, q: cfg.Queue, alerts: cfg.Alerts, token: cfg.AuthToken}
}

// Handler builds the routed handler wrapped in auth and tracing middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /migrations", s.createMigration)
	mux.HandleFunc("GET /migrations", s.listMigrations)
	mux.HandleFunc("GET /migrations/{id}", s.getMigration)
	mux.HandleFunc("POST /migrations/{id}/cancel", s.cancelMigration)

	mux.HandleFunc("POST /scheduler/alert", s.postAlert)

	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /health/ready", s.healthReady)
	mux.Handle("GET /metrics", metrics.PrometheusHandler())

	var handler http.Handler = s.authMiddleware(mux)
	handler = observability.HTTPMiddleware(handler)
	return handler
}

// Start runs the server on addr in a background goroutine.
func (s *Server) Start(addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logging.Op().Info("api server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Op().Error("api server failed", "error", err)
		}
	}()
	return srv
}

// authMiddleware enforces the bearer token on everything except health
// probes and metrics. An empty token disables auth (dev mode).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" || strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// createRequest is the POST /migrations body. vm_id is accepted as an
// alias of vm_uuid for callers that still use the legacy field.
type createRequest struct {
	VMUUID          string `json:"vm_uuid"`
	VMID            string `json:"vm_id"`
	SourceHost      string `json:"source_host"`
	TargetHost      string `json:"target_host"`
	Reason          string `json:"reason"`
	ClientRequestID string `json:"client_request_id"`
	Simulate        bool   `json:"simulate"`
	TargetSR        string `json:"target_sr"`
}

func (s *Server) createMigration(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	vmUUID := req.VMUUID
	if vmUUID == "" {
		vmUUID = req.VMID
	}
	if vmUUID == "" {
		writeError(w, http.StatusBadRequest, "vm_uuid (or vm_id) is required")
		return
	}
	if req.TargetHost == "" {
		writeError(w, http.StatusBadRequest, "target_host is required")
		return
	}

	// Resolve the VM so the migration records the canonical UUID and, when
	// the caller omitted it, the current source host.
	sourceHost := req.SourceHost
	vm, err := s.store.GetVM(r.Context(), vmUUID)
	switch {
	case err == nil:
		if sourceHost == "" {
			sourceHost = vm.HostID
		}
	case errors.Is(err, store.ErrVMNotFound):
		if sourceHost == "" {
			writeError(w, http.StatusNotFound, "unknown vm and no source_host given")
			return
		}
	default:
		writeError(w, http.StatusInternalServerError, "vm lookup failed")
		return
	}

	var details json.RawMessage
	if req.TargetSR != "" {
		details, _ = json.Marshal(map[string]string{"target_sr": req.TargetSR})
	}

	m, created, err := s.store.Create(r.Context(), store.CreateParams{
		VMUUID:          vmUUID,
		SourceHost:      sourceHost,
		TargetHost:      req.TargetHost,
		Reason:          req.Reason,
		ClientRequestID: req.ClientRequestID,
		Simulate:        req.Simulate,
		Details:         details,
	})
	switch {
	case errors.Is(err, store.ErrMigrationActive):
		writeError(w, http.StatusConflict, "vm already has an active migration")
		return
	case errors.Is(err, store.ErrSourceEqualsTarget):
		writeError(w, http.StatusBadRequest, "source and target host are identical")
		return
	case err != nil:
		logging.Op().Error("migration create failed", "vm", vmUUID, "error", err)
		writeError(w, http.StatusInternalServerError, "migration create failed")
		return
	}

	// A replayed client_request_id returns the original row without a
	// second enqueue.
	if created {
		if err := s.q.Enqueue(r.Context(), m.ID); err != nil {
			logging.Op().Error("enqueue failed", "migration_id", m.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "migration accepted but enqueue failed")
			return
		}
		logging.Op().Info("migration accepted",
			"migration_id", m.ID, "vm", vmUUID, "source", sourceHost, "target", req.TargetHost)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"migration_id": m.ID,
		"status":       m.Status,
	})
}

func (s *Server) getMigration(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, err := s.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrMigrationNotFound) {
		writeError(w, http.StatusNotFound, "migration not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "migration lookup failed")
		return
	}
	events, err := s.store.ListEvents(r.Context(), id, recentEventLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "event lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"migration": m,
		"events":    events,
	})
}

func (s *Server) listMigrations(w http.ResponseWriter, r *http.Request) {
	var f store.Filter
	if csv := r.URL.Query().Get("status"); csv != "" {
		for _, part := range strings.Split(csv, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			f.Statuses = append(f.Statuses, domain.MigrationStatus(part))
		}
	}
	if vm := r.URL.Query().Get("vm_uuid"); vm != "" {
		f.VMUUID = vm
	}
	ms, err := s.store.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "migration list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"migrations": ms})
}

func (s *Server) cancelMigration(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.store.RequestCancel(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrMigrationNotFound):
		writeError(w, http.StatusNotFound, "migration not found")
		return
	case errors.Is(err, store.ErrIllegalTransition):
		writeError(w, http.StatusConflict, "migration already finished")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	m, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "migration lookup failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"migration_id": m.ID,
		"status":       m.Status,
	})
}

// alertTimeout bounds the asynchronous alert handling kicked off by the
// webhook; the HTTP response does not wait for it.
const alertTimeout = 60 * time.Second

func (s *Server) postAlert(w http.ResponseWriter, r *http.Request) {
	var alert domain.Alert
	if err := json.NewDecoder(r.Body).Decode(&alert); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if alert.HostID == "" || alert.Level == "" {
		writeError(w, http.StatusBadRequest, "host_id and level are required")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := s.alerts.HandleAlert(ctx, alert); err != nil {
			logging.Op().Error("alert handling failed",
				"host", alert.HostID, "level", alert.Level, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) healthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  "store unavailable: " + err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
