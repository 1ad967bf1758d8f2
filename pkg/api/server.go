package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quotawatch/quotawatch/pkg/engine"
	"github.com/quotawatch/quotawatch/pkg/reports"
	"github.com/quotawatch/quotawatch/pkg/store"
)

// Interfaces for dependencies to enable mocking

// OrchestratorInterface is the slice of the orchestrator the API serves.
type OrchestratorInterface interface {
	Status() engine.Status
	Refresh()
}

// StoreInterface provides read access to persisted events and snapshots.
type StoreInterface interface {
	ReadRecentEvents(ctx context.Context, limit int) ([]*store.EventRecord, error)
	RecentSnapshots(ctx context.Context, limit int) ([]store.SnapshotRecord, error)
}

// HealthResponse is the /v1/health body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Server encapsulates the daemon's HTTP API.
type Server struct {
	orch    OrchestratorInterface
	store   StoreInterface
	version string
	server  *http.Server
}

// NewServer creates the API server. store may be nil when running without
// persistence; the event and snapshot endpoints then return empty lists.
func NewServer(orch OrchestratorInterface, st StoreInterface, addr, version string) *Server {
	s := &Server{
		orch:    orch,
		store:   st,
		version: version,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", s.handleHealth)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/refresh", s.handleRefresh)
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/v1/snapshots", s.handleSnapshots)
	mux.HandleFunc("/v1/reports/", s.handleReport)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	log.Printf("API listening on %s", s.server.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: s.version})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Status())
}

// handleRefresh requests one out-of-cadence fetch cycle. The trigger is
// subject to the orchestrator's in-flight guard; a drop is not an error.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.orch.Refresh()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusOK, []*store.EventRecord{})
		return
	}
	events, err := s.store.ReadRecentEvents(r.Context(), parseLimit(r, 50))
	if err != nil {
		log.Printf("Failed to read events: %v", err)
		http.Error(w, "failed to read events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*store.EventRecord{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusOK, []store.SnapshotRecord{})
		return
	}
	snaps, err := s.store.RecentSnapshots(r.Context(), parseLimit(r, 50))
	if err != nil {
		log.Printf("Failed to read snapshots: %v", err)
		http.Error(w, "failed to read snapshots", http.StatusInternalServerError)
		return
	}
	if snaps == nil {
		snaps = []store.SnapshotRecord{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// handleReport streams a CSV export. The path selects the report:
// /v1/reports/usage.csv or /v1/reports/events.csv.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		http.Error(w, "no store configured", http.StatusNotFound)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/v1/reports/")
	reportType := reports.ReportType(strings.TrimSuffix(name, ".csv"))
	gen, err := reports.NewReportGenerator(reportType, s.store)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	reader, err := gen.Generate(r.Context(), reports.ReportParams{Limit: parseLimit(r, 500)})
	if err != nil {
		log.Printf("Failed to generate %s report: %v", reportType, err)
		http.Error(w, "failed to generate report", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename="+name)
	if _, err := io.Copy(w, reader); err != nil {
		log.Printf("Failed to stream report: %v", err)
	}
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}
