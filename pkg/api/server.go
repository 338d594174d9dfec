// Package api exposes the Dispatcher's HTTP surface: liveness/readiness
// probes, a Prometheus scrape endpoint, and the runner completion callback
// that closes the loop for LOCAL_PROCESS/DOCKER/KUBERNETES runners running
// in a separate process from the dispatcher daemon (spec §4.3 "Completion
// handling... via the notification path"). Grounded on the teacher's
// pkg/api/health.go ServeMux/handler shape; the 30-method gRPC control
// plane it also implemented has no equivalent here — a single-process
// engine with one Dispatcher has no wire peer to speak gRPC to.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/necrocode/engine/pkg/dispatcher"
	"github.com/necrocode/engine/pkg/metrics"
)

// Server is the Dispatcher's HTTP surface.
type Server struct {
	dispatcher *dispatcher.Dispatcher
	mux        *http.ServeMux
}

// NewServer constructs a Server bound to d.
func NewServer(d *dispatcher.Dispatcher) *Server {
	s := &Server{dispatcher: d, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /health", s.healthHandler)
	s.mux.HandleFunc("GET /ready", s.readyHandler)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("POST /runners/{id}/complete", s.completeHandler)

	return s
}

// Start runs the HTTP server on addr until the process exits or
// ListenAndServe itself fails.
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// Handler returns the HTTP handler, for embedding in another server or a
// test httptest.Server.
func (s *Server) Handler() http.Handler { return s.mux }

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Timestamp: time.Now()})
}

type readyResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// readyHandler always reports ready once the process is up: the Dispatcher
// has no external quorum to wait on (spec.md's domain has no raft/cluster
// concept), only its own in-memory tick loop, which is safe to route
// traffic to from the moment the process starts serving.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, readyResponse{Status: "ready", Timestamp: time.Now()})
}

// completionRequest is the body a runner (or its supervising launcher mode)
// POSTs when a task finishes, identifying itself by the runner_id the
// Dispatcher minted at launch time (LaunchRequest.RunnerID, propagated to
// the runner process via its scoped environment).
type completionRequest struct {
	Success       bool   `json:"success"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func (s *Server) completeHandler(w http.ResponseWriter, r *http.Request) {
	runnerID := r.PathValue("id")
	if runnerID == "" {
		http.Error(w, "missing runner id", http.StatusBadRequest)
		return
	}

	var body completionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	s.dispatcher.ReportCompletion(runnerID, body.Success, body.FailureReason)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
