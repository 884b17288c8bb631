// Package httpapi is the broker's admin surface: health, metrics, the
// stats snapshot and read-only session inspection. It has no role in the
// request path; all real traffic flows over the pub/sub transport.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tanglab/llamabroker/internal/observability"
	"github.com/tanglab/llamabroker/internal/session"
)

type Server struct {
	store   *session.Store
	metrics *observability.Metrics
}

func New(store *session.Store, metrics *observability.Metrics) *Server {
	return &Server{store: store, metrics: metrics}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, req)
	})

	r.Get("/v1/stats", s.handleStats)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}", s.handleGetSession)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	keys := s.store.Keys()
	if keys == nil {
		keys = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"count":     len(keys),
		"in_flight": s.store.InFlightCount(),
		"sessions":  keys,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.store.Get(id)
	if !ok {
		respondJSON(w, http.StatusNotFound, map[string]any{"error": "session not found"})
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
