// Package api exposes the read-only state API consumed by dashboards and
// report tooling, plus the action revert endpoint and Prometheus metrics.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentinelops/sentinel/internal/model"
	"github.com/sentinelops/sentinel/internal/store"
)

const defaultPageLimit = 100

// Responder reverts recorded actions.
type Responder interface {
	Revert(action model.ResponseAction) string
}

// StatsSource contributes extra stats to the stats endpoint (e.g. the
// policy agent).
type StatsSource interface {
	Stats() map[string]interface{}
}

// Server is the HTTP read API over the state store.
type Server struct {
	store     *store.MemoryStore
	responder Responder
	agent     StatsSource // nil when the policy agent is disabled
	logger    *slog.Logger
}

// NewServer creates the API server. agent may be nil.
func NewServer(st *store.MemoryStore, responder Responder, agent StatsSource, logger *slog.Logger) *Server {
	return &Server{store: st, responder: responder, agent: agent, logger: logger}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/alerts", s.handleAlerts).Methods(http.MethodGet)
	r.HandleFunc("/api/investigations", s.handleInvestigations).Methods(http.MethodGet)
	r.HandleFunc("/api/actions", s.handleActions).Methods(http.MethodGet)
	r.HandleFunc("/api/actions/{id}/revert", s.handleRevert).Methods(http.MethodPost)
	r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func pageParams(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultPageLimit
	}
	return offset, limit
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	alerts := s.store.ListAlerts(offset, limit)
	if alerts == nil {
		alerts = []model.Alert{}
	}
	s.writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleInvestigations(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	reports := s.store.ListInvestigations(offset, limit)
	if reports == nil {
		reports = []model.InvestigationReport{}
	}
	s.writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	actions := s.store.ListActions(offset, limit)
	if actions == nil {
		actions = []model.ResponseAction{}
	}
	s.writeJSON(w, http.StatusOK, actions)
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	action, ok := s.store.FindAction(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "action not found"})
		return
	}
	result := s.responder.Revert(action)
	if result == "reverted" {
		s.store.MarkReverted(id)
	}
	s.logger.Info("revert requested", "action_id", id, "result", result)
	s.writeJSON(w, http.StatusOK, map[string]string{"action_id": id, "result": result})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	out := map[string]interface{}{"counts": s.store.GetCounts()}
	if s.agent != nil {
		out["policy_agent"] = s.agent.Stats()
	}
	s.writeJSON(w, http.StatusOK, out)
}
