// Package api serves the local HTTP control surface of stepsyncd.
//
// The daemon binds it to loopback only; it is how stepctl and local
// integrations read the reconciled counts and trigger an immediate sync.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"stepsyncd/internal/engine"
	"stepsyncd/internal/health"
	"stepsyncd/internal/logging"
	"stepsyncd/internal/metrics"
	"stepsyncd/internal/model"
)

const defaultHistoryDays = 7

// Server exposes the engine over HTTP.
type Server struct {
	eng     *engine.Engine
	checker *health.Checker
	reg     *metrics.Registry
	log     *logging.Logger
}

// NewServer wires the engine and the daemon's health and metrics
// surfaces into one handler set.
func NewServer(eng *engine.Engine, checker *health.Checker, reg *metrics.Registry, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Default()
	}
	return &Server{eng: eng, checker: checker, reg: reg, log: log.With("component", "api")}
}

// Routes returns the daemon's HTTP handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/today", s.handleToday)
	mux.HandleFunc("/v1/overall", s.handleOverall)
	mux.HandleFunc("/v1/history", s.handleHistory)
	mux.HandleFunc("/v1/days/", s.handleDay)
	mux.HandleFunc("/v1/conflicts", s.handleConflicts)
	mux.HandleFunc("/v1/sync", s.handleSync)
	if s.checker != nil {
		mux.Handle("/healthz", s.checker.Handler())
	}
	// Readiness is serving at all: the daemon only binds the API after
	// the engine started.
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	if s.reg != nil {
		mux.Handle("/metrics", s.reg.Handler())
	}
	return mux
}

// TodayResponse is the body of GET /v1/today and POST /v1/sync.
type TodayResponse struct {
	Today    model.StepSnapshot `json:"today"`
	Degraded bool               `json:"degraded"`
}

// OverallResponse is the body of GET /v1/overall.
type OverallResponse struct {
	OverallSteps uint64             `json:"overall_steps"`
	Today        model.StepSnapshot `json:"today"`
}

// HistoryResponse is the body of GET /v1/history.
type HistoryResponse struct {
	Days []model.StepSnapshot `json:"days"`
}

// ConflictsResponse is the body of GET /v1/conflicts.
type ConflictsResponse struct {
	Conflicts []model.ConflictRecord `json:"conflicts"`
}

func (s *Server) handleToday(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	writeJSON(w, http.StatusOK, TodayResponse{
		Today:    s.eng.TodaySnapshot(),
		Degraded: s.eng.Degraded(),
	})
}

func (s *Server) handleOverall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	writeJSON(w, http.StatusOK, OverallResponse{
		OverallSteps: s.eng.OverallSteps(),
		Today:        s.eng.TodaySnapshot(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}

	days := defaultHistoryDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 366 {
			writeError(w, http.StatusBadRequest, "days must be between 1 and 366")
			return
		}
		days = n
	}

	snaps, err := s.eng.History(days)
	if err != nil {
		s.log.Error("history query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if snaps == nil {
		snaps = []model.StepSnapshot{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Days: snaps})
}

func (s *Server) handleDay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}

	date, err := model.ParseDay(r.URL.Path[len("/v1/days/"):])
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	snap, err := s.eng.GetSnapshot(date)
	if err != nil {
		s.log.Error("day query failed", "date", date, "error", err)
		writeError(w, http.StatusInternalServerError, "snapshot unavailable")
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "no snapshot for date")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	conflicts := s.eng.Conflicts()
	if conflicts == nil {
		conflicts = []model.ConflictRecord{}
	}
	writeJSON(w, http.StatusOK, ConflictsResponse{Conflicts: conflicts})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	if err := s.eng.ForceSync(r.Context()); err != nil {
		if errors.Is(err, r.Context().Err()) {
			writeError(w, http.StatusRequestTimeout, "sync canceled")
			return
		}
		s.log.Warn("forced sync failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, TodayResponse{
		Today:    s.eng.TodaySnapshot(),
		Degraded: s.eng.Degraded(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
