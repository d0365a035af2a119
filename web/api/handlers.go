package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hochfrequenz/evolve-orchestrator/internal/domain"
)

// StartRunResponse is returned when a run was accepted
type StartRunResponse struct {
	RunID           string `json:"run_id"`
	ResultsLocation string `json:"results_location"`
}

// InitialRequest asks for a generation-0 population
type InitialRequest struct {
	Problem        string             `json:"problem"`
	Criteria       []domain.Criterion `json:"criteria"`
	PopulationSize int                `json:"populationSize"`
}

// EvaluateRequest asks for a solution to be scored
type EvaluateRequest struct {
	Problem  string             `json:"problem"`
	Criteria []domain.Criterion `json:"criteria"`
	Solution domain.Solution    `json:"solution"`
}

// CrossoverRequest asks for two parents to be blended
type CrossoverRequest struct {
	Problem string          `json:"problem"`
	Parent1 domain.Solution `json:"parent1"`
	Parent2 domain.Solution `json:"parent2"`
}

// MutationRequest asks for a solution to be varied
type MutationRequest struct {
	Problem      string          `json:"problem"`
	Solution     domain.Solution `json:"solution"`
	MutationType string          `json:"mutationType,omitempty"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) providersHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Providers == nil {
		writeError(w, http.StatusNotFound, "provider listing not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Providers())
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Metrics == nil {
		writeError(w, http.StatusNotFound, "metrics not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Metrics())
}

func (s *Server) startRunHandler(w http.ResponseWriter, r *http.Request) {
	var cfg domain.RunConfig
	if err := decodeJSON(r, &cfg); err != nil {
		s.writeErr(w, r, err)
		return
	}

	runID, location, err := s.runs.Start(r.Context(), cfg)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StartRunResponse{RunID: runID, ResultsLocation: location})
}

func (s *Server) listRunsHandler(w http.ResponseWriter, r *http.Request) {
	runs := s.runs.List()
	if runs == nil {
		runs = []domain.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRunHandler(w http.ResponseWriter, r *http.Request) {
	view, err := s.runs.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) cancelRunHandler(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if err := s.runs.Cancel(runID); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancel_requested"})
}

func (s *Server) initialHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireEvolver(w) {
		return
	}
	var req InitialRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if req.PopulationSize <= 0 {
		s.writeErr(w, r, fmt.Errorf("%w: populationSize must be positive", errBadRequest))
		return
	}

	sols, err := s.opts.Evolver.Initial(r.Context(), req.Problem, req.Criteria, req.PopulationSize)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]domain.Solution{"solutions": sols})
}

func (s *Server) evaluateHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireEvolver(w) {
		return
	}
	var req EvaluateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}

	sol, err := s.opts.Evolver.Evaluate(r.Context(), req.Problem, req.Criteria, req.Solution)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]domain.Solution{"solution": sol})
}

func (s *Server) crossoverHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireEvolver(w) {
		return
	}
	var req CrossoverRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}

	sol, err := s.opts.Evolver.Crossover(r.Context(), req.Problem, req.Parent1, req.Parent2)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sol)
}

func (s *Server) mutateHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireEvolver(w) {
		return
	}
	var req MutationRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}

	sol, err := s.opts.Evolver.Mutate(r.Context(), req.Problem, req.Solution, req.MutationType)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sol)
}

func (s *Server) requireEvolver(w http.ResponseWriter) bool {
	if s.opts.Evolver == nil {
		writeError(w, http.StatusNotFound, "evolution endpoints not configured")
		return false
	}
	return true
}

func (s *Server) listSnapshotsHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireSnapshots(w) {
		return
	}
	snaps, err := s.opts.Snapshots.List(r.Context(), r.URL.Query().Get("session_id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if snaps == nil {
		snaps = []domain.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) createSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireSnapshots(w) {
		return
	}
	var req domain.Snapshot
	if err := decodeJSON(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if req.Name == "" || req.SessionID == "" {
		s.writeErr(w, r, fmt.Errorf("%w: name and session_id are required", errBadRequest))
		return
	}

	snap, err := s.opts.Snapshots.Create(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]domain.Snapshot{"snapshot": snap})
}

func (s *Server) deleteSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireSnapshots(w) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.opts.Snapshots.Delete(r.Context(), id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

func (s *Server) requireSnapshots(w http.ResponseWriter) bool {
	if s.opts.Snapshots == nil {
		writeError(w, http.StatusNotFound, "snapshots not configured")
		return false
	}
	return true
}
