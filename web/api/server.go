package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hochfrequenz/evolve-orchestrator/internal/domain"
	"github.com/hochfrequenz/evolve-orchestrator/internal/executor"
	"github.com/hochfrequenz/evolve-orchestrator/internal/llm"
	"github.com/hochfrequenz/evolve-orchestrator/internal/observer"
	"github.com/hochfrequenz/evolve-orchestrator/internal/sampling"
	"github.com/hochfrequenz/evolve-orchestrator/internal/snapshots"
)

// RunManager starts and tracks optimization runs
type RunManager interface {
	Start(ctx context.Context, cfg domain.RunConfig) (string, string, error)
	Status(ctx context.Context, runID string) (domain.RunView, error)
	List() []domain.RunRecord
	Cancel(runID string) error
}

// Evolver answers single-step evolution requests
type Evolver interface {
	Initial(ctx context.Context, problem string, criteria []domain.Criterion, n int) ([]domain.Solution, error)
	Evaluate(ctx context.Context, problem string, criteria []domain.Criterion, sol domain.Solution) (domain.Solution, error)
	Crossover(ctx context.Context, problem string, p1, p2 domain.Solution) (domain.Solution, error)
	Mutate(ctx context.Context, problem string, sol domain.Solution, instruction string) (domain.Solution, error)
}

// SnapshotStore persists saved UI sessions
type SnapshotStore interface {
	Create(ctx context.Context, snap domain.Snapshot) (domain.Snapshot, error)
	List(ctx context.Context, sessionID string) ([]domain.Snapshot, error)
	Delete(ctx context.Context, id string) error
}

// Options configures optional parts of the server
type Options struct {
	Addr           string
	Logger         *zap.Logger
	Evolver        Evolver
	Snapshots      SnapshotStore
	Providers      func() []llm.ProviderInfo
	Metrics        func() observer.Metrics
	AllowedOrigins []string
}

// Server is the HTTP API server
type Server struct {
	runs   RunManager
	opts   Options
	logger *zap.Logger
	router   chi.Router
	hub      *Hub
	upgrader *websocket.Upgrader

	// results location -> run id, for store update events
	locations map[string]string
	mu        sync.RWMutex
}

// NewServer creates a new API server
func NewServer(runs RunManager, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:8000"
	}
	s := &Server{
		runs:      runs,
		opts:      opts,
		logger:    opts.Logger,
		hub:       NewHub(),
		upgrader:  newUpgrader(opts.AllowedOrigins),
		locations: make(map[string]string),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	r.Use(cors(s.opts.AllowedOrigins))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.healthHandler)
		r.Get("/providers", s.providersHandler)
		r.Get("/metrics", s.metricsHandler)
		r.Get("/events", s.eventsHandler)

		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.startRunHandler)
			r.Get("/", s.listRunsHandler)
			r.Get("/{id}", s.getRunHandler)
			r.Delete("/{id}", s.cancelRunHandler)
			r.Get("/{id}/events", s.runEventsHandler)
		})

		r.Route("/evolution", func(r chi.Router) {
			r.Post("/initial", s.initialHandler)
			r.Post("/evaluate", s.evaluateHandler)
			r.Post("/crossover", s.crossoverHandler)
			r.Post("/mutate", s.mutateHandler)
		})

		r.Route("/snapshots", func(r chi.Router) {
			r.Get("/", s.listSnapshotsHandler)
			r.Post("/", s.createSnapshotHandler)
			r.Delete("/{id}", s.deleteSnapshotHandler)
		})
	})
	s.router = r
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is canceled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", zap.String("addr", s.opts.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// OnRunEvent is an executor.StatusChangeCallback forwarding run events to
// websocket subscribers
func (s *Server) OnRunEvent(ev executor.RunEvent) {
	s.mu.Lock()
	switch ev.Type {
	case executor.EventStarted:
		s.locations[ev.Run.ResultsLocation] = ev.Run.ID
	case executor.EventFinished:
		delete(s.locations, ev.Run.ResultsLocation)
	}
	s.mu.Unlock()

	s.hub.Broadcast(Event{Type: "run_" + string(ev.Type), RunID: ev.Run.ID, Data: ev.Run})
}

// OnStoreUpdate is an observer.StoreUpdateCallback announcing that a run's
// candidates changed
func (s *Server) OnStoreUpdate(location string) {
	s.mu.RLock()
	runID, ok := s.locations[location]
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.hub.Broadcast(Event{Type: EventStoreUpdated, RunID: runID, Data: map[string]string{"results_location": location}})
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, executor.ErrRunNotFound), errors.Is(err, snapshots.ErrSnapshotNotFound):
		return http.StatusNotFound
	case errors.Is(err, llm.ErrProviderUnsupported),
		errors.Is(err, sampling.ErrInvalidSamplingConfig),
		errors.Is(err, executor.ErrInvalidRunConfig),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, executor.ErrManagerClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeErr logs server-side failures and writes the mapped status
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	writeError(w, code, err.Error())
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}
