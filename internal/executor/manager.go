package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hochfrequenz/evolve-orchestrator/internal/domain"
)

// ErrManagerClosed is returned by Start after Shutdown began.
var ErrManagerClosed = errors.New("run manager is shut down")

// ErrInvalidRunConfig wraps validation failures of the run config itself.
var ErrInvalidRunConfig = errors.New("invalid run config")

// canceledText is the error text recorded for a run stopped through Cancel or Shutdown.
const canceledText = "run canceled"

// DefaultTopCandidates bounds the candidate list returned by Status.
const DefaultTopCandidates = 8

// Iterator advances a run by one generation at a time.
type Iterator interface {
	RunIteration(ctx context.Context, gen int) error
	Close() error
}

// RunnerFactory validates run configs and builds the Iterator a worker drives.
type RunnerFactory interface {
	Validate(cfg domain.RunConfig) error
	New(cfg domain.RunConfig, location string) (Iterator, error)
}

// CandidateReader reads candidates back from a results location.
// A location without a readable store yields nil results and no error.
type CandidateReader interface {
	Top(ctx context.Context, location string, n int) ([]domain.CandidateSummary, error)
}

// EventType distinguishes run events.
type EventType string

const (
	EventStarted  EventType = "started"
	EventProgress EventType = "progress"
	EventFinished EventType = "finished"
)

// RunEvent is delivered to subscribers after the registry applied a change.
type RunEvent struct {
	Type EventType        `json:"type"`
	Run  domain.RunRecord `json:"run"`
}

// StatusChangeCallback is called for every applied run event.
type StatusChangeCallback func(ev RunEvent)

// Options configures a Manager.
type Options struct {
	ResultsRoot   string
	TopCandidates int
	Logger        *zap.Logger
	Registry      *Registry
	Now           func() time.Time
}

// task is the handle a worker is owned through.
type task struct {
	id       string
	location string
	cancel   context.CancelFunc
	done     chan struct{}
}

// workerEvent is queued by workers and applied by the recorder goroutine.
type workerEvent struct {
	runID     string
	completed int
	finished  bool
	err       error
}

// Manager starts runs in the background and answers status queries.
type Manager struct {
	factory  RunnerFactory
	reader   CandidateReader
	registry *Registry
	logger   *zap.Logger
	root     string
	topN     int
	now      func() time.Time

	mu        sync.Mutex
	tasks     map[string]*task
	closed    bool
	callbacks []StatusChangeCallback
	workers   sync.WaitGroup

	// Registry writes are funneled through one goroutine so progress
	// and outcome of a run are applied in the order the worker produced them.
	events       chan workerEvent
	recorderDone chan struct{}
	closeOnce    sync.Once
}

// NewManager creates a Manager and starts its recorder goroutine.
func NewManager(factory RunnerFactory, reader CandidateReader, opts Options) *Manager {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TopCandidates <= 0 {
		opts.TopCandidates = DefaultTopCandidates
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ResultsRoot == "" {
		opts.ResultsRoot = "results"
	}

	m := &Manager{
		factory:      factory,
		reader:       reader,
		registry:     opts.Registry,
		logger:       opts.Logger,
		root:         opts.ResultsRoot,
		topN:         opts.TopCandidates,
		now:          opts.Now,
		tasks:        make(map[string]*task),
		events:       make(chan workerEvent, 100),
		recorderDone: make(chan struct{}),
	}
	go m.recorder()
	return m
}

// Registry returns the registry the manager writes to.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// OnStatusChange registers a callback for run events.
func (m *Manager) OnStatusChange(cb StatusChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Start validates cfg, registers a Running record and launches the worker.
// It returns without waiting for any generation. The worker inherits the
// values of ctx but not its cancellation.
func (m *Manager) Start(ctx context.Context, cfg domain.RunConfig) (string, string, error) {
	if err := cfg.Validate(); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidRunConfig, err)
	}
	if err := m.factory.Validate(cfg); err != nil {
		return "", "", err
	}

	runID := uuid.NewString()
	started := m.now()
	location, err := m.resultsLocation(cfg.ResultsDir, runID, started)
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(location, 0755); err != nil {
		return "", "", fmt.Errorf("creating results location: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", "", ErrManagerClosed
	}

	rec := domain.RunRecord{
		ID:              runID,
		Status:          domain.RunRunning,
		ResultsLocation: location,
		StartedAt:       started,
		Generations:     cfg.NumGenerations,
	}
	if err := m.registry.Register(rec); err != nil {
		m.mu.Unlock()
		return "", "", err
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &task{id: runID, location: location, cancel: cancel, done: make(chan struct{})}
	m.tasks[runID] = t
	m.workers.Add(1)
	callbacks := m.callbacks
	m.mu.Unlock()

	m.logger.Info("run started",
		zap.String("run_id", runID),
		zap.String("results_location", location),
		zap.Int("generations", cfg.NumGenerations),
		zap.Int("population", cfg.PopulationSize))
	m.notify(RunEvent{Type: EventStarted, Run: rec}, callbacks)

	go m.work(workerCtx, t, cfg)
	return runID, location, nil
}

// resultsLocation resolves a run's results directory. An explicit dir is
// taken relative to the results root and must stay below it; absolute
// paths are accepted only inside the root.
func (m *Manager) resultsLocation(dir, runID string, started time.Time) (string, error) {
	if dir == "" {
		return filepath.Join(m.root, fmt.Sprintf("%s_%s", started.Format("20060102_150405"), runID)), nil
	}

	rel := dir
	if filepath.IsAbs(dir) {
		root, err := filepath.Abs(m.root)
		if err != nil {
			return "", fmt.Errorf("resolving results root: %w", err)
		}
		if rel, err = filepath.Rel(root, dir); err != nil {
			return "", fmt.Errorf("%w: results_dir %q: %v", ErrInvalidRunConfig, dir, err)
		}
	}
	if !filepath.IsLocal(rel) || filepath.Clean(rel) == "." {
		return "", fmt.Errorf("%w: results_dir %q is not below the results root", ErrInvalidRunConfig, dir)
	}
	if filepath.IsAbs(dir) {
		return filepath.Clean(dir), nil
	}
	return filepath.Join(m.root, rel), nil
}

// work drives one run to its terminal state.
func (m *Manager) work(ctx context.Context, t *task, cfg domain.RunConfig) {
	defer m.workers.Done()
	defer t.cancel()

	err := m.drive(ctx, t, cfg)
	m.events <- workerEvent{runID: t.id, finished: true, err: err}
}

func (m *Manager) drive(ctx context.Context, t *task, cfg domain.RunConfig) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()

	it, err := m.factory.New(cfg, t.location)
	if err != nil {
		return fmt.Errorf("creating runner: %w", err)
	}
	defer func() {
		if cerr := it.Close(); cerr != nil {
			m.logger.Warn("closing runner", zap.String("run_id", t.id), zap.Error(cerr))
		}
	}()

	for gen := 0; gen < cfg.NumGenerations; gen++ {
		if ctx.Err() != nil {
			return errors.New(canceledText)
		}
		if err := it.RunIteration(ctx, gen); err != nil {
			if ctx.Err() != nil && errors.Is(err, context.Canceled) {
				return errors.New(canceledText)
			}
			return fmt.Errorf("generation %d: %w", gen, err)
		}
		m.events <- workerEvent{runID: t.id, completed: gen + 1}
	}
	return nil
}

// recorder applies worker events to the registry in arrival order.
func (m *Manager) recorder() {
	defer close(m.recorderDone)

	for ev := range m.events {
		var (
			rec  domain.RunRecord
			err  error
			kind EventType
		)
		if ev.finished {
			kind = EventFinished
			status, text := domain.RunCompleted, ""
			if ev.err != nil {
				status, text = domain.RunFailed, ev.err.Error()
			}
			rec, err = m.registry.Finish(ev.runID, status, text, m.now())
		} else {
			kind = EventProgress
			rec, err = m.registry.Progress(ev.runID, ev.completed)
		}

		m.mu.Lock()
		callbacks := m.callbacks
		if ev.finished {
			if t, ok := m.tasks[ev.runID]; ok {
				close(t.done)
				delete(m.tasks, ev.runID)
			}
		}
		m.mu.Unlock()

		if err != nil {
			m.logger.Error("applying run event", zap.String("run_id", ev.runID), zap.Error(err))
			continue
		}
		if ev.finished {
			fields := []zap.Field{zap.String("run_id", rec.ID), zap.String("status", string(rec.Status))}
			if rec.Error != "" {
				m.logger.Warn("run failed", append(fields, zap.String("error", rec.Error))...)
			} else {
				m.logger.Info("run completed", fields...)
			}
		}
		m.notify(RunEvent{Type: kind, Run: rec}, callbacks)
	}
}

func (m *Manager) notify(ev RunEvent, callbacks []StatusChangeCallback) {
	for _, cb := range callbacks {
		cb(ev)
	}
}

// Status returns the run record plus the best and top candidates currently
// readable from its results location. Store read failures are logged and
// leave the candidate fields empty.
func (m *Manager) Status(ctx context.Context, runID string) (domain.RunView, error) {
	rec, ok := m.registry.Get(runID)
	if !ok {
		return domain.RunView{}, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}

	view := domain.RunView{RunRecord: rec}
	if m.reader == nil {
		return view, nil
	}

	// one read so best is always top[0] even while the worker writes
	top, err := m.reader.Top(ctx, rec.ResultsLocation, m.topN)
	if err != nil {
		m.logger.Debug("reading top candidates", zap.String("run_id", runID), zap.Error(err))
		return view, nil
	}
	view.Top = top
	if len(top) > 0 {
		view.Best = &top[0]
	}
	return view, nil
}

// List returns all run records, newest first.
func (m *Manager) List() []domain.RunRecord {
	return m.registry.List()
}

// Cancel asks a running worker to stop before its next generation or query.
// Canceling a finished run is a no-op.
func (m *Manager) Cancel(runID string) error {
	m.mu.Lock()
	t, ok := m.tasks[runID]
	m.mu.Unlock()
	if ok {
		m.logger.Info("run cancel requested", zap.String("run_id", runID))
		t.cancel()
		return nil
	}
	if _, exists := m.registry.Get(runID); exists {
		return nil
	}
	return fmt.Errorf("%s: %w", runID, ErrRunNotFound)
}

// Wait blocks until the run reaches a terminal status or ctx is done.
func (m *Manager) Wait(ctx context.Context, runID string) error {
	m.mu.Lock()
	t, ok := m.tasks[runID]
	m.mu.Unlock()
	if !ok {
		if _, exists := m.registry.Get(runID); exists {
			return nil
		}
		return fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown refuses new runs, cancels running workers and waits for them and
// the recorder to finish. Runs stopped this way are recorded as Failed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, t := range m.tasks {
		t.cancel()
	}
	m.mu.Unlock()

	workersDone := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(workersDone)
	}()

	select {
	case <-workersDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.closeOnce.Do(func() { close(m.events) })

	select {
	case <-m.recorderDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
