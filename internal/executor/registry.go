package executor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hochfrequenz/evolve-orchestrator/internal/domain"
)

// ErrRunNotFound is returned when no record exists for a run id.
var ErrRunNotFound = errors.New("run not found")

// ErrRunTerminal is returned when a finished record would be changed.
var ErrRunTerminal = errors.New("run already finished")

// Registry holds run records keyed by run id. Records are copied in and out
// so a reader never sees a partially updated record. Each run has a single
// writer (its worker, through the Manager); readers are unrestricted.
type Registry struct {
	runs map[string]domain.RunRecord
	mu   sync.RWMutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]domain.RunRecord)}
}

// Register adds a new Running record.
func (r *Registry) Register(rec domain.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[rec.ID]; exists {
		return fmt.Errorf("run %s already registered", rec.ID)
	}
	rec.Status = domain.RunRunning
	rec.FinishedAt = nil
	rec.Error = ""
	r.runs[rec.ID] = rec
	return nil
}

// Get returns a copy of the record.
func (r *Registry) Get(id string) (domain.RunRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.runs[id]
	return clone(rec), ok
}

// Progress records the number of completed generations of a running run.
func (r *Registry) Progress(id string, completed int) (domain.RunRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.runs[id]
	if !ok {
		return domain.RunRecord{}, fmt.Errorf("%s: %w", id, ErrRunNotFound)
	}
	if rec.Status.IsTerminal() {
		return clone(rec), fmt.Errorf("%s: %w", id, ErrRunTerminal)
	}
	rec.Completed = completed
	r.runs[id] = rec
	return clone(rec), nil
}

// Finish moves a running record to a terminal status. Status, error text
// and finish time change together under one lock.
func (r *Registry) Finish(id string, status domain.RunStatus, errText string, at time.Time) (domain.RunRecord, error) {
	if !status.IsTerminal() {
		return domain.RunRecord{}, fmt.Errorf("finish %s: %s is not a terminal status", id, status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.runs[id]
	if !ok {
		return domain.RunRecord{}, fmt.Errorf("%s: %w", id, ErrRunNotFound)
	}
	if rec.Status.IsTerminal() {
		return clone(rec), fmt.Errorf("%s: %w", id, ErrRunTerminal)
	}
	rec.Status = status
	rec.Error = errText
	rec.FinishedAt = &at
	r.runs[id] = rec
	return clone(rec), nil
}

// List returns copies of all records, newest first.
func (r *Registry) List() []domain.RunRecord {
	r.mu.RLock()
	out := make([]domain.RunRecord, 0, len(r.runs))
	for _, rec := range r.runs {
		out = append(out, clone(rec))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Evict removes terminal records that finished before cutoff and returns their ids.
// Running records are never evicted.
func (r *Registry) Evict(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, rec := range r.runs {
		if rec.Status.IsTerminal() && rec.FinishedAt != nil && rec.FinishedAt.Before(cutoff) {
			delete(r.runs, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

func clone(rec domain.RunRecord) domain.RunRecord {
	if rec.FinishedAt != nil {
		t := *rec.FinishedAt
		rec.FinishedAt = &t
	}
	return rec
}
