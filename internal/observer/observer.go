package observer

import (
	"sync"
	"time"

	"github.com/hochfrequenz/evolve-orchestrator/internal/domain"
	"github.com/hochfrequenz/evolve-orchestrator/internal/executor"
)

// Observer collects outcome metrics of finished runs
type Observer struct {
	stuckThreshold time.Duration
	now            func() time.Time

	completions []completion
	mu          sync.RWMutex
}

type completion struct {
	RunID       string
	Status      domain.RunStatus
	Duration    time.Duration
	Generations int
	CompletedAt time.Time
}

// Metrics holds aggregated metrics
type Metrics struct {
	TotalCompleted   int           `json:"total_completed"`
	TotalFailed      int           `json:"total_failed"`
	TotalGenerations int           `json:"total_generations"`
	AvgDuration      time.Duration `json:"avg_duration_ns"`
	StuckRuns        []string      `json:"stuck_runs"`
}

// New creates a new Observer
func New(stuckThreshold time.Duration) *Observer {
	return &Observer{
		stuckThreshold: stuckThreshold,
		now:            time.Now,
	}
}

// IsStuck returns true if a run has been running longer than the threshold
func (o *Observer) IsStuck(rec domain.RunRecord) bool {
	if rec.Status != domain.RunRunning || o.stuckThreshold <= 0 {
		return false
	}
	if rec.StartedAt.IsZero() {
		return false
	}
	return o.now().Sub(rec.StartedAt) > o.stuckThreshold
}

// Record is an executor.StatusChangeCallback that records finished runs
func (o *Observer) Record(ev executor.RunEvent) {
	if ev.Type != executor.EventFinished || ev.Run.FinishedAt == nil {
		return
	}
	o.RecordCompletion(ev.Run.ID, ev.Run.Status, ev.Run.FinishedAt.Sub(ev.Run.StartedAt), ev.Run.Completed)
}

// RecordCompletion records a finished run
func (o *Observer) RecordCompletion(runID string, status domain.RunStatus, duration time.Duration, generations int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.completions = append(o.completions, completion{
		RunID:       runID,
		Status:      status,
		Duration:    duration,
		Generations: generations,
		CompletedAt: o.now(),
	})
}

// GetMetrics returns aggregated metrics of finished runs and the ids of
// the given runs that are stuck
func (o *Observer) GetMetrics(runs []domain.RunRecord) Metrics {
	metrics := Metrics{StuckRuns: []string{}}
	for _, rec := range runs {
		if o.IsStuck(rec) {
			metrics.StuckRuns = append(metrics.StuckRuns, rec.ID)
		}
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	var totalDuration time.Duration

	for _, c := range o.completions {
		if c.Status == domain.RunCompleted {
			metrics.TotalCompleted++
		} else {
			metrics.TotalFailed++
		}
		metrics.TotalGenerations += c.Generations
		totalDuration += c.Duration
	}

	if n := len(o.completions); n > 0 {
		metrics.AvgDuration = totalDuration / time.Duration(n)
	}

	return metrics
}

// GetRecentCompletions returns runs finished within the last duration
func (o *Observer) GetRecentCompletions(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := o.now().Add(-since)
	var result []string

	for _, c := range o.completions {
		if c.CompletedAt.After(cutoff) {
			result = append(result, c.RunID)
		}
	}

	return result
}
