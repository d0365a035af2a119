package executor

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a five-field cron expression or a descriptor like "@hourly".
func ParseSchedule(expr string) (cron.Schedule, error) {
	return scheduleParser.Parse(expr)
}

// Evictor periodically removes finished runs older than the retention.
type Evictor struct {
	registry  *Registry
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
	cron      *cron.Cron
}

// NewEvictor validates the schedule and prepares an Evictor. It does not start it.
func NewEvictor(registry *Registry, schedule string, retention time.Duration, logger *zap.Logger) (*Evictor, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("eviction retention must be positive, got %v", retention)
	}
	if _, err := ParseSchedule(schedule); err != nil {
		return nil, fmt.Errorf("eviction schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Evictor{
		registry:  registry,
		retention: retention,
		logger:    logger,
		now:       time.Now,
		cron:      cron.New(cron.WithParser(scheduleParser)),
	}
	if _, err := e.cron.AddFunc(schedule, func() { e.Sweep() }); err != nil {
		return nil, err
	}
	return e, nil
}

// Start begins the schedule in its own goroutine.
func (e *Evictor) Start() {
	e.cron.Start()
}

// Stop halts the schedule and waits for a running sweep.
func (e *Evictor) Stop() {
	<-e.cron.Stop().Done()
}

// Sweep evicts once and returns the removed run ids.
func (e *Evictor) Sweep() []string {
	evicted := e.registry.Evict(e.now().Add(-e.retention))
	if len(evicted) > 0 {
		e.logger.Info("evicted finished runs", zap.Int("count", len(evicted)), zap.Strings("run_ids", evicted))
	}
	return evicted
}
