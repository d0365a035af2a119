package executor

import (
	"testing"
	"time"

	"github.com/hochfrequenz/evolve-orchestrator/internal/domain"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 * * * *", false},
		{"*/15 * * * *", false},
		{"@hourly", false},
		{"@every 10m", false},
		{"invalid", true},
		{"0 0 * * * *", true}, // seconds field not accepted
	}

	for _, tt := range tests {
		_, err := ParseSchedule(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSchedule(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestNewEvictor_Invalid(t *testing.T) {
	r := NewRegistry()
	if _, err := NewEvictor(r, "not a schedule", time.Hour, nil); err == nil {
		t.Error("NewEvictor should reject a bad schedule")
	}
	if _, err := NewEvictor(r, "@hourly", 0, nil); err == nil {
		t.Error("NewEvictor should reject zero retention")
	}
}

func TestEvictor_Sweep(t *testing.T) {
	r := NewRegistry()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_ = r.Register(domain.RunRecord{ID: "stale"})
	_ = r.Register(domain.RunRecord{ID: "recent"})
	_ = r.Register(domain.RunRecord{ID: "active"})
	_, _ = r.Finish("stale", domain.RunFailed, "boom", now.Add(-48*time.Hour))
	_, _ = r.Finish("recent", domain.RunCompleted, "", now.Add(-time.Hour))

	e, err := NewEvictor(r, "@hourly", 24*time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	e.now = func() time.Time { return now }

	evicted := e.Sweep()
	if len(evicted) != 1 || evicted[0] != "stale" {
		t.Errorf("Sweep() = %v, want [stale]", evicted)
	}
	if _, ok := r.Get("recent"); !ok {
		t.Error("recent run should be kept")
	}
	if _, ok := r.Get("active"); !ok {
		t.Error("running run should be kept")
	}
}

func TestEvictor_StartStop(t *testing.T) {
	e, err := NewEvictor(NewRegistry(), "@every 1h", time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	e.Start()
	e.Stop()
}
