package executor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/evolve-orchestrator/internal/domain"
)

func TestRegistry_Lifecycle(t *testing.T) {
	r := NewRegistry()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := r.Register(domain.RunRecord{ID: "a", StartedAt: start, Generations: 2}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(domain.RunRecord{ID: "a"}); err == nil {
		t.Error("duplicate Register should fail")
	}

	rec, ok := r.Get("a")
	if !ok || rec.Status != domain.RunRunning {
		t.Fatalf("Get(a) = %+v, %v; want running", rec, ok)
	}

	if _, err := r.Progress("a", 1); err != nil {
		t.Fatal(err)
	}

	end := start.Add(time.Minute)
	rec, err := r.Finish("a", domain.RunFailed, "boom", end)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.RunFailed || rec.Error != "boom" || rec.Completed != 1 {
		t.Errorf("Finish() = %+v", rec)
	}
	if rec.FinishedAt == nil || !rec.FinishedAt.Equal(end) {
		t.Errorf("FinishedAt = %v, want %v", rec.FinishedAt, end)
	}

	// terminal records never change again
	if _, err := r.Finish("a", domain.RunCompleted, "", end); !errors.Is(err, ErrRunTerminal) {
		t.Errorf("second Finish err = %v, want ErrRunTerminal", err)
	}
	if _, err := r.Progress("a", 2); !errors.Is(err, ErrRunTerminal) {
		t.Errorf("Progress after finish err = %v, want ErrRunTerminal", err)
	}
	rec, _ = r.Get("a")
	if rec.Status != domain.RunFailed || rec.Error != "boom" {
		t.Errorf("record changed after finish: %+v", rec)
	}
}

func TestRegistry_UnknownAndNonTerminal(t *testing.T) {
	r := NewRegistry()

	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) should report not found")
	}
	if _, err := r.Finish("missing", domain.RunCompleted, "", time.Now()); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Finish(missing) err = %v, want ErrRunNotFound", err)
	}
	if _, err := r.Progress("missing", 1); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Progress(missing) err = %v, want ErrRunNotFound", err)
	}

	_ = r.Register(domain.RunRecord{ID: "a"})
	if _, err := r.Finish("a", domain.RunRunning, "", time.Now()); err == nil {
		t.Error("Finish with running status should fail")
	}
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(domain.RunRecord{ID: "a"})
	rec, _ := r.Finish("a", domain.RunCompleted, "", time.Unix(100, 0))

	*rec.FinishedAt = time.Unix(999, 0)
	rec.Status = domain.RunRunning

	got, _ := r.Get("a")
	if got.Status != domain.RunCompleted || got.FinishedAt.Unix() != 100 {
		t.Errorf("registry record was mutated through a copy: %+v", got)
	}
}

func TestRegistry_ListNewestFirst(t *testing.T) {
	r := NewRegistry()
	base := time.Unix(1000, 0)
	for i, id := range []string{"old", "mid", "new"} {
		_ = r.Register(domain.RunRecord{ID: id, StartedAt: base.Add(time.Duration(i) * time.Second)})
	}

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("List() len = %d, want 3", len(list))
	}
	for i, want := range []string{"new", "mid", "old"} {
		if list[i].ID != want {
			t.Errorf("List()[%d] = %s, want %s", i, list[i].ID, want)
		}
	}
}

func TestRegistry_Evict(t *testing.T) {
	r := NewRegistry()
	now := time.Unix(10_000, 0)

	_ = r.Register(domain.RunRecord{ID: "running"})
	_ = r.Register(domain.RunRecord{ID: "old"})
	_ = r.Register(domain.RunRecord{ID: "fresh"})
	_, _ = r.Finish("old", domain.RunFailed, "x", now.Add(-2*time.Hour))
	_, _ = r.Finish("fresh", domain.RunCompleted, "", now.Add(-time.Minute))

	evicted := r.Evict(now.Add(-time.Hour))
	if len(evicted) != 1 || evicted[0] != "old" {
		t.Errorf("Evict() = %v, want [old]", evicted)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
	if _, ok := r.Get("running"); !ok {
		t.Error("running record must never be evicted")
	}
}

func TestRegistry_ConcurrentReaders(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(domain.RunRecord{ID: "a", Generations: 100})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 100; i++ {
			_, _ = r.Progress("a", i)
		}
		_, _ = r.Finish("a", domain.RunCompleted, "", time.Now())
	}()

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seenTerminal := false
			for j := 0; j < 500; j++ {
				rec, _ := r.Get("a")
				if seenTerminal && !rec.Status.IsTerminal() {
					t.Error("status went back from terminal")
					return
				}
				if rec.Status.IsTerminal() {
					seenTerminal = true
					if rec.FinishedAt == nil {
						t.Error("terminal record without finish time")
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}
