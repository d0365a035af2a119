package notify

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/evolve-orchestrator/internal/domain"
	"github.com/hochfrequenz/evolve-orchestrator/internal/executor"
)

func TestSlackNotifier_Send(t *testing.T) {
	var got SlackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	err := notifier.Send(Notification{
		Title:    "Run completed",
		Message:  "3/3 generations written",
		Type:     NotifySuccess,
		RunID:    "run-1",
		Location: "/tmp/results/run-1",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if got.Text != "Run completed" {
		t.Errorf("Text = %q", got.Text)
	}
	if len(got.Attachments) != 1 {
		t.Fatalf("Attachments = %d, want 1", len(got.Attachments))
	}
	att := got.Attachments[0]
	if att.Title != "run-1" || att.Color != "good" {
		t.Errorf("attachment = %+v", att)
	}
	if !strings.Contains(att.Text, "/tmp/results/run-1") {
		t.Errorf("attachment text %q should mention the results location", att.Text)
	}
}

func TestSlackNotifier_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	if err := NewSlackNotifier(server.URL).Send(Notification{Title: "x"}); err == nil {
		t.Error("Send should fail on non-200 response")
	}
}

func TestSlackNotifier_Disabled(t *testing.T) {
	if err := NewSlackNotifier("").Send(Notification{Title: "x"}); err != nil {
		t.Errorf("disabled notifier returned %v", err)
	}
}

func TestNotificationTypeColors(t *testing.T) {
	tests := []struct {
		typ  NotificationType
		want string
	}{
		{NotifySuccess, "good"},
		{NotifyWarning, "warning"},
		{NotifyError, "danger"},
		{NotifyInfo, "#439FE0"},
	}

	for _, tt := range tests {
		got := SlackColor(tt.typ)
		if got != tt.want {
			t.Errorf("SlackColor(%v) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

func TestDesktopCommand(t *testing.T) {
	n := Notification{Title: `Run "a" failed`, Message: "timeout", Type: NotifyError}

	name, args := desktopCommand("linux", n)
	if name != "notify-send" {
		t.Errorf("linux command = %q", name)
	}
	if len(args) != 4 || args[1] != "dialog-error" || args[2] != n.Title {
		t.Errorf("linux args = %v", args)
	}

	name, args = desktopCommand("darwin", n)
	if name != "osascript" || !strings.Contains(args[1], `with title "Run \"a\" failed"`) {
		t.Errorf("darwin command = %q %v", name, args)
	}

	if name, _ := desktopCommand("plan9", n); name != "" {
		t.Errorf("unsupported OS should have no command, got %q", name)
	}
}

func TestDesktopNotifier_Disabled(t *testing.T) {
	d := NewDesktopNotifier(false)
	d.run = func(string, ...string) error { return errors.New("must not run") }
	if err := d.Send(Notification{Title: "x"}); err != nil {
		t.Errorf("disabled desktop notifier returned %v", err)
	}
}

func TestRunFinished(t *testing.T) {
	ok := RunFinished(domain.RunRecord{ID: "a", Status: domain.RunCompleted, Completed: 3, Generations: 3})
	if ok.Type != NotifySuccess || ok.Message != "3/3 generations written" {
		t.Errorf("completed notification = %+v", ok)
	}

	failed := RunFinished(domain.RunRecord{ID: "b", Status: domain.RunFailed, Error: "run canceled"})
	if failed.Type != NotifyError || failed.Message != "run canceled" || failed.RunID != "b" {
		t.Errorf("failed notification = %+v", failed)
	}
}

func TestOnRunFinished(t *testing.T) {
	var mu sync.Mutex
	var called []string
	sent := make(chan struct{}, 1)
	mock := &mockNotifier{name: "mock", calls: &called, mu: &mu, sent: sent}

	cb := OnRunFinished(mock, nil)
	cb(executor.RunEvent{Type: executor.EventProgress, Run: domain.RunRecord{ID: "a"}})
	cb(executor.RunEvent{Type: executor.EventFinished, Run: domain.RunRecord{ID: "a", Status: domain.RunCompleted}})

	select {
	case <-sent:
	case <-time.After(2 * time.Second):
		t.Fatal("notification not sent")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(called) != 1 {
		t.Errorf("Expected 1 call, got %d", len(called))
	}
}

func TestMultiNotifier(t *testing.T) {
	var called []string

	mock1 := &mockNotifier{name: "mock1", calls: &called}
	mock2 := &mockNotifier{name: "mock2", calls: &called}

	multi := NewMultiNotifier(mock1, mock2)
	multi.Send(Notification{Title: "Test"})

	if len(called) != 2 {
		t.Errorf("Expected 2 calls, got %d", len(called))
	}
}

type mockNotifier struct {
	name  string
	calls *[]string
	mu    *sync.Mutex
	sent  chan struct{}
}

func (m *mockNotifier) Send(n Notification) error {
	if m.mu != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
	}
	*m.calls = append(*m.calls, m.name)
	if m.sent != nil {
		m.sent <- struct{}{}
	}
	return nil
}
