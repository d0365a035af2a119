package notify

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/hochfrequenz/evolve-orchestrator/internal/domain"
	"github.com/hochfrequenz/evolve-orchestrator/internal/executor"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title    string
	Message  string
	Type     NotificationType
	RunID    string // Optional run reference
	Location string // Optional results location
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// RunFinished builds the notification for a run that reached a terminal status.
func RunFinished(rec domain.RunRecord) Notification {
	n := Notification{RunID: rec.ID, Location: rec.ResultsLocation}
	switch rec.Status {
	case domain.RunCompleted:
		n.Type = NotifySuccess
		n.Title = "Run completed"
		n.Message = fmt.Sprintf("%d/%d generations written", rec.Completed, rec.Generations)
	default:
		n.Type = NotifyError
		n.Title = "Run failed"
		n.Message = rec.Error
	}
	return n
}

// OnRunFinished returns a run event callback that sends a notification
// whenever a run finishes. Send happens in its own goroutine so a slow
// webhook never delays the run manager.
func OnRunFinished(n Notifier, logger *zap.Logger) executor.StatusChangeCallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ev executor.RunEvent) {
		if ev.Type != executor.EventFinished {
			return
		}
		msg := RunFinished(ev.Run)
		go func() {
			if err := n.Send(msg); err != nil {
				logger.Warn("sending run notification", zap.String("run_id", msg.RunID), zap.Error(err))
			}
		}()
	}
}
