package notify

import (
	"fmt"

	"github.com/hochfrequenz/claudia-review/internal/domain"
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
	Title   string
	Message string
	Type    NotificationType
	TaskID  int64  // Optional task reference
	PRURL   string // Optional PR URL
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// ReviewCompleted builds the notification for a successfully finished review
func ReviewCompleted(task *domain.Task) Notification {
	n := Notification{
		Title:  "Review completed",
		Type:   NotifySuccess,
		TaskID: task.ID,
	}
	if task.PR != nil {
		n.Message = fmt.Sprintf("Finished reviewing %s", task.PR)
		n.PRURL = task.PR.URL
	}
	return n
}

// ReviewFailed builds the notification for a failed review
func ReviewFailed(task *domain.Task) Notification {
	n := Notification{
		Title:   "Review failed",
		Type:    NotifyError,
		TaskID:  task.ID,
		Message: task.ErrorMessage,
	}
	if task.PR != nil {
		n.Message = fmt.Sprintf("%s: %s", task.PR, task.ErrorMessage)
		n.PRURL = task.PR.URL
	}
	return n
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

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }
