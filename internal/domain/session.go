package domain

import "time"

// SessionStatus represents the observable state of an external review session
type SessionStatus string

const (
	SessionStarting  SessionStatus = "starting"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionKilled    SessionStatus = "killed"
)

// IsTerminal returns true once the session can no longer change state
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionKilled:
		return true
	}
	return false
}

// TaskStatus maps a terminal session status to the task status it produces.
// A killed session maps to cancelled.
func (s SessionStatus) TaskStatus() ReviewStatus {
	switch s {
	case SessionCompleted:
		return StatusCompleted
	case SessionKilled:
		return StatusCancelled
	default:
		return StatusFailed
	}
}

// SessionState is a point-in-time snapshot of a session as reported by the
// driver. The task store never holds one of these; it references sessions by
// id only.
type SessionState struct {
	ID          string
	TaskID      int64
	Status      SessionStatus
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}
