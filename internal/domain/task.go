package domain

import "time"

// ReviewStatus represents the lifecycle state of a review task
type ReviewStatus string

const (
	StatusPending   ReviewStatus = "pending"
	StatusRunning   ReviewStatus = "running"
	StatusCompleted ReviewStatus = "completed"
	StatusFailed    ReviewStatus = "failed"
	StatusCancelled ReviewStatus = "cancelled"
)

// IsTerminal returns true if no further transitions can leave this status
func (s ReviewStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidStatus returns true if s is one of the known lifecycle states
func ValidStatus(s ReviewStatus) bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task represents one pull request's review lifecycle, created from a Slack
// post carrying a reminder reaction
type Task struct {
	ID             int64
	SlackPostID    string
	SlackChannelID string
	SlackMessageTS string
	AuthorName     string
	PostContent    string
	PR             *PullRequestRef
	Selected       bool
	Status         ReviewStatus
	SessionID      string
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// Admissible returns true if the task may be promoted to running:
// it must be pending and carry a resolved pull request reference.
func (t *Task) Admissible() bool {
	return t.Status == StatusPending && t.PR != nil
}

// Duration returns the wall time the review has been (or was) running.
// Zero if the task never started.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if t.CompletedAt != nil {
		end = *t.CompletedAt
	}
	return end.Sub(*t.StartedAt)
}
