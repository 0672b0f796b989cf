package session

import (
	"context"

	"github.com/hochfrequenz/claudia-review/internal/domain"
)

// StartRequest describes the review session to launch for a task
type StartRequest struct {
	TaskID int64
	PR     domain.PullRequestRef
	Prompt string
}

// Driver abstracts the external execution backend that runs review sessions.
// Start, Poll and FetchOutput are potentially slow external calls; callers
// must not hold scheduling locks across them.
type Driver interface {
	// Start launches a new session and returns its id
	Start(ctx context.Context, req StartRequest) (string, error)
	// Poll reports the session's current observable state
	Poll(ctx context.Context, sessionID string) (domain.SessionState, error)
	// FetchOutput returns the session's captured output so far
	FetchOutput(ctx context.Context, sessionID string) (string, error)
	// Terminate kills the session. Best effort: terminating an already-dead
	// session is not an error.
	Terminate(ctx context.Context, sessionID string) error
}
