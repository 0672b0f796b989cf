package domain

import (
	"testing"
	"time"
)

func TestReviewStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status ReviewStatus
		want   bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("IsTerminal(%s) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestTask_Admissible(t *testing.T) {
	pr := &PullRequestRef{Owner: "hochfrequenz", Repo: "billing", Number: 42}

	tests := []struct {
		name string
		task Task
		want bool
	}{
		{"pending with PR", Task{Status: StatusPending, PR: pr}, true},
		{"pending without PR", Task{Status: StatusPending}, false},
		{"running with PR", Task{Status: StatusRunning, PR: pr}, false},
		{"cancelled with PR", Task{Status: StatusCancelled, PR: pr}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.task.Admissible(); got != tt.want {
				t.Errorf("Admissible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTask_Duration(t *testing.T) {
	start := time.Now().Add(-10 * time.Minute)
	end := start.Add(3 * time.Minute)

	task := Task{StartedAt: &start, CompletedAt: &end}
	if got := task.Duration(); got != 3*time.Minute {
		t.Errorf("Duration() = %v, want 3m", got)
	}

	never := Task{}
	if got := never.Duration(); got != 0 {
		t.Errorf("Duration() for unstarted task = %v, want 0", got)
	}
}
