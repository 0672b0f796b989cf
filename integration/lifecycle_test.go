//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/claudia-review/internal/domain"
	"github.com/hochfrequenz/claudia-review/internal/ingest"
	"github.com/hochfrequenz/claudia-review/internal/orchestrator"
	"github.com/hochfrequenz/claudia-review/internal/session"
	"github.com/hochfrequenz/claudia-review/internal/taskstore"
)

func newDriver(t *testing.T, tmuxPath string) (*session.TmuxDriver, string) {
	t.Helper()
	stateDir := t.TempDir()
	driver, err := session.NewTmuxDriver(session.TmuxConfig{
		TmuxPath:   tmuxPath,
		Executable: "claude",
		StateDir:   stateDir,
	})
	if err != nil {
		t.Fatal(err)
	}
	return driver, stateDir
}

func newOrchestrator(t *testing.T, store *taskstore.Store, driver *session.TmuxDriver, maxParallel int) *orchestrator.Orchestrator {
	t.Helper()
	return orchestrator.New(store, driver, orchestrator.Config{
		MaxParallel: maxParallel,
		Prompt: func(pr domain.PullRequestRef) string {
			return "/pwe-review " + pr.URL
		},
	}, nil)
}

func TestLifecycle_IngestAdmitComplete(t *testing.T) {
	ctx := context.Background()
	store := NewStore(t)
	tmux, _ := StubTmux(t, 0) // has-session reports alive

	source := &fakeSource{events: []domain.ReminderEvent{
		{
			PostID:      "C1:100.1",
			ChannelID:   "C1",
			MessageTS:   "100.1",
			AuthorName:  "Jane",
			Content:     "please review https://github.com/acme/widgets/pull/42",
			Timestamp:   time.Now(),
			HasReminder: true,
		},
		{
			PostID:      "C1:100.2",
			ChannelID:   "C1",
			Content:     "no reminder on this one https://github.com/acme/widgets/pull/43",
			HasReminder: false,
		},
	}}

	result, err := ingest.New(source, store, nil).Ingest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Created) != 1 {
		t.Fatalf("created %d tasks, want 1", len(result.Created))
	}
	taskID := result.Created[0]

	driver, stateDir := newDriver(t, tmux)
	orch := newOrchestrator(t, store, driver, 2)

	if admitted := orch.AdmitPending(ctx); admitted != 1 {
		t.Fatalf("admitted %d, want 1", admitted)
	}

	task, err := store.Get(taskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.StatusRunning {
		t.Fatalf("status = %s, want running", task.Status)
	}
	if task.SessionID == "" {
		t.Fatal("session id not recorded")
	}
	if orch.ActiveCount() != 1 {
		t.Errorf("ActiveCount = %d, want 1", orch.ActiveCount())
	}

	// Session output and exit land in the state dir; simulate the review
	// process finishing cleanly
	dir := filepath.Join(stateDir, task.SessionID)
	os.WriteFile(filepath.Join(dir, "output.log"), []byte("looks good to me\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "exit"), []byte("0\n"), 0o644)

	orch.Reconcile(ctx)

	task, err = store.Get(taskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.StatusCompleted {
		t.Errorf("status = %s, want completed", task.Status)
	}
	if task.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if orch.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after completion, want 0", orch.ActiveCount())
	}

	output, err := orch.TaskOutput(ctx, taskID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(output, "looks good to me") {
		t.Errorf("output = %q", output)
	}
}

func TestLifecycle_KilledSessionBecomesCancelled(t *testing.T) {
	ctx := context.Background()
	store := NewStore(t)
	tmux, _ := StubTmux(t, 1) // has-session reports gone

	task, err := store.Create(&domain.Task{
		SlackPostID: "C1:1",
		PR:          &domain.PullRequestRef{Owner: "acme", Repo: "widgets", Number: 1, URL: "https://github.com/acme/widgets/pull/1"},
	})
	if err != nil {
		t.Fatal(err)
	}

	driver, _ := newDriver(t, tmux)
	orch := newOrchestrator(t, store, driver, 1)

	if admitted := orch.AdmitPending(ctx); admitted != 1 {
		t.Fatalf("admitted %d, want 1", admitted)
	}

	// No exit file and no live session: someone killed the pane
	orch.Reconcile(ctx)

	got, err := store.Get(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestLifecycle_CancelRunningKillsSession(t *testing.T) {
	ctx := context.Background()
	store := NewStore(t)
	tmux, callsLog := StubTmux(t, 0)

	task, err := store.Create(&domain.Task{
		SlackPostID: "C1:1",
		PR:          &domain.PullRequestRef{Owner: "acme", Repo: "widgets", Number: 1, URL: "https://github.com/acme/widgets/pull/1"},
	})
	if err != nil {
		t.Fatal(err)
	}

	driver, _ := newDriver(t, tmux)
	orch := newOrchestrator(t, store, driver, 1)
	orch.AdmitPending(ctx)

	if _, err := orch.Cancel(ctx, task.ID); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if !strings.Contains(CallsLog(t, callsLog), "kill-session") {
		t.Error("tmux kill-session was not invoked")
	}
	if orch.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after cancel, want 0", orch.ActiveCount())
	}
}

func TestLifecycle_RebuildReadoptsRunningSession(t *testing.T) {
	ctx := context.Background()
	store := NewStore(t)
	tmux, _ := StubTmux(t, 0)

	task, err := store.Create(&domain.Task{
		SlackPostID: "C1:1",
		PR:          &domain.PullRequestRef{Owner: "acme", Repo: "widgets", Number: 1, URL: "https://github.com/acme/widgets/pull/1"},
	})
	if err != nil {
		t.Fatal(err)
	}

	driver, stateDir := newDriver(t, tmux)
	orch := newOrchestrator(t, store, driver, 1)
	orch.AdmitPending(ctx)

	// A fresh process after a restart sees the same store and state dir
	restarted, err := session.NewTmuxDriver(session.TmuxConfig{
		TmuxPath:   tmux,
		Executable: "claude",
		StateDir:   stateDir,
	})
	if err != nil {
		t.Fatal(err)
	}
	orch2 := newOrchestrator(t, store, restarted, 1)
	if err := orch2.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}

	if orch2.ActiveCount() != 1 {
		t.Errorf("ActiveCount after rebuild = %d, want 1", orch2.ActiveCount())
	}

	got, _ := store.Get(task.ID)
	if got.Status != domain.StatusRunning {
		t.Errorf("status = %s, want still running", got.Status)
	}
}
