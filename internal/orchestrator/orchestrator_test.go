package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/claudia-review/internal/domain"
	"github.com/hochfrequenz/claudia-review/internal/session"
	"github.com/hochfrequenz/claudia-review/internal/taskstore"
)

// fakeDriver is a controllable in-memory session backend
type fakeDriver struct {
	mu         sync.Mutex
	nextID     int
	statuses   map[string]domain.SessionStatus
	errTexts   map[string]string
	outputs    map[string]string
	startErr   error
	started    []int64
	terminated []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		statuses: make(map[string]domain.SessionStatus),
		errTexts: make(map[string]string),
		outputs:  make(map[string]string),
	}
}

func (f *fakeDriver) Start(ctx context.Context, req session.StartRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.nextID++
	id := fmt.Sprintf("sess-%d", f.nextID)
	f.statuses[id] = domain.SessionRunning
	f.started = append(f.started, req.TaskID)
	return id, nil
}

func (f *fakeDriver) Poll(ctx context.Context, sessionID string) (domain.SessionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[sessionID]
	if !ok {
		return domain.SessionState{}, fmt.Errorf("unknown session %s", sessionID)
	}
	return domain.SessionState{ID: sessionID, Status: status, Error: f.errTexts[sessionID]}, nil
}

func (f *fakeDriver) FetchOutput(ctx context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outputs[sessionID], nil
}

func (f *fakeDriver) Terminate(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, sessionID)
	f.statuses[sessionID] = domain.SessionKilled
	return nil
}

func (f *fakeDriver) finish(sessionID string, status domain.SessionStatus, errText string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[sessionID] = status
	f.errTexts[sessionID] = errText
}

func (f *fakeDriver) startedTasks() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.started...)
}

func (f *fakeDriver) terminatedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.terminated...)
}

func newTestStore(t *testing.T) *taskstore.Store {
	t.Helper()
	store, err := taskstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func createTask(t *testing.T, store *taskstore.Store, postID string, withPR bool) *domain.Task {
	t.Helper()
	candidate := &domain.Task{
		SlackPostID: postID,
		AuthorName:  "lena",
		PostContent: "review https://github.com/acme/api/pull/5",
	}
	if withPR {
		candidate.PR = &domain.PullRequestRef{Owner: "acme", Repo: "api", Number: 5, URL: "https://github.com/acme/api/pull/5"}
	}
	task, err := store.Create(candidate)
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func TestAdmitPending_RespectsCap(t *testing.T) {
	store := newTestStore(t)
	driver := newFakeDriver()
	orch := New(store, driver, Config{MaxParallel: 2}, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		createTask(t, store, fmt.Sprintf("C1:%d.0", i), true)
	}

	if admitted := orch.AdmitPending(ctx); admitted != 2 {
		t.Fatalf("admitted = %d, want 2", admitted)
	}

	running, _ := store.List(taskstore.ListOptions{Status: domain.StatusRunning})
	if len(running) != 2 {
		t.Errorf("running = %d, want 2", len(running))
	}
	if orch.ActiveCount() != 2 {
		t.Errorf("ActiveCount = %d, want 2", orch.ActiveCount())
	}

	// Saturated: another tick admits nothing
	if admitted := orch.AdmitPending(ctx); admitted != 0 {
		t.Errorf("admitted at capacity = %d, want 0", admitted)
	}
}

func TestAdmitPending_OldestFirst(t *testing.T) {
	store := newTestStore(t)
	driver := newFakeDriver()
	orch := New(store, driver, Config{MaxParallel: 2}, nil)

	a := createTask(t, store, "C1:1.0", true)
	b := createTask(t, store, "C1:2.0", true)
	c := createTask(t, store, "C1:3.0", true)

	orch.AdmitPending(context.Background())

	started := driver.startedTasks()
	if len(started) != 2 || started[0] != a.ID || started[1] != b.ID {
		t.Errorf("started = %v, want the two oldest [%d %d]", started, a.ID, b.ID)
	}

	got, _ := store.Get(c.ID)
	if got.Status != domain.StatusPending {
		t.Errorf("newest task status = %s, want pending", got.Status)
	}
}

func TestAdmitPending_SkipsTasksWithoutPR(t *testing.T) {
	store := newTestStore(t)
	driver := newFakeDriver()
	orch := New(store, driver, Config{MaxParallel: 5}, nil)

	createTask(t, store, "C1:1.0", false)

	if admitted := orch.AdmitPending(context.Background()); admitted != 0 {
		t.Errorf("admitted = %d, want 0 for task without PR", admitted)
	}
}

func TestAdmitPending_RecordsSessionID(t *testing.T) {
	store := newTestStore(t)
	driver := newFakeDriver()
	orch := New(store, driver, Config{MaxParallel: 1}, nil)

	task := createTask(t, store, "C1:1.0", true)
	orch.AdmitPending(context.Background())

	got, _ := store.Get(task.ID)
	if got.SessionID == "" {
		t.Fatal("SessionID not recorded")
	}
	if got.StartedAt == nil {
		t.Error("StartedAt not set")
	}
}

func TestAdmitPending_StartFailure(t *testing.T) {
	store := newTestStore(t)
	driver := newFakeDriver()
	driver.startErr = errors.New("tmux: command not found")
	orch := New(store, driver, Config{MaxParallel: 1}, nil)

	task := createTask(t, store, "C1:1.0", true)
	if admitted := orch.AdmitPending(context.Background()); admitted != 0 {
		t.Errorf("admitted = %d, want 0", admitted)
	}

	got, _ := store.Get(task.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "tmux") {
		t.Errorf("ErrorMessage = %q, want driver error text", got.ErrorMessage)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set on start failure")
	}

	// The slot was never consumed
	if orch.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", orch.ActiveCount())
	}
}

func TestReconcile_CompletedSessionFreesSlot(t *testing.T) {
	store := newTestStore(t)
	driver := newFakeDriver()
	orch := New(store, driver, Config{MaxParallel: 1}, nil)
	ctx := context.Background()

	a := createTask(t, store, "C1:1.0", true)
	b := createTask(t, store, "C1:2.0", true)

	orch.AdmitPending(ctx)
	gotA, _ := store.Get(a.ID)
	if gotA.Status != domain.StatusRunning {
		t.Fatalf("task A status = %s, want running", gotA.Status)
	}

	driver.finish(gotA.SessionID, domain.SessionCompleted, "")
	orch.Reconcile(ctx)

	gotA, _ = store.Get(a.ID)
	if gotA.Status != domain.StatusCompleted {
		t.Fatalf("task A status = %s, want completed", gotA.Status)
	}
	if gotA.CompletedAt == nil || gotA.CompletedAt.Before(*gotA.StartedAt) {
		t.Error("CompletedAt missing or before StartedAt")
	}

	// Freed capacity admits the next oldest
	if admitted := orch.AdmitPending(ctx); admitted != 1 {
		t.Fatalf("admitted after completion = %d, want 1", admitted)
	}
	gotB, _ := store.Get(b.ID)
	if gotB.Status != domain.StatusRunning {
		t.Errorf("task B status = %s, want running", gotB.Status)
	}
}

func TestReconcile_FailedSessionRecordsError(t *testing.T) {
	store := newTestStore(t)
	driver := newFakeDriver()
	orch := New(store, driver, Config{MaxParallel: 1}, nil)
	ctx := context.Background()

	task := createTask(t, store, "C1:1.0", true)
	orch.AdmitPending(ctx)

	got, _ := store.Get(task.ID)
	driver.finish(got.SessionID, domain.SessionFailed, "review process exited with code 2")
	orch.Reconcile(ctx)

	got, _ = store.Get(task.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "code 2") {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}
}

func TestReconcile_KilledSessionMapsToCancelled(t *testing.T) {
	store := newTestStore(t)
	driver := newFakeDriver()
	orch := New(store, driver, Config{MaxParallel: 1}, nil)
	ctx := context.Background()

	task := createTask(t, store, "C1:1.0", true)
	orch.AdmitPending(ctx)

	got, _ := store.Get(task.ID)
	driver.finish(got.SessionID, domain.SessionKilled, "")
	orch.Reconcile(ctx)

	got, _ = store.Get(task.ID)
	if got.Status != domain.StatusCancelled {
		t.Errorf("Status = %s, want cancelled", got.Status)
	}
}

func TestReconcile_Timeout(t *testing.T) {
	store := newTestStore(t)
	driver := newFakeDriver()
	orch := New(store, driver, Config{MaxParallel: 1, SessionTimeout: time.Nanosecond}, nil)
	ctx := context.Background()

	task := createTask(t, store, "C1:1.0", true)
	orch.AdmitPending(ctx)
	time.Sleep(time.Millisecond)

	orch.Reconcile(ctx)

	got, _ := store.Get(task.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "timed out") {
		t.Errorf("ErrorMessage = %q, want timeout text", got.ErrorMessage)
	}
	if len(driver.terminatedSessions()) != 1 {
		t.Error("overdue session was not terminated")
	}
	if orch.ActiveCount() != 0 {
		t.Error("ledger slot not released after timeout")
	}
}

func TestCancel_PendingTask(t *testing.T) {
	store := newTestStore(t)
	driver := newFakeDriver()
	orch := New(store, driver, Config{MaxParallel: 1}, nil)

	task := createTask(t, store, "C1:1.0", true)
	updated, err := orch.Cancel(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != domain.StatusCancelled {
		t.Errorf("Status = %s, want cancelled", updated.Status)
	}
	if len(driver.startedTasks()) != 0 || len(driver.terminatedSessions()) != 0 {
		t.Error("cancelling a pending task must not touch the driver")
	}
}

func TestCancel_RunningTask(t *testing.T) {
	store := newTestStore(t)
	driver := newFakeDriver()
	orch := New(store, driver, Config{MaxParallel: 1}, nil)
	ctx := context.Background()

	task := createTask(t, store, "C1:1.0", true)
	orch.AdmitPending(ctx)

	updated, err := orch.Cancel(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != domain.StatusCancelled {
		t.Fatalf("Status = %s, want cancelled", updated.Status)
	}
	if len(driver.terminatedSessions()) != 1 {
		t.Error("running session not terminated")
	}
	if orch.ActiveCount() != 0 {
		t.Error("ledger slot not released after cancel")
	}

	// A stray terminal report for the cancelled task's session is ignored
	orch.Reconcile(ctx)
	got, _ := store.Get(task.ID)
	if got.Status != domain.StatusCancelled {
		t.Errorf("Status after stray reconcile = %s, want cancelled", got.Status)
	}
}

func TestCancel_TerminalTask(t *testing.T) {
	store := newTestStore(t)
	driver := newFakeDriver()
	orch := New(store, driver, Config{MaxParallel: 1}, nil)
	ctx := context.Background()

	task := createTask(t, store, "C1:1.0", true)
	orch.AdmitPending(ctx)
	got, _ := store.Get(task.ID)
	driver.finish(got.SessionID, domain.SessionCompleted, "")
	orch.Reconcile(ctx)

	if _, err := orch.Cancel(ctx, task.ID); !errors.Is(err, taskstore.ErrConflict) {
		t.Errorf("Cancel terminal task error = %v, want ErrConflict", err)
	}
	got, _ = store.Get(task.ID)
	if got.Status != domain.StatusCompleted {
		t.Errorf("terminal status changed to %s", got.Status)
	}
}

func TestStartReview(t *testing.T) {
	store := newTestStore(t)
	driver := newFakeDriver()
	orch := New(store, driver, Config{MaxParallel: 1}, nil)
	ctx := context.Background()

	a := createTask(t, store, "C1:1.0", true)
	b := createTask(t, store, "C1:2.0", true)

	updated, err := orch.StartReview(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != domain.StatusRunning {
		t.Errorf("Status = %s, want running", updated.Status)
	}

	if _, err := orch.StartReview(ctx, b.ID); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("StartReview at capacity error = %v, want ErrNoCapacity", err)
	}
	gotB, _ := store.Get(b.ID)
	if gotB.Status != domain.StatusPending {
		t.Errorf("task B status = %s, want still pending", gotB.Status)
	}

	if _, err := orch.StartReview(ctx, 999); !errors.Is(err, taskstore.ErrNotFound) {
		t.Errorf("StartReview missing task error = %v, want ErrNotFound", err)
	}
}

func TestDelete_RunningTaskRejected(t *testing.T) {
	store := newTestStore(t)
	driver := newFakeDriver()
	orch := New(store, driver, Config{MaxParallel: 1}, nil)
	ctx := context.Background()

	task := createTask(t, store, "C1:1.0", true)
	orch.AdmitPending(ctx)

	if err := orch.Delete(ctx, task.ID); !errors.Is(err, taskstore.ErrConflict) {
		t.Fatalf("Delete running task error = %v, want ErrConflict", err)
	}
	if _, err := store.Get(task.ID); err != nil {
		t.Error("task removed despite running status")
	}

	if _, err := orch.Cancel(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if err := orch.Delete(ctx, task.ID); err != nil {
		t.Errorf("Delete cancelled task error = %v", err)
	}
}

func TestRebuild(t *testing.T) {
	store := newTestStore(t)
	driver := newFakeDriver()
	ctx := context.Background()

	// First orchestrator life: admit a task
	first := New(store, driver, Config{MaxParallel: 2}, nil)
	withSession := createTask(t, store, "C1:1.0", true)
	first.AdmitPending(ctx)

	// A running task whose session start was never recorded
	orphan := createTask(t, store, "C1:2.0", true)
	now := time.Now()
	if _, err := store.ApplyTransition(orphan.ID, domain.StatusPending, domain.StatusRunning,
		taskstore.TransitionFields{StartedAt: &now}); err != nil {
		t.Fatal(err)
	}

	// Second life
	second := New(store, driver, Config{MaxParallel: 2}, nil)
	if err := second.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}

	if second.ActiveCount() != 1 {
		t.Errorf("ActiveCount after rebuild = %d, want 1", second.ActiveCount())
	}
	gotOrphan, _ := store.Get(orphan.ID)
	if gotOrphan.Status != domain.StatusFailed {
		t.Errorf("orphan status = %s, want failed", gotOrphan.Status)
	}

	// The re-adopted session still reconciles normally
	gotTask, _ := store.Get(withSession.ID)
	driver.finish(gotTask.SessionID, domain.SessionCompleted, "")
	second.Reconcile(ctx)
	gotTask, _ = store.Get(withSession.ID)
	if gotTask.Status != domain.StatusCompleted {
		t.Errorf("re-adopted task status = %s, want completed", gotTask.Status)
	}
}

func TestTaskOutput(t *testing.T) {
	store := newTestStore(t)
	driver := newFakeDriver()
	orch := New(store, driver, Config{MaxParallel: 1}, nil)
	ctx := context.Background()

	task := createTask(t, store, "C1:1.0", true)

	if _, err := orch.TaskOutput(ctx, task.ID); err == nil {
		t.Error("expected error for task without session")
	}

	orch.AdmitPending(ctx)
	got, _ := store.Get(task.ID)
	driver.mu.Lock()
	driver.outputs[got.SessionID] = "LGTM with nits"
	driver.mu.Unlock()

	out, err := orch.TaskOutput(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out != "LGTM with nits" {
		t.Errorf("TaskOutput = %q", out)
	}
}

func TestSetMaxParallel(t *testing.T) {
	store := newTestStore(t)
	driver := newFakeDriver()
	orch := New(store, driver, Config{MaxParallel: 1}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		createTask(t, store, fmt.Sprintf("C1:%d.0", i), true)
	}

	orch.AdmitPending(ctx)
	if orch.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", orch.ActiveCount())
	}

	orch.SetMaxParallel(3)
	orch.AdmitPending(ctx)
	if orch.ActiveCount() != 3 {
		t.Errorf("ActiveCount after raising cap = %d, want 3", orch.ActiveCount())
	}
}

func TestOnTaskChangeCallback(t *testing.T) {
	store := newTestStore(t)
	driver := newFakeDriver()
	orch := New(store, driver, Config{MaxParallel: 1}, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []domain.ReviewStatus
	orch.SetOnTaskChange(func(task *domain.Task) {
		mu.Lock()
		seen = append(seen, task.Status)
		mu.Unlock()
	})

	task := createTask(t, store, "C1:1.0", true)
	orch.AdmitPending(ctx)
	got, _ := store.Get(task.ID)
	driver.finish(got.SessionID, domain.SessionCompleted, "")
	orch.Reconcile(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != domain.StatusRunning || seen[1] != domain.StatusCompleted {
		t.Errorf("callback sequence = %v, want [running completed]", seen)
	}
}
