package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hochfrequenz/claudia-review/internal/domain"
	"github.com/hochfrequenz/claudia-review/internal/notify"
	"github.com/hochfrequenz/claudia-review/internal/session"
	"github.com/hochfrequenz/claudia-review/internal/taskstore"
)

// ErrNoCapacity is returned by StartReview when every session slot is taken.
// The task stays pending and is picked up once capacity frees.
var ErrNoCapacity = errors.New("no free review slots")

// TaskChangeCallback is invoked after every task state change the
// orchestrator applies
type TaskChangeCallback func(task *domain.Task)

// Config holds the orchestrator's tunables
type Config struct {
	MaxParallel       int
	SessionTimeout    time.Duration // zero disables the per-task timeout
	AdmitInterval     time.Duration
	ReconcileInterval time.Duration
	// Prompt renders the review instruction handed to the session driver
	Prompt func(domain.PullRequestRef) string
}

// Orchestrator admits pending tasks into bounded-parallel review sessions and
// reconciles session outcomes back into the task store. The ledger tracks
// which tasks hold a session slot; it is the only state shared between the
// admission and reconciliation ticks and sits behind a single mutex. External
// driver calls are never made while holding it.
type Orchestrator struct {
	store    *taskstore.Store
	driver   session.Driver
	notifier notify.Notifier
	logger   *log.Logger
	prompt   func(domain.PullRequestRef) string

	cfg Config

	mu          sync.Mutex
	ledger      map[int64]string // task id -> session id ("" while start is in flight)
	maxParallel int
	timeout     time.Duration

	onTaskChange TaskChangeCallback
}

// New creates an orchestrator
func New(store *taskstore.Store, driver session.Driver, cfg Config, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	prompt := cfg.Prompt
	if prompt == nil {
		prompt = func(domain.PullRequestRef) string { return "" }
	}
	return &Orchestrator{
		store:       store,
		driver:      driver,
		notifier:    notify.NoopNotifier{},
		logger:      logger,
		prompt:      prompt,
		cfg:         cfg,
		ledger:      make(map[int64]string),
		maxParallel: cfg.MaxParallel,
		timeout:     cfg.SessionTimeout,
	}
}

// SetNotifier sets the notifier fired on terminal task outcomes
func (o *Orchestrator) SetNotifier(n notify.Notifier) {
	if n != nil {
		o.notifier = n
	}
}

// SetOnTaskChange registers a callback for task state changes
func (o *Orchestrator) SetOnTaskChange(cb TaskChangeCallback) {
	o.onTaskChange = cb
}

// SetMaxParallel adjusts the session cap at runtime. Shrinking the cap never
// kills running sessions; it only throttles future admissions.
func (o *Orchestrator) SetMaxParallel(n int) {
	if n <= 0 {
		return
	}
	o.mu.Lock()
	o.maxParallel = n
	o.mu.Unlock()
}

// SetSessionTimeout adjusts the per-task timeout at runtime
func (o *Orchestrator) SetSessionTimeout(d time.Duration) {
	o.mu.Lock()
	o.timeout = d
	o.mu.Unlock()
}

// MaxParallel returns the current session cap
func (o *Orchestrator) MaxParallel() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.maxParallel
}

// ActiveCount returns the number of tasks currently holding a session slot
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ledger)
}

// Rebuild reconstructs the ledger from the store after a restart. Running
// tasks with a recorded session are re-adopted and left to reconciliation; a
// running task without one lost its session start mid-flight and is failed.
func (o *Orchestrator) Rebuild(ctx context.Context) error {
	running, err := o.store.List(taskstore.ListOptions{Status: domain.StatusRunning})
	if err != nil {
		return err
	}

	for _, task := range running {
		if task.SessionID == "" {
			now := time.Now()
			msg := "orchestrator restarted before the review session was recorded"
			if updated, err := o.store.ApplyTransition(task.ID, domain.StatusRunning, domain.StatusFailed,
				taskstore.TransitionFields{CompletedAt: &now, ErrorMessage: &msg}); err == nil {
				o.emit(updated)
			}
			continue
		}
		o.mu.Lock()
		o.ledger[task.ID] = task.SessionID
		o.mu.Unlock()
		o.logger.Printf("orchestrator: re-adopted running task %d (session %s)", task.ID, task.SessionID)
	}
	return nil
}

// Run drives the admission and reconciliation ticks until ctx is done
func (o *Orchestrator) Run(ctx context.Context) {
	admitInterval := o.cfg.AdmitInterval
	if admitInterval <= 0 {
		admitInterval = 5 * time.Second
	}
	reconcileInterval := o.cfg.ReconcileInterval
	if reconcileInterval <= 0 {
		reconcileInterval = 5 * time.Second
	}

	admitTicker := time.NewTicker(admitInterval)
	reconcileTicker := time.NewTicker(reconcileInterval)
	defer admitTicker.Stop()
	defer reconcileTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-admitTicker.C:
			o.AdmitPending(ctx)
		case <-reconcileTicker.C:
			o.Reconcile(ctx)
		}
	}
}

func (o *Orchestrator) emit(task *domain.Task) {
	if o.onTaskChange != nil {
		o.onTaskChange(task)
	}
}

func (o *Orchestrator) releaseSlot(id int64) {
	o.mu.Lock()
	delete(o.ledger, id)
	o.mu.Unlock()
}

// sessionFor returns the recorded session id for a ledger entry
func (o *Orchestrator) sessionFor(id int64) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sid, ok := o.ledger[id]
	return sid, ok
}

// TaskOutput returns the captured output of the task's review session
func (o *Orchestrator) TaskOutput(ctx context.Context, id int64) (string, error) {
	task, err := o.store.Get(id)
	if err != nil {
		return "", err
	}
	if task.SessionID == "" {
		return "", fmt.Errorf("task %d has no review session", id)
	}
	return o.driver.FetchOutput(ctx, task.SessionID)
}

// Delete removes a task. Running tasks are rejected by the store; they must
// be cancelled first.
func (o *Orchestrator) Delete(ctx context.Context, id int64) error {
	return o.store.Delete(id)
}
