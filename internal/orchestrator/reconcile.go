package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/hochfrequenz/claudia-review/internal/domain"
	"github.com/hochfrequenz/claudia-review/internal/notify"
	"github.com/hochfrequenz/claudia-review/internal/taskstore"
)

// Reconcile polls every session the ledger tracks and folds terminal
// outcomes back into the task store. Poll failures are absorbed and retried
// next tick.
func (o *Orchestrator) Reconcile(ctx context.Context) {
	o.mu.Lock()
	snapshot := make(map[int64]string, len(o.ledger))
	for id, sid := range o.ledger {
		snapshot[id] = sid
	}
	timeout := o.timeout
	o.mu.Unlock()

	for id, sid := range snapshot {
		if sid == "" {
			// Session start still in flight; admission owns this entry
			continue
		}
		o.reconcileOne(ctx, id, sid, timeout)
	}
}

func (o *Orchestrator) reconcileOne(ctx context.Context, id int64, sessionID string, timeout time.Duration) {
	state, err := o.driver.Poll(ctx, sessionID)
	if err != nil {
		o.logger.Printf("reconcile: polling session %s: %v", sessionID, err)
		return
	}

	if !state.Status.IsTerminal() {
		if timeout > 0 {
			o.enforceTimeout(ctx, id, sessionID, timeout)
		}
		return
	}

	now := time.Now()
	to := state.Status.TaskStatus()
	fields := taskstore.TransitionFields{CompletedAt: &now}
	if to == domain.StatusFailed {
		msg := state.Error
		if msg == "" {
			msg = "review session failed"
		}
		fields.ErrorMessage = &msg
	}

	updated, err := o.store.ApplyTransition(id, domain.StatusRunning, to, fields)
	// The ledger entry's job is done whether or not the CAS won
	o.releaseSlot(id)
	if err != nil {
		// Task already moved, e.g. a concurrent user cancel; the stray
		// terminal report is ignored by construction.
		return
	}

	o.logger.Printf("reconcile: task %d -> %s (session %s)", id, to, sessionID)
	o.emit(updated)
	o.notifyOutcome(updated)
}

// enforceTimeout fails a running task whose session outlived the configured
// limit, after a best-effort termination of the session itself.
func (o *Orchestrator) enforceTimeout(ctx context.Context, id int64, sessionID string, timeout time.Duration) {
	task, err := o.store.Get(id)
	if err != nil || task.StartedAt == nil || time.Since(*task.StartedAt) <= timeout {
		return
	}

	if err := o.driver.Terminate(ctx, sessionID); err != nil {
		o.logger.Printf("reconcile: terminating overdue session %s: %v", sessionID, err)
	}

	now := time.Now()
	msg := fmt.Sprintf("review timed out after %s", timeout)
	updated, err := o.store.ApplyTransition(id, domain.StatusRunning, domain.StatusFailed,
		taskstore.TransitionFields{CompletedAt: &now, ErrorMessage: &msg})
	o.releaseSlot(id)
	if err != nil {
		return
	}

	o.logger.Printf("reconcile: task %d timed out (session %s)", id, sessionID)
	o.emit(updated)
	o.notifyOutcome(updated)
}

// Cancel cancels a task. Pending tasks flip straight to cancelled; running
// tasks get a best-effort session termination first. Local state always wins
// even if the external process lingers.
func (o *Orchestrator) Cancel(ctx context.Context, id int64) (*domain.Task, error) {
	for attempt := 0; attempt < 2; attempt++ {
		task, err := o.store.Get(id)
		if err != nil {
			return nil, err
		}

		now := time.Now()
		switch task.Status {
		case domain.StatusPending:
			updated, err := o.store.ApplyTransition(id, domain.StatusPending, domain.StatusCancelled,
				taskstore.TransitionFields{CompletedAt: &now})
			if err == nil {
				o.emit(updated)
				return updated, nil
			}
			// Raced by admission; re-read and cancel the running task instead
			continue

		case domain.StatusRunning:
			sessionID := task.SessionID
			if sid, ok := o.sessionFor(id); ok && sid != "" {
				sessionID = sid
			}
			if sessionID != "" {
				if err := o.driver.Terminate(ctx, sessionID); err != nil {
					o.logger.Printf("cancel: terminating session %s: %v", sessionID, err)
				}
			}
			updated, err := o.store.ApplyTransition(id, domain.StatusRunning, domain.StatusCancelled,
				taskstore.TransitionFields{CompletedAt: &now})
			o.releaseSlot(id)
			if err == nil {
				o.logger.Printf("cancel: task %d cancelled", id)
				o.emit(updated)
				return updated, nil
			}
			continue

		default:
			// Already terminal
			return nil, taskstore.ErrConflict
		}
	}
	return nil, taskstore.ErrConflict
}

func (o *Orchestrator) notifyOutcome(task *domain.Task) {
	if o.notifier == nil {
		return
	}
	var n notify.Notification
	switch task.Status {
	case domain.StatusCompleted:
		n = notify.ReviewCompleted(task)
	case domain.StatusFailed:
		n = notify.ReviewFailed(task)
	default:
		return
	}
	if err := o.notifier.Send(n); err != nil {
		o.logger.Printf("notify: %v", err)
	}
}
