package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/hochfrequenz/claudia-review/internal/domain"
	"github.com/hochfrequenz/claudia-review/internal/session"
	"github.com/hochfrequenz/claudia-review/internal/taskstore"
)

// AdmitPending promotes pending tasks to running, oldest first, up to the
// session cap. Returns the number of tasks admitted this tick.
func (o *Orchestrator) AdmitPending(ctx context.Context) int {
	o.mu.Lock()
	available := o.maxParallel - len(o.ledger)
	o.mu.Unlock()
	if available <= 0 {
		return 0
	}

	pending, err := o.store.List(taskstore.ListOptions{Status: domain.StatusPending})
	if err != nil {
		o.logger.Printf("admission: listing pending tasks: %v", err)
		return 0
	}

	admitted := 0
	for _, task := range pending {
		if admitted >= available {
			break
		}
		if task.PR == nil {
			// Never admissible without a resolved pull request
			continue
		}
		if o.admit(ctx, task) {
			admitted++
		}
	}
	return admitted
}

// StartReview admits one specific task immediately, outside the periodic
// tick. Returns ErrNoCapacity when all slots are taken; the task then simply
// stays pending.
func (o *Orchestrator) StartReview(ctx context.Context, id int64) (*domain.Task, error) {
	task, err := o.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !task.Admissible() {
		if task.PR == nil {
			return nil, errors.New("task has no resolved pull request")
		}
		return nil, taskstore.ErrConflict
	}

	o.mu.Lock()
	full := len(o.ledger) >= o.maxParallel
	o.mu.Unlock()
	if full {
		return nil, ErrNoCapacity
	}

	if !o.admit(ctx, task) {
		// Either a concurrent actor raced us or the session failed to start;
		// the store has the authoritative outcome.
		return o.store.Get(id)
	}
	return o.store.Get(id)
}

// admit reserves a ledger slot, CASes the task to running and starts its
// session. The driver call happens outside the ledger lock; a start failure
// fails the task and releases the slot so admission never leaves a task
// stuck in running without a session.
func (o *Orchestrator) admit(ctx context.Context, task *domain.Task) bool {
	o.mu.Lock()
	if len(o.ledger) >= o.maxParallel {
		o.mu.Unlock()
		return false
	}
	if _, held := o.ledger[task.ID]; held {
		o.mu.Unlock()
		return false
	}
	o.ledger[task.ID] = ""
	o.mu.Unlock()

	now := time.Now()
	running, err := o.store.ApplyTransition(task.ID, domain.StatusPending, domain.StatusRunning,
		taskstore.TransitionFields{StartedAt: &now})
	if err != nil {
		// Lost the race (e.g. a concurrent cancel): skip without consuming
		// the slot
		o.releaseSlot(task.ID)
		if !errors.Is(err, taskstore.ErrConflict) && !errors.Is(err, taskstore.ErrNotFound) {
			o.logger.Printf("admission: task %d: %v", task.ID, err)
		}
		return false
	}
	o.emit(running)

	sessionID, err := o.driver.Start(ctx, session.StartRequest{
		TaskID: task.ID,
		PR:     *task.PR,
		Prompt: o.prompt(*task.PR),
	})
	if err != nil {
		o.failStart(task.ID, err)
		return false
	}

	o.mu.Lock()
	o.ledger[task.ID] = sessionID
	o.mu.Unlock()

	if err := o.store.SetSessionID(task.ID, sessionID); err != nil {
		// A concurrent cancel won while the session was starting; the local
		// cancel is authoritative, so tear the fresh session down again.
		o.driver.Terminate(ctx, sessionID)
		o.releaseSlot(task.ID)
		return false
	}

	o.logger.Printf("admission: task %d running in session %s (%s)", task.ID, sessionID, task.PR)
	return true
}

func (o *Orchestrator) failStart(id int64, startErr error) {
	now := time.Now()
	msg := startErr.Error()
	failed, err := o.store.ApplyTransition(id, domain.StatusRunning, domain.StatusFailed,
		taskstore.TransitionFields{CompletedAt: &now, ErrorMessage: &msg})
	o.releaseSlot(id)
	if err != nil {
		o.logger.Printf("admission: recording start failure for task %d: %v", id, err)
		return
	}
	o.logger.Printf("admission: task %d failed to start: %v", id, startErr)
	o.emit(failed)
	o.notifyOutcome(failed)
}
