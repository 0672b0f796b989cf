// Package maintenance prunes aged-out terminal tasks and stale session state.
package maintenance

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/claudia-review/internal/taskstore"
)

// StatePruner removes on-disk session state, keeping the named sessions
type StatePruner interface {
	PruneState(keep map[string]bool) (int, error)
}

// Sweeper runs the retention sweep on a cron schedule
type Sweeper struct {
	store     *taskstore.Store
	pruner    StatePruner
	retention time.Duration
	parser    cron.Parser
	cronExpr  string
	logger    *log.Logger

	mu      sync.Mutex
	lastRun time.Time
	running bool
}

// New creates a sweeper. retentionDays bounds how long finished tasks are
// kept; cronExpr is a standard five-field cron expression.
func New(store *taskstore.Store, pruner StatePruner, retentionDays int, cronExpr string, logger *log.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = log.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(cronExpr); err != nil {
		return nil, err
	}
	return &Sweeper{
		store:     store,
		pruner:    pruner,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		parser:    parser,
		cronExpr:  cronExpr,
		logger:    logger,
	}, nil
}

// NextRun returns the next scheduled sweep time
func (s *Sweeper) NextRun() time.Time {
	sched, err := s.parser.Parse(s.cronExpr)
	if err != nil {
		return time.Time{}
	}
	s.mu.Lock()
	last := s.lastRun
	s.mu.Unlock()
	if last.IsZero() {
		last = time.Now()
	}
	return sched.Next(last)
}

// Run ticks once a minute and sweeps when the schedule is due. It returns
// when the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.shouldRun() {
				continue
			}
			s.markRunning(true)
			if err := s.Sweep(ctx); err != nil {
				s.logger.Printf("maintenance: sweep failed: %v", err)
			}
			s.markRunning(false)
		}
	}
}

func (s *Sweeper) shouldRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return false
	}

	sched, err := s.parser.Parse(s.cronExpr)
	if err != nil {
		return false
	}

	last := s.lastRun
	if last.IsZero() {
		last = time.Now().Add(-24 * time.Hour)
	}
	return time.Now().After(sched.Next(last))
}

func (s *Sweeper) markRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
	if !running {
		s.lastRun = time.Now()
	}
}

// Sweep deletes terminal tasks past retention and prunes session state dirs
// that no live task references anymore.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-s.retention)
	pruned, err := s.store.PruneTerminalBefore(cutoff)
	if err != nil {
		return err
	}
	if pruned > 0 {
		s.logger.Printf("maintenance: pruned %d finished tasks older than %s", pruned, cutoff.Format(time.RFC3339))
	}

	if s.pruner == nil {
		return nil
	}

	tasks, err := s.store.List(taskstore.ListOptions{})
	if err != nil {
		return err
	}
	keep := make(map[string]bool)
	for _, t := range tasks {
		if t.SessionID != "" {
			keep[t.SessionID] = true
		}
	}

	removed, err := s.pruner.PruneState(keep)
	if err != nil {
		return err
	}
	if removed > 0 {
		s.logger.Printf("maintenance: removed %d stale session state dirs", removed)
	}
	return nil
}
