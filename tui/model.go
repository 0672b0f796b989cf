// Package tui renders the review queue in the terminal.
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/claudia-review/internal/domain"
	"github.com/hochfrequenz/claudia-review/internal/taskstore"
)

// Controller is the subset of the orchestrator the TUI drives
type Controller interface {
	StartReview(ctx context.Context, id int64) (*domain.Task, error)
	Cancel(ctx context.Context, id int64) (*domain.Task, error)
	Delete(ctx context.Context, id int64) error
	ActiveCount() int
	MaxParallel() int
}

// Tab selects which tasks are shown
type Tab int

const (
	TabAll Tab = iota
	TabPending
	TabRunning
	TabDone

	tabCount
)

// Model is the TUI application model
type Model struct {
	store *taskstore.Store
	ctrl  Controller

	tasks  []*domain.Task
	active int
	max    int

	width    int
	height   int
	tab      Tab
	selected int
	scroll   int

	status      string
	lastRefresh time.Time
}

// NewModel creates a TUI model backed by the given store and controller
func NewModel(store *taskstore.Store, ctrl Controller) Model {
	return Model{
		store: store,
		ctrl:  ctrl,
		max:   ctrl.MaxParallel(),
	}
}

// Init starts the refresh cycle
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), tickCmd())
}

// TickMsg triggers a periodic refresh
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// tasksLoadedMsg carries the result of a refresh
type tasksLoadedMsg struct {
	tasks  []*domain.Task
	active int
	max    int
	err    error
}

// actionDoneMsg reports a start, cancel or delete outcome
type actionDoneMsg struct {
	verb string
	id   int64
	err  error
}

func (m Model) refreshCmd() tea.Cmd {
	store, ctrl := m.store, m.ctrl
	return func() tea.Msg {
		tasks, err := store.List(taskstore.ListOptions{})
		return tasksLoadedMsg{
			tasks:  tasks,
			active: ctrl.ActiveCount(),
			max:    ctrl.MaxParallel(),
			err:    err,
		}
	}
}

// visibleTasks returns the tasks shown on the current tab
func (m Model) visibleTasks() []*domain.Task {
	if m.tab == TabAll {
		return m.tasks
	}
	var out []*domain.Task
	for _, t := range m.tasks {
		switch m.tab {
		case TabPending:
			if t.Status == domain.StatusPending {
				out = append(out, t)
			}
		case TabRunning:
			if t.Status == domain.StatusRunning {
				out = append(out, t)
			}
		case TabDone:
			if t.Status.IsTerminal() {
				out = append(out, t)
			}
		}
	}
	return out
}

func (m Model) selectedTask() *domain.Task {
	visible := m.visibleTasks()
	if m.selected < 0 || m.selected >= len(visible) {
		return nil
	}
	return visible[m.selected]
}
