package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/claudia-review/internal/domain"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(m.refreshCmd(), tickCmd())

	case tasksLoadedMsg:
		if msg.err != nil {
			m.status = "refresh failed: " + msg.err.Error()
			return m, nil
		}
		m.tasks = msg.tasks
		m.active = msg.active
		m.max = msg.max
		m.lastRefresh = time.Now()
		m.clampSelection()

	case actionDoneMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("%s #%d failed: %v", msg.verb, msg.id, msg.err)
		} else {
			m.status = fmt.Sprintf("%s #%d", msg.verb, msg.id)
		}
		return m, m.refreshCmd()
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "r":
		return m, m.refreshCmd()

	case "j", "down":
		m.selected++
		m.clampSelection()

	case "k", "up":
		if m.selected > 0 {
			m.selected--
		}
		if m.selected < m.scroll {
			m.scroll = m.selected
		}

	case "tab":
		m.tab = (m.tab + 1) % tabCount
		m.selected = 0
		m.scroll = 0

	case "s":
		if t := m.selectedTask(); t != nil && t.Admissible() {
			return m, m.actionCmd("started", t.ID, func(ctx context.Context, id int64) error {
				_, err := m.ctrl.StartReview(ctx, id)
				return err
			})
		}

	case "c":
		if t := m.selectedTask(); t != nil && !t.Status.IsTerminal() {
			return m, m.actionCmd("cancelled", t.ID, func(ctx context.Context, id int64) error {
				_, err := m.ctrl.Cancel(ctx, id)
				return err
			})
		}

	case "d":
		if t := m.selectedTask(); t != nil && t.Status != domain.StatusRunning {
			return m, m.actionCmd("deleted", t.ID, m.ctrl.Delete)
		}
	}

	return m, nil
}

func (m *Model) clampSelection() {
	visible := len(m.visibleTasks())
	if m.selected >= visible {
		m.selected = visible - 1
	}
	if m.selected < 0 {
		m.selected = 0
	}
	if rows := m.visibleRows(); m.selected >= m.scroll+rows {
		m.scroll = m.selected - rows + 1
	}
}

// visibleRows is how many task rows fit under the chrome
func (m Model) visibleRows() int {
	rows := m.height - 7
	if rows < 5 {
		rows = 5
	}
	return rows
}

func (m Model) actionCmd(verb string, id int64, fn func(context.Context, int64) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return actionDoneMsg{verb: verb, id: id, err: fn(ctx, id)}
	}
}
