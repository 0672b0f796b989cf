package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/claudia-review/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	tabStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")).
			Padding(0, 1)

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	selectedRowStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("230")).
				Background(lipgloss.Color("238"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	statusStyles = map[domain.ReviewStatus]lipgloss.Style{
		domain.StatusPending:   lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		domain.StatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		domain.StatusCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		domain.StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		domain.StatusCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
	}
)

var tabNames = map[Tab]string{
	TabAll:     "All",
	TabPending: "Pending",
	TabRunning: "Running",
	TabDone:    "Done",
}

// View renders the full screen
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.renderTabs())
	b.WriteString("\n\n")
	b.WriteString(m.renderTasks())
	b.WriteString("\n")
	b.WriteString(m.renderFooter())

	return b.String()
}

func (m Model) renderHeader() string {
	title := titleStyle.Render("Claudia Review")
	slots := fmt.Sprintf(" sessions %d/%d", m.active, m.max)
	if !m.lastRefresh.IsZero() {
		slots += "  refreshed " + humanize.Time(m.lastRefresh)
	}
	return title + helpStyle.Render(slots)
}

func (m Model) renderTabs() string {
	var parts []string
	for tab := TabAll; tab < tabCount; tab++ {
		style := tabStyle
		if tab == m.tab {
			style = activeTabStyle
		}
		parts = append(parts, style.Render(tabNames[tab]))
	}
	return strings.Join(parts, " ")
}

func (m Model) renderTasks() string {
	visible := m.visibleTasks()
	if len(visible) == 0 {
		return helpStyle.Render("  no tasks")
	}

	rows := m.visibleRows()
	end := m.scroll + rows
	if end > len(visible) {
		end = len(visible)
	}

	var b strings.Builder
	for i := m.scroll; i < end; i++ {
		line := m.renderTaskRow(visible[i])
		if i == m.selected {
			line = selectedRowStyle.Render("> " + line)
		} else {
			line = "  " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if end < len(visible) {
		b.WriteString(helpStyle.Render(fmt.Sprintf("  … %d more", len(visible)-end)))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderTaskRow(t *domain.Task) string {
	status := statusStyles[t.Status].Render(fmt.Sprintf("%-9s", t.Status))

	pr := "(no pull request)"
	if t.PR != nil {
		pr = t.PR.String()
	}

	detail := humanize.Time(t.CreatedAt)
	switch {
	case t.Status == domain.StatusRunning && t.StartedAt != nil:
		detail = "up " + time.Since(*t.StartedAt).Round(time.Second).String()
	case t.Status == domain.StatusFailed && t.ErrorMessage != "":
		detail = t.ErrorMessage
	case t.Status.IsTerminal() && t.Duration() > 0:
		detail = "took " + t.Duration().Round(time.Second).String()
	}

	author := t.AuthorName
	if author == "" {
		author = "-"
	}

	return fmt.Sprintf("#%-4d %s %-32s %-14s %s", t.ID, status, truncate(pr, 32), truncate(author, 14), detail)
}

func (m Model) renderFooter() string {
	help := "tab: switch  j/k: move  s: start  c: cancel  d: delete  r: refresh  q: quit"
	out := helpStyle.Render(help)
	if m.status != "" {
		out += "\n" + helpStyle.Render(m.status)
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 1 {
		return s[:max]
	}
	return s[:max-1] + "…"
}
