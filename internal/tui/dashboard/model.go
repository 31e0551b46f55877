// Package dashboard provides the live coordination dashboard.
package dashboard

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/drewfead/relay/internal/client"
	"github.com/drewfead/relay/internal/state"
	"github.com/drewfead/relay/internal/trigger"
	"github.com/drewfead/relay/internal/tui"
)

const refreshInterval = 2 * time.Second

type refreshMsg struct {
	agents   []client.AgentView
	triggers []trigger.Trigger
	err      error
}

type tickMsg time.Time

// Model is the dashboard model.
type Model struct {
	client *client.Client

	agents   table.Model
	triggers table.Model
	spinner  spinner.Model

	focusTriggers bool
	lastUpdate    time.Time
	loaded        bool
	err           error

	width  int
	height int
}

// New creates the dashboard backed by the daemon client.
func New(c *client.Client) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(tui.ColorAccent)

	agents := table.New(
		table.WithColumns([]table.Column{
			{Title: "AGENT", Width: 18},
			{Title: "ROLE", Width: 12},
			{Title: "STATUS", Width: 10},
			{Title: "TASK", Width: 34},
		}),
		table.WithFocused(true),
	)
	triggers := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 14},
			{Title: "AGENT", Width: 18},
			{Title: "STATUS", Width: 12},
			{Title: "INSTRUCTION", Width: 34},
		}),
	)

	styleTable(&agents)
	styleTable(&triggers)

	return Model{client: c, agents: agents, triggers: triggers, spinner: sp}
}

func styleTable(t *table.Model) {
	s := table.DefaultStyles()
	s.Header = s.Header.Foreground(tui.ColorFgMuted).Bold(true)
	s.Selected = s.Selected.Foreground(tui.ColorBg).Background(tui.ColorAccent)
	t.SetStyles(s)
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.refresh(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) refresh() tea.Cmd {
	c := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		agents, err := c.Agents(ctx)
		if err != nil {
			return refreshMsg{err: err}
		}
		triggers, err := c.Triggers(ctx, "")
		if err != nil {
			return refreshMsg{err: err}
		}
		return refreshMsg{agents: agents, triggers: triggers}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab":
			m.focusTriggers = !m.focusTriggers
			if m.focusTriggers {
				m.agents.Blur()
				m.triggers.Focus()
			} else {
				m.triggers.Blur()
				m.agents.Focus()
			}
			return m, nil
		case "r":
			return m, m.refresh()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		tableHeight := (msg.Height - 8) / 2
		if tableHeight < 3 {
			tableHeight = 3
		}
		m.agents.SetHeight(tableHeight)
		m.triggers.SetHeight(tableHeight)
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.refresh(), tick())

	case refreshMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.loaded = true
		m.lastUpdate = time.Now()
		m.agents.SetRows(agentRows(msg.agents))
		m.triggers.SetRows(triggerRows(msg.triggers))
		return m, nil
	}

	var cmd tea.Cmd
	if m.focusTriggers {
		m.triggers, cmd = m.triggers.Update(msg)
	} else {
		m.agents, cmd = m.agents.Update(msg)
	}

	var spinCmd tea.Cmd
	m.spinner, spinCmd = m.spinner.Update(msg)
	return m, tea.Batch(cmd, spinCmd)
}

func agentRows(agents []client.AgentView) []table.Row {
	rows := make([]table.Row, 0, len(agents))
	for _, a := range agents {
		task := ""
		for _, t := range a.Tasks {
			if t.Status == state.TaskInProgress {
				task = t.Title
				break
			}
		}
		rows = append(rows, table.Row{a.Name, a.Role, a.Status, task})
	}
	return rows
}

func triggerRows(triggers []trigger.Trigger) []table.Row {
	rows := make([]table.Row, 0, len(triggers))
	// Newest first.
	for i := len(triggers) - 1; i >= 0; i-- {
		t := triggers[i]
		rows = append(rows, table.Row{
			fmt.Sprintf("%d", t.ID), t.Agent, t.Status, truncate(t.Instruction, 34),
		})
	}
	return rows
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}

func (m Model) View() string {
	title := tui.StyleTitle.Render("relay")

	status := ""
	switch {
	case m.err != nil:
		status = tui.StyleError.Render("daemon unreachable: " + m.err.Error())
	case !m.loaded:
		status = m.spinner.View() + " connecting..."
	default:
		status = tui.StyleMuted.Render("updated " + m.lastUpdate.Format("15:04:05"))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		title,
		tui.StyleHeader.Render("AGENTS"),
		m.agents.View(),
		"",
		tui.StyleHeader.Render("TRIGGERS"),
		m.triggers.View(),
		"",
		status,
		tui.StyleMuted.Render("tab: switch  r: refresh  q: quit"),
	)
}
