package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/harshul/octo/internal/orchestrator"
	"github.com/harshul/octo/internal/registry"
)

const topLogLines = 8

// StatusFunc fetches the state shown by the top view.
type StatusFunc func(ctx context.Context) (orchestrator.GlobalStatus, error)

// TopOptions are the optional data sources of the top view.
type TopOptions struct {
	Interval time.Duration
	// LogPath locates a project's log file for the detail pane.
	LogPath func(project string) string
	// Temperature reports the CPU temperature, or -1.
	Temperature func() float64
}

// TopModel is a live, read-only view of every project.
type TopModel struct {
	fetch StatusFunc
	opts  TopOptions

	status   orchestrator.GlobalStatus
	temp     float64
	err      error
	loaded   bool
	selected int
	expanded bool
	showHelp bool
	width    int
	quitting bool

	keys   keyMap
	styles *Styles
}

// keyMap defines the key bindings for the top view
type keyMap struct {
	Up      key.Binding
	Down    key.Binding
	Enter   key.Binding
	Refresh key.Binding
	Help    key.Binding
	Quit    key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "down"),
		),
		Enter: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "details"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "refresh"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c", "esc"),
			key.WithHelp("q", "quit"),
		),
	}
}

type tickMsg time.Time

type statusMsg struct {
	status orchestrator.GlobalStatus
	temp   float64
	err    error
}

// NewTop creates the top view.
func NewTop(fetch StatusFunc, opts TopOptions) *TopModel {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	return &TopModel{
		fetch:  fetch,
		opts:   opts,
		temp:   -1,
		width:  80,
		keys:   defaultKeyMap(),
		styles: DefaultStyles(),
	}
}

// RunTop runs the top view until the user quits.
func RunTop(fetch StatusFunc, opts TopOptions) error {
	_, err := tea.NewProgram(NewTop(fetch, opts), tea.WithAltScreen()).Run()
	return err
}

// Init implements tea.Model
func (m *TopModel) Init() tea.Cmd {
	return tea.Batch(m.refresh(), m.tick())
}

func (m *TopModel) tick() tea.Cmd {
	return tea.Tick(m.opts.Interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *TopModel) refresh() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		status, err := m.fetch(ctx)
		temp := -1.0
		if m.opts.Temperature != nil {
			temp = m.opts.Temperature()
		}
		return statusMsg{status: status, temp: temp, err: err}
	}
}

// Update implements tea.Model
func (m *TopModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.Up):
			if m.selected > 0 {
				m.selected--
			}
		case key.Matches(msg, m.keys.Down):
			if m.selected < len(m.status.Projects)-1 {
				m.selected++
			}
		case key.Matches(msg, m.keys.Enter):
			m.expanded = !m.expanded
		case key.Matches(msg, m.keys.Help):
			m.showHelp = !m.showHelp
		case key.Matches(msg, m.keys.Refresh):
			return m, m.refresh()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tickMsg:
		return m, tea.Batch(m.refresh(), m.tick())

	case statusMsg:
		m.loaded = true
		m.err = msg.err
		if msg.err == nil {
			m.status = msg.status
			m.temp = msg.temp
		}
		if m.selected >= len(m.status.Projects) {
			m.selected = max(len(m.status.Projects)-1, 0)
		}
	}
	return m, nil
}

// View implements tea.Model
func (m *TopModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.styles.Header.Render(fmt.Sprintf("🐙 Octo top  %d/%d running  %d port(s) reserved",
		m.status.Running, len(m.status.Projects), m.status.ReservedPorts)))
	b.WriteString("\n")

	if !m.loaded {
		b.WriteString(m.styles.Dim.Render("sampling..."))
		return m.styles.App.Render(b.String())
	}
	if m.err != nil {
		b.WriteString(m.styles.StatusError.Render("❌ " + m.err.Error()))
		b.WriteString("\n")
	}

	b.WriteString(m.styles.hostMonitor(m.status.Host, m.temp, m.barWidth()))
	b.WriteString("\n\n")

	if len(m.status.Projects) == 0 {
		b.WriteString("No projects registered.\n")
	}
	for i, p := range m.status.Projects {
		row := fmt.Sprintf("%-20s %-10s %6.1f%% %9.1f MB  %-8s %s",
			truncate(p.Name, 20), p.State, p.CPUPercent, p.MemoryMB, FormatDuration(p.Uptime), registry.FormatPortSpec(p.Ports))
		switch {
		case i == m.selected:
			b.WriteString(m.styles.RowSelected.Render(row))
		case p.State == orchestrator.StateRunning:
			b.WriteString(m.styles.Row.Inherit(m.styles.StatusRunning).Render(row))
		default:
			b.WriteString(m.styles.Row.Inherit(m.styles.StatusStopped).Render(row))
		}
		b.WriteString("\n")
	}

	if m.expanded && m.selected < len(m.status.Projects) {
		b.WriteString(m.details(m.status.Projects[m.selected]))
	}

	b.WriteString(m.footer())
	return m.styles.App.Render(b.String())
}

func (m *TopModel) barWidth() int {
	return min(max(m.width/3, 10), 40)
}

func (m *TopModel) details(p orchestrator.ProjectSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  status: %s\n", m.styles.Title.Render(p.Name), p.Status)
	fmt.Fprintf(&b, "pids: %s  depends on: %s\n", orDash(joinInts(p.PIDs)), orNone(p.DependsOn))
	if p.Error != "" {
		b.WriteString(m.styles.StatusError.Render(p.Error) + "\n")
	}

	if m.opts.LogPath != nil {
		lines, err := TailLog(m.opts.LogPath(p.Name), topLogLines)
		if err == nil && len(lines) > 0 {
			if url := DetectURL(lines); url != "" {
				b.WriteString(m.styles.StatusSuccess.Render("➜ "+url) + "\n")
			}
			for _, line := range lines {
				b.WriteString(m.styles.Dim.Render(truncate(line, max(m.width-8, 20))) + "\n")
			}
		}
	}
	return m.styles.MonitorBox.Render(strings.TrimRight(b.String(), "\n")) + "\n"
}

func (m *TopModel) footer() string {
	bindings := []key.Binding{m.keys.Up, m.keys.Down, m.keys.Enter, m.keys.Refresh, m.keys.Help, m.keys.Quit}
	if !m.showHelp {
		bindings = []key.Binding{m.keys.Enter, m.keys.Help, m.keys.Quit}
	}

	parts := make([]string, 0, len(bindings))
	for _, kb := range bindings {
		h := kb.Help()
		parts = append(parts, m.styles.HelpKey.Render(h.Key)+" "+m.styles.HelpDesc.Render(h.Desc))
	}
	sampled := ""
	if !m.status.SampledAt.IsZero() {
		sampled = "  sampled " + m.status.SampledAt.Format("15:04:05")
	}
	return m.styles.Footer.Render(strings.Join(parts, "  ") + sampled)
}
