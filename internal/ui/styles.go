package ui

import "github.com/charmbracelet/lipgloss"

var (
	subtle     = lipgloss.AdaptiveColor{Light: "#666", Dark: "#999"}
	highlight  = lipgloss.AdaptiveColor{Light: "#7D56F4", Dark: "#AD8EE6"}
	success    = lipgloss.AdaptiveColor{Light: "#00AA00", Dark: "#00FF00"}
	warning    = lipgloss.AdaptiveColor{Light: "#AAAA00", Dark: "#FFFF00"}
	errorColor = lipgloss.AdaptiveColor{Light: "#AA0000", Dark: "#FF0000"}
	info       = lipgloss.AdaptiveColor{Light: "#0066CC", Dark: "#00AAFF"}
)

// Styles holds the lipgloss styles shared by the printer and the top view.
type Styles struct {
	App    lipgloss.Style
	Header lipgloss.Style
	Footer lipgloss.Style
	Title  lipgloss.Style
	Dim    lipgloss.Style

	Row         lipgloss.Style
	RowSelected lipgloss.Style

	StatusRunning lipgloss.Style
	StatusStopped lipgloss.Style
	StatusSuccess lipgloss.Style
	StatusError   lipgloss.Style
	StatusWarn    lipgloss.Style

	MonitorBox    lipgloss.Style
	ProgressFill  lipgloss.Style
	ProgressEmpty lipgloss.Style

	HelpKey  lipgloss.Style
	HelpDesc lipgloss.Style
}

// DefaultStyles returns the default color scheme.
func DefaultStyles() *Styles {
	return &Styles{
		App: lipgloss.NewStyle().
			Padding(1, 2),

		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(highlight).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(subtle).
			MarginBottom(1).
			Padding(0, 1),

		Footer: lipgloss.NewStyle().
			Foreground(subtle).
			BorderStyle(lipgloss.NormalBorder()).
			BorderTop(true).
			BorderForeground(subtle).
			MarginTop(1).
			Padding(0, 1),

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(highlight),

		Dim: lipgloss.NewStyle().
			Foreground(subtle),

		Row: lipgloss.NewStyle().
			Padding(0, 1),

		RowSelected: lipgloss.NewStyle().
			Padding(0, 1).
			Background(lipgloss.AdaptiveColor{Light: "#E0E0E0", Dark: "#333333"}).
			Bold(true),

		StatusRunning: lipgloss.NewStyle().
			Foreground(info).
			Bold(true),

		StatusStopped: lipgloss.NewStyle().
			Foreground(subtle),

		StatusSuccess: lipgloss.NewStyle().
			Foreground(success),

		StatusError: lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true),

		StatusWarn: lipgloss.NewStyle().
			Foreground(warning),

		MonitorBox: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(subtle).
			Padding(0, 1).
			MarginTop(1),

		ProgressFill: lipgloss.NewStyle().
			Foreground(success),

		ProgressEmpty: lipgloss.NewStyle().
			Foreground(subtle),

		HelpKey: lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true),

		HelpDesc: lipgloss.NewStyle().
			Foreground(subtle),
	}
}
