package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/harshul/octo/internal/monitor"
)

// FormatBytes formats bytes into a human-readable string
func FormatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// FormatDuration renders an uptime as "3d4h", "2h5m", "4m10s" or "12s".
// Zero renders as "-".
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	d = d.Round(time.Second)

	days := int(d / (24 * time.Hour))
	hours := int(d/time.Hour) % 24
	minutes := int(d/time.Minute) % 60
	seconds := int(d/time.Second) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd%dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh%dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// progressBar renders label and a bar filled to percent (0-100).
func (s *Styles) progressBar(label string, percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int(percent / 100 * float64(width))

	bar := s.ProgressFill.Render(strings.Repeat("█", filled)) +
		s.ProgressEmpty.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%-6s %s %5.1f%%", label, bar, percent)
}

// hostMonitor renders the host gauges box.
func (s *Styles) hostMonitor(h monitor.HostStats, temp float64, width int) string {
	var b strings.Builder
	b.WriteString(s.progressBar("CPU", h.CPUPercent, width))
	b.WriteString("\n")
	b.WriteString(s.progressBar("Memory", h.MemoryPercent, width))
	b.WriteString(s.Dim.Render(fmt.Sprintf("  %s / %s", FormatBytes(h.MemoryUsed), FormatBytes(h.MemoryTotal))))
	if temp > 0 {
		b.WriteString("\n")
		line := fmt.Sprintf("🌡️ %.0f°C", temp)
		if temp > 70 {
			b.WriteString(s.StatusWarn.Render(line))
		} else {
			b.WriteString(s.Dim.Render(line))
		}
	}
	return s.MonitorBox.Render(b.String())
}
