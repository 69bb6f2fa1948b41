package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/harshul/octo/internal/config"
	"github.com/harshul/octo/internal/doctor"
	"github.com/harshul/octo/internal/orchestrator"
	"github.com/harshul/octo/internal/ports"
	"github.com/harshul/octo/internal/registry"
)

// Format selects how command output is written.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat accepts "", "default", "text" and "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "default", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("invalid output format '%s' (valid: default, json)", s)
}

// Printer writes command results as styled text or as JSON.
type Printer struct {
	out    io.Writer
	format Format
	styles *Styles
}

// NewPrinter creates a Printer.
func NewPrinter(out io.Writer, format Format) *Printer {
	return &Printer{out: out, format: format, styles: DefaultStyles()}
}

// JSON reports whether the printer emits JSON.
func (p *Printer) JSON() bool { return p.format == FormatJSON }

func (p *Printer) emit(v any, text func(b *strings.Builder)) error {
	if p.JSON() {
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	var b strings.Builder
	text(&b)
	_, err := io.WriteString(p.out, b.String())
	return err
}

func (p *Printer) line(icon string, style lipgloss.Style, msg string) {
	if p.JSON() {
		return
	}
	fmt.Fprintln(p.out, style.Render(icon+" "+msg))
}

// Success prints a success line. JSON output skips it.
func (p *Printer) Success(msg string) { p.line("✅", p.styles.StatusSuccess, msg) }

// Info prints an informational line. JSON output skips it.
func (p *Printer) Info(msg string) { p.line("ℹ️", p.styles.Dim, msg) }

// Warn prints a warning line. JSON output skips it.
func (p *Printer) Warn(msg string) { p.line("⚠️", p.styles.StatusWarn, msg) }

func (p *Printer) table(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(p.styles.Dim).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.styles.Title.Padding(0, 1)
			}
			return p.styles.Row
		}).
		Headers(headers...).
		Rows(rows...)
	return t.String() + "\n"
}

// Results prints per-project operation results.
func (p *Printer) Results(results []orchestrator.Result) error {
	return p.emit(results, func(b *strings.Builder) {
		for _, r := range results {
			icon, style := p.outcome(r)
			fmt.Fprintf(b, "%s %s %s", icon, p.styles.Title.Render(r.Project), style.Render(string(r.Outcome)))
			if r.Message != "" && r.Message != string(r.Outcome) {
				b.WriteString(p.styles.Dim.Render(": " + r.Message))
			}
			b.WriteString("\n")
			if len(r.Ports) > 0 {
				fmt.Fprintf(b, "   ports: %s\n", registry.FormatPortSpec(r.Ports))
			}
			if r.Command != "" && r.Outcome == orchestrator.OutcomeDryRun {
				fmt.Fprintf(b, "   command: %s\n", r.Command)
			}
			for _, note := range r.Notes {
				fmt.Fprintf(b, "   • %s\n", note)
			}
		}
	})
}

func (p *Printer) outcome(r orchestrator.Result) (string, lipgloss.Style) {
	switch {
	case r.Outcome == orchestrator.OutcomeTimeout:
		return "⏱️", p.styles.StatusWarn
	case r.Outcome == orchestrator.OutcomeSkipped:
		return "⏭️", p.styles.StatusWarn
	case r.Outcome == orchestrator.OutcomeDryRun:
		if r.Success {
			return "🔍", p.styles.Dim
		}
		return "🔍", p.styles.StatusWarn
	case r.Success:
		return "✅", p.styles.StatusSuccess
	}
	return "❌", p.styles.StatusError
}

// Status prints the dashboard view.
func (p *Printer) Status(s orchestrator.GlobalStatus) error {
	return p.emit(s, func(b *strings.Builder) {
		b.WriteString(p.styles.Title.Render("🐙 Octo"))
		b.WriteString(p.styles.Dim.Render(fmt.Sprintf("  %d/%d running  %d port(s) reserved", s.Running, len(s.Projects), s.ReservedPorts)))
		b.WriteString("\n")
		b.WriteString(p.styles.Dim.Render(fmt.Sprintf("CPU %.0f%%  Memory %s / %s (%.0f%%)  %s",
			s.Host.CPUPercent, FormatBytes(s.Host.MemoryUsed), FormatBytes(s.Host.MemoryTotal), s.Host.MemoryPercent, hardwareLine(s))))
		b.WriteString("\n")

		if len(s.Projects) == 0 {
			b.WriteString("No projects registered. Add one with 'octo project add'.\n")
			return
		}
		rows := make([][]string, 0, len(s.Projects))
		for _, proj := range s.Projects {
			rows = append(rows, []string{
				proj.Name,
				p.state(proj.State),
				string(proj.Status),
				joinInts(proj.PIDs),
				fmt.Sprintf("%.1f%%", proj.CPUPercent),
				fmt.Sprintf("%.1f MB", proj.MemoryMB),
				FormatDuration(proj.Uptime),
				registry.FormatPortSpec(proj.Ports),
				strings.Join(proj.DependsOn, ","),
			})
		}
		b.WriteString(p.table([]string{"PROJECT", "STATE", "STATUS", "PIDS", "CPU", "MEMORY", "UPTIME", "PORTS", "DEPENDS ON"}, rows))
	})
}

func (p *Printer) state(state string) string {
	if state == orchestrator.StateRunning {
		return p.styles.StatusRunning.Render("● " + state)
	}
	return p.styles.StatusStopped.Render("○ " + state)
}

// Graph prints the dependency graph in start order when there is one.
func (p *Printer) Graph(v orchestrator.GraphView) error {
	return p.emit(v, func(b *strings.Builder) {
		if len(v.Nodes) == 0 {
			b.WriteString("No projects registered.\n")
			return
		}
		for _, n := range v.Nodes {
			fmt.Fprintf(b, "%s %s", p.state(n.Status), p.styles.Title.Render(n.Name))
			if len(n.Dependencies) > 0 {
				fmt.Fprintf(b, " → %s", strings.Join(n.Dependencies, ", "))
			}
			b.WriteString("\n")
			if len(n.Missing) > 0 {
				b.WriteString(p.styles.StatusError.Render("   missing: "+strings.Join(n.Missing, ", ")) + "\n")
			}
			if len(n.Linked) > 0 {
				b.WriteString(p.styles.Dim.Render("   linked: "+strings.Join(n.Linked, ", ")) + "\n")
			}
		}
		b.WriteString("\n")
		if v.OrderError != "" {
			b.WriteString(p.styles.StatusError.Render("❌ "+v.OrderError) + "\n")
			return
		}
		fmt.Fprintf(b, "Start order: %s\n", strings.Join(v.StartOrder, " → "))
	})
}

// Dependencies prints one project's dependencies and dependents.
func (p *Printer) Dependencies(r orchestrator.DependencyReport) error {
	return p.emit(r, func(b *strings.Builder) {
		b.WriteString(p.styles.Title.Render(r.Project) + "\n")
		fmt.Fprintf(b, "  depends on:       %s\n", orNone(r.Dependencies))
		fmt.Fprintf(b, "  all dependencies: %s\n", orNone(r.AllDependencies))
		fmt.Fprintf(b, "  dependents:       %s\n", orNone(r.Dependents))
		fmt.Fprintf(b, "  all dependents:   %s\n", orNone(r.AllDependents))
		if len(r.Missing) > 0 {
			b.WriteString(p.styles.StatusError.Render("  missing: "+strings.Join(r.Missing, ", ")) + "\n")
		}
		if r.OrderError != "" {
			b.WriteString(p.styles.StatusError.Render("  "+r.OrderError) + "\n")
		} else {
			fmt.Fprintf(b, "  start order:      %s\n", strings.Join(r.StartOrder, " → "))
		}
	})
}

// Conflicts prints detected port conflicts.
func (p *Printer) Conflicts(conflicts []ports.Conflict) error {
	if conflicts == nil {
		conflicts = []ports.Conflict{}
	}
	return p.emit(conflicts, func(b *strings.Builder) {
		if len(conflicts) == 0 {
			b.WriteString(p.styles.StatusSuccess.Render("✅ No port conflicts") + "\n")
			return
		}
		rows := make([][]string, 0, len(conflicts))
		for _, c := range conflicts {
			holder := c.Owner
			if c.Type == ports.ExternallyOccupied {
				holder = "external"
				if c.OccupantPID > 0 {
					holder = "PID " + strconv.Itoa(c.OccupantPID)
				}
			}
			rows = append(rows, []string{strconv.Itoa(c.Port), c.RequestedBy, c.Service, string(c.Type), holder, joinInts(c.Suggestions)})
		}
		b.WriteString(p.styles.StatusError.Render(fmt.Sprintf("❌ %d port conflict(s)", len(conflicts))) + "\n")
		b.WriteString(p.table([]string{"PORT", "PROJECT", "SERVICE", "CONFLICT", "HELD BY", "SUGGESTIONS"}, rows))
	})
}

// Resources prints one project's resource report.
func (p *Printer) Resources(r orchestrator.ResourceReport) error {
	return p.emit(r, func(b *strings.Builder) {
		fmt.Fprintf(b, "%s %s\n", p.styles.Title.Render(r.Project), p.state(r.Status))
		if r.Status != orchestrator.StateRunning {
			return
		}
		fmt.Fprintf(b, "  uptime: %s  cpu: %.1f%%  memory: %.1f MB  ports: %s\n",
			FormatDuration(r.Uptime), r.CPUPercent, r.MemoryMB, orNone(intStrings(r.Ports)))
		rows := make([][]string, 0, len(r.Processes))
		for _, proc := range r.Processes {
			rows = append(rows, []string{
				strconv.Itoa(proc.PID),
				fmt.Sprintf("%.1f%%", proc.CPUPercent),
				fmt.Sprintf("%.1f MB", proc.MemoryMB),
				proc.StartedAt.Local().Format(time.DateTime),
				truncate(proc.Command, 48),
			})
		}
		b.WriteString(p.table([]string{"PID", "CPU", "MEMORY", "STARTED", "COMMAND"}, rows))
	})
}

// Processes prints every live process.
func (p *Printer) Processes(procs []orchestrator.ProcessInfo) error {
	return p.emit(procs, func(b *strings.Builder) {
		if len(procs) == 0 {
			b.WriteString("No running projects.\n")
			return
		}
		rows := make([][]string, 0, len(procs))
		for _, proc := range procs {
			rows = append(rows, []string{
				proc.Project,
				strconv.Itoa(proc.PID),
				proc.StartedAt.Local().Format(time.DateTime),
				shortID(proc.RunID),
				truncate(proc.Command, 48),
			})
		}
		b.WriteString(p.table([]string{"PROJECT", "PID", "STARTED", "RUN", "COMMAND"}, rows))
	})
}

// Ports prints a project's configured and reserved ports.
func (p *Printer) Ports(r orchestrator.PortsReport) error {
	return p.emit(r, func(b *strings.Builder) {
		b.WriteString(p.styles.Title.Render(r.Project) + "\n")
		if len(r.Bindings) == 0 {
			b.WriteString("  no ports configured\n")
		} else {
			rows := make([][]string, 0, len(r.Bindings))
			for _, binding := range r.Bindings {
				rows = append(rows, []string{binding.Service, strconv.Itoa(binding.Port), p.availability(binding.PortStatus)})
			}
			b.WriteString(p.table([]string{"SERVICE", "PORT", "STATE"}, rows))
		}
		fmt.Fprintf(b, "  reserved: %s\n", orNone(intStrings(r.Reserved)))
	})
}

// PortStatuses prints the availability of individual ports.
func (p *Printer) PortStatuses(statuses []ports.PortStatus) error {
	return p.emit(statuses, func(b *strings.Builder) {
		rows := make([][]string, 0, len(statuses))
		for _, s := range statuses {
			rows = append(rows, []string{strconv.Itoa(s.Port), p.availability(s)})
		}
		b.WriteString(p.table([]string{"PORT", "STATE"}, rows))
	})
}

func (p *Printer) availability(s ports.PortStatus) string {
	switch {
	case s.Available:
		return p.styles.StatusSuccess.Render("available")
	case s.Owner != "" && s.InUse:
		return p.styles.StatusRunning.Render("in use by " + s.Owner)
	case s.Owner != "":
		return p.styles.StatusWarn.Render("reserved by " + s.Owner)
	case s.OccupantPID > 0:
		return p.styles.StatusError.Render("in use by PID " + strconv.Itoa(s.OccupantPID))
	}
	return p.styles.StatusError.Render("in use")
}

// FreePorts prints ports found by a search.
func (p *Printer) FreePorts(found []int, wanted int) error {
	if found == nil {
		found = []int{}
	}
	return p.emit(found, func(b *strings.Builder) {
		if len(found) < wanted {
			b.WriteString(p.styles.StatusWarn.Render(fmt.Sprintf("⚠️ only %d of %d port(s) available", len(found), wanted)) + "\n")
		}
		for _, port := range found {
			fmt.Fprintln(b, port)
		}
	})
}

// Runtime prints a project's runtime configuration.
func (p *Printer) Runtime(name string, rc registry.RuntimeConfig) error {
	v := struct {
		Project string `json:"project"`
		registry.RuntimeConfig
	}{name, rc}
	return p.emit(v, func(b *strings.Builder) {
		b.WriteString(p.styles.Title.Render(name) + "\n")
		fmt.Fprintf(b, "  start:       %s\n", orDash(rc.Commands.Start))
		fmt.Fprintf(b, "  stop:        %s\n", orDash(rc.Commands.Stop))
		fmt.Fprintf(b, "  ports:       %s\n", orDash(registry.FormatPortSpec(rc.Ports)))
		keys := make([]string, 0, len(rc.Environment))
		for k, v := range rc.Environment {
			keys = append(keys, k+"="+v)
		}
		sort.Strings(keys)
		fmt.Fprintf(b, "  environment: %s\n", orDash(strings.Join(keys, ", ")))
	})
}

// Config prints the effective settings.
func (p *Printer) Config(c config.Config) error {
	v := struct {
		Home         string `json:"home"`
		Path         string `json:"path"`
		PortRange    string `json:"portRange"`
		StartTimeout string `json:"startTimeout"`
		StopTimeout  string `json:"stopTimeout"`
		Concurrency  int    `json:"concurrency"`
		MetricsAddr  string `json:"metricsAddr"`
	}{
		Home:         c.Home,
		Path:         c.Path(),
		PortRange:    fmt.Sprintf("%d-%d", c.PortRangeStart, c.PortRangeEnd),
		StartTimeout: c.StartTimeout.String(),
		StopTimeout:  c.StopTimeout.String(),
		Concurrency:  c.Concurrency,
		MetricsAddr:  c.MetricsAddr,
	}
	return p.emit(v, func(b *strings.Builder) {
		fmt.Fprintf(b, "home:          %s\n", v.Home)
		fmt.Fprintf(b, "port range:    %s\n", v.PortRange)
		fmt.Fprintf(b, "start timeout: %s\n", v.StartTimeout)
		fmt.Fprintf(b, "stop timeout:  %s\n", v.StopTimeout)
		concurrency := "auto"
		if v.Concurrency > 0 {
			concurrency = strconv.Itoa(v.Concurrency)
		}
		fmt.Fprintf(b, "concurrency:   %s\n", concurrency)
		fmt.Fprintf(b, "metrics:       %s\n", v.MetricsAddr)
	})
}

// Project prints a registered project with its runtime configuration.
func (p *Printer) Project(proj registry.Project, rc registry.RuntimeConfig) error {
	v := struct {
		registry.Project
		Runtime registry.RuntimeConfig `json:"runtime"`
	}{proj, rc}
	return p.emit(v, func(b *strings.Builder) {
		fmt.Fprintf(b, "%s %s\n", p.styles.Title.Render(proj.Name), p.styles.Dim.Render(string(proj.Status)))
		fmt.Fprintf(b, "  path:        %s\n", proj.Path)
		fmt.Fprintf(b, "  depends on:  %s\n", orNone(proj.DependsOn))
		if len(proj.LinkedProjects) > 0 {
			fmt.Fprintf(b, "  linked:      %s\n", strings.Join(proj.LinkedProjects, ", "))
		}
		if proj.Priority != 0 {
			fmt.Fprintf(b, "  priority:    %d\n", proj.Priority)
		}
		fmt.Fprintf(b, "  start:       %s\n", orDash(rc.Commands.Start))
		fmt.Fprintf(b, "  ports:       %s\n", orDash(registry.FormatPortSpec(rc.Ports)))
	})
}

// Diagnoses prints doctor results, one block per project.
func (p *Printer) Diagnoses(list []doctor.Diagnosis) error {
	if list == nil {
		list = []doctor.Diagnosis{}
	}
	return p.emit(list, func(b *strings.Builder) {
		for _, d := range list {
			icon, style := "✅", p.styles.StatusSuccess
			if !d.Healthy {
				icon, style = "❌", p.styles.StatusError
			}
			fmt.Fprintf(b, "%s %s %s\n", style.Render(icon), p.styles.Title.Render(d.Project), p.styles.Dim.Render(d.Language))
			if d.Runtime.Installed {
				fmt.Fprintf(b, "   runtime: %s %s\n", d.Runtime.Name, d.Runtime.Version)
			}
			for _, issue := range d.Issues {
				b.WriteString(p.styles.StatusWarn.Render("   • "+issue) + "\n")
			}
		}
	})
}

func hardwareLine(s orchestrator.GlobalStatus) string {
	if s.Hardware.NumCPU == 0 {
		return ""
	}
	return fmt.Sprintf("%d cores %s", s.Hardware.NumCPU, s.Hardware.ModelName)
}

func joinInts(list []int) string {
	return strings.Join(intStrings(list), ",")
}

func intStrings(list []int) []string {
	out := make([]string, len(list))
	for i, n := range list {
		out[i] = strconv.Itoa(n)
	}
	return out
}

func orNone(list []string) string {
	if len(list) == 0 {
		return "(none)"
	}
	return strings.Join(list, ", ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
