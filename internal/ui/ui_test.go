package ui

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harshul/octo/internal/graph"
	"github.com/harshul/octo/internal/monitor"
	"github.com/harshul/octo/internal/orchestrator"
	"github.com/harshul/octo/internal/ports"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{in: "", want: FormatText},
		{in: "default", want: FormatText},
		{in: "JSON", want: FormatJSON},
		{in: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func sampleResults() []orchestrator.Result {
	return []orchestrator.Result{
		{Project: "db", Success: true, Outcome: orchestrator.OutcomeStarted, Message: "started (PID 42)", PID: 42, Ports: map[string]int{"pg": 5432}},
		{Project: "api", Outcome: orchestrator.OutcomeSkipped, Message: "dependency 'db' did not start"},
		{Project: "web", Success: true, Outcome: orchestrator.OutcomeDryRun, Message: "dry run", Command: "npm start", Notes: []string{"would run in /src/web"}},
	}
}

func TestPrinterResultsText(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, FormatText)
	require.NoError(t, p.Results(sampleResults()))

	out := buf.String()
	assert.Contains(t, out, "db")
	assert.Contains(t, out, "started (PID 42)")
	assert.Contains(t, out, "pg:5432")
	assert.Contains(t, out, "skipped-dependency-failed")
	assert.Contains(t, out, "command: npm start")
	assert.Contains(t, out, "• would run in /src/web")
}

func TestPrinterResultsJSON(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, FormatJSON)
	p.Success("not printed in JSON mode")
	require.NoError(t, p.Results(sampleResults()))

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 3)
	assert.Equal(t, "started", decoded[0]["outcome"])
	assert.Equal(t, float64(42), decoded[0]["pid"])
	assert.Equal(t, false, decoded[1]["success"])
}

func TestPrinterConflicts(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewPrinter(&buf, FormatText).Conflicts(nil))
	assert.Contains(t, buf.String(), "No port conflicts")

	buf.Reset()
	require.NoError(t, NewPrinter(&buf, FormatJSON).Conflicts(nil))
	assert.Equal(t, "[]", strings.TrimSpace(buf.String()))

	buf.Reset()
	conflicts := []ports.Conflict{
		{Port: 3000, Service: "web", RequestedBy: "B", Type: ports.ReservedByOtherProject, Owner: "A", Suggestions: []int{3001, 3002, 3003}},
		{Port: 8080, Service: "api", RequestedBy: "C", Type: ports.ExternallyOccupied, OccupantPID: 999},
	}
	require.NoError(t, NewPrinter(&buf, FormatText).Conflicts(conflicts))
	out := buf.String()
	assert.Contains(t, out, "2 port conflict(s)")
	assert.Contains(t, out, "3001,3002,3003")
	assert.Contains(t, out, "PID 999")
}

func TestPrinterGraph(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, FormatText)

	view := orchestrator.GraphView{
		Nodes:      nodes(),
		StartOrder: []string{"db", "api"},
	}
	require.NoError(t, p.Graph(view))
	assert.Contains(t, buf.String(), "Start order: db → api")

	buf.Reset()
	view.StartOrder = nil
	view.OrderError = "dependency cycle detected among: a, b"
	require.NoError(t, p.Graph(view))
	assert.Contains(t, buf.String(), "dependency cycle detected among: a, b")
	assert.NotContains(t, buf.String(), "Start order")
}

func TestPrinterStatus(t *testing.T) {
	var buf bytes.Buffer
	status := orchestrator.GlobalStatus{
		Host: monitor.HostStats{CPUPercent: 10, MemoryUsed: 2 << 30, MemoryTotal: 8 << 30, MemoryPercent: 25},
		Projects: []orchestrator.ProjectSnapshot{
			{Name: "api", State: orchestrator.StateRunning, PIDs: []int{7}, Uptime: 90 * time.Second, Ports: map[string]int{"http": 8080}},
		},
		Running: 1,
	}
	require.NoError(t, NewPrinter(&buf, FormatText).Status(status))

	out := buf.String()
	assert.Contains(t, out, "1/1 running")
	assert.Contains(t, out, "2.0 GB / 8.0 GB")
	assert.Contains(t, out, "http:8080")
	assert.Contains(t, out, "1m30s")
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    uint64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
	}

	for _, tt := range tests {
		if got := FormatBytes(tt.bytes); got != tt.expected {
			t.Errorf("FormatBytes(%d) = %s, expected %s", tt.bytes, got, tt.expected)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "-"},
		{12 * time.Second, "12s"},
		{4*time.Minute + 10*time.Second, "4m10s"},
		{2*time.Hour + 5*time.Minute, "2h5m"},
		{76 * time.Hour, "3d4h"},
	}

	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %s, want %s", tt.d, got, tt.want)
		}
	}
}

func TestTailLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api.log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\nfour\n"), 0o644))

	lines, err := TailLog(path, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"three", "four"}, lines)

	lines, err = TailLog(filepath.Join(t.TempDir(), "missing.log"), 5)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestFollowLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api.log")
	require.NoError(t, os.WriteFile(path, []byte("old line\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- FollowLog(ctx, path, "[api] ", &out) }()

	time.Sleep(100 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("new line\npartial")
	require.NoError(t, err)
	f.Close()

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[api] new line\n")
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.NotContains(t, out.String(), "old line")
	assert.NotContains(t, out.String(), "partial")
}

func TestDetectURL(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  string
	}{
		{
			name:  "Vite Local URL",
			lines: []string{"  ➜  Local:   http://localhost:5173/"},
			want:  "http://localhost:5173",
		},
		{
			name:  "0.0.0.0 address converted to localhost",
			lines: []string{"Listening on http://0.0.0.0:8080"},
			want:  "http://localhost:8080",
		},
		{
			name:  "frontend beats api server",
			lines: []string{"Local: http://localhost:3000", "api server: http://127.0.0.1:4000"},
			want:  "http://localhost:3000",
		},
		{
			name:  "no URL",
			lines: []string{"compiling..."},
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectURL(tt.lines); got != tt.want {
				t.Errorf("DetectURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTopModel(t *testing.T) {
	status := orchestrator.GlobalStatus{
		Projects: []orchestrator.ProjectSnapshot{
			{Name: "api", State: orchestrator.StateRunning, PIDs: []int{10}},
			{Name: "web", State: orchestrator.StateStopped},
		},
		Running: 1,
		Stopped: 1,
	}
	fetch := func(context.Context) (orchestrator.GlobalStatus, error) { return status, nil }
	m := NewTop(fetch, TopOptions{Interval: time.Second})

	assert.Contains(t, m.View(), "sampling")

	msg := m.refresh()()
	m.Update(msg)
	view := m.View()
	assert.Contains(t, view, "api")
	assert.Contains(t, view, "web")
	assert.Contains(t, view, "1/2 running")

	m.Update(tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 1, m.selected)
	m.Update(tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 1, m.selected, "selection stays on the last row")
	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'k'}})
	assert.Equal(t, 0, m.selected)

	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Contains(t, m.View(), "pids: 10")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	assert.NotNil(t, cmd)
	assert.Empty(t, m.View())
}

func nodes() []*graph.Node {
	return []*graph.Node{
		{Name: "db", Status: orchestrator.StateRunning},
		{Name: "api", Dependencies: []string{"db"}, Status: orchestrator.StateStopped},
	}
}
