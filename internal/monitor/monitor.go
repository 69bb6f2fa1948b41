// Package monitor spawns project processes and tracks their liveness and
// resource usage across CLI invocations.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

var (
	// ErrSpawnFailed wraps every failure to launch a project process.
	ErrSpawnFailed = errors.New("process spawn failed")
	// ErrStopFailed wraps failures to signal a project process.
	ErrStopFailed = errors.New("stop failed")
)

// createTimeTolerance bounds the difference between the recorded start of a
// process and the OS create time of the PID before the PID counts as reused.
const createTimeTolerance = 3 * time.Second

// ProcessRecord is a process spawned for a project.
type ProcessRecord struct {
	PID        int       `json:"pid"`
	Command    string    `json:"command"`
	RunID      string    `json:"runId"`
	CPUPercent float64   `json:"cpuPercent"`
	MemoryMB   float64   `json:"memoryMB"`
	StartedAt  time.Time `json:"startedAt"`
}

// Table persists process records between invocations.
type Table interface {
	RecordProcess(project string, rec ProcessRecord) error
	Processes(project string) ([]ProcessRecord, error)
	AllProcesses() (map[string][]ProcessRecord, error)
	ForgetProcesses(project string, pids []int) error
}

// SpawnSpec describes a process to launch.
type SpawnSpec struct {
	Command string
	Dir     string
	// Env is the complete environment, KEY=value.
	Env     []string
	LogPath string
}

// Monitor spawns, inspects and signals project processes.
type Monitor struct {
	table Table
	log   zerolog.Logger

	mu      sync.Mutex
	handles map[int32]*process.Process
	sampled map[int32]bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// New creates a Monitor backed by table.
func New(table Table, opts ...Option) *Monitor {
	m := &Monitor{
		table:   table,
		log:     zerolog.Nop(),
		handles: make(map[int32]*process.Process),
		sampled: make(map[int32]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Spawn launches spec.Command through the shell in its own process group and
// records it for project. The child is not waited on by the caller.
func (m *Monitor) Spawn(ctx context.Context, project string, spec SpawnSpec) (ProcessRecord, error) {
	if spec.Command == "" {
		return ProcessRecord{}, fmt.Errorf("%w: no start command configured for '%s'", ErrSpawnFailed, project)
	}
	if err := ctx.Err(); err != nil {
		return ProcessRecord{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	// Not CommandContext: the process must outlive the invocation.
	cmd := exec.Command("sh", "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if spec.LogPath != "" {
		logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return ProcessRecord{}, fmt.Errorf("%w: failed to open log file: %v", ErrSpawnFailed, err)
		}
		defer logFile.Close()
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	runID := uuid.NewString()
	if err := cmd.Start(); err != nil {
		m.log.Error().Err(err).Str("project", project).Str("run_id", runID).Msg("failed to start process")
		return ProcessRecord{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	rec := ProcessRecord{
		PID:       cmd.Process.Pid,
		Command:   spec.Command,
		RunID:     runID,
		StartedAt: time.Now(),
	}

	go func() {
		err := cmd.Wait()
		m.log.Debug().Err(err).Str("project", project).Str("run_id", runID).Int("pid", rec.PID).Msg("process exited")
	}()

	if err := m.table.RecordProcess(project, rec); err != nil {
		_ = unix.Kill(-rec.PID, unix.SIGTERM)
		return ProcessRecord{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	m.log.Info().Str("project", project).Str("run_id", runID).Int("pid", rec.PID).Str("dir", spec.Dir).Msg("process started")
	return rec, nil
}

// Run executes a foreground command for project and waits for it. When ctx
// ends the command's process group is killed.
func (m *Monitor) Run(ctx context.Context, project string, spec SpawnSpec) error {
	if spec.Command == "" {
		return nil
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return unix.Kill(-cmd.Process.Pid, unix.SIGKILL) }
	cmd.WaitDelay = time.Second

	if spec.LogPath != "" {
		logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err == nil {
			defer logFile.Close()
			cmd.Stdout = logFile
			cmd.Stderr = logFile
		}
	}

	start := time.Now()
	err := cmd.Run()
	m.log.Debug().Err(err).Str("project", project).Str("command", spec.Command).Dur("took", time.Since(start)).Msg("command finished")
	return err
}

// Live returns the live processes of project. Dead records are forgotten.
func (m *Monitor) Live(ctx context.Context, project string) ([]ProcessRecord, error) {
	recs, err := m.table.Processes(project)
	if err != nil {
		return nil, err
	}
	return m.prune(ctx, project, recs)
}

// LiveAll returns the live processes of every project that has any.
func (m *Monitor) LiveAll(ctx context.Context) (map[string][]ProcessRecord, error) {
	all, err := m.table.AllProcesses()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]ProcessRecord, len(all))
	for project, recs := range all {
		live, err := m.prune(ctx, project, recs)
		if err != nil {
			return nil, err
		}
		if len(live) > 0 {
			out[project] = live
		}
	}
	return out, nil
}

// IsRunning reports whether project has at least one live process.
func (m *Monitor) IsRunning(ctx context.Context, project string) (bool, error) {
	live, err := m.Live(ctx, project)
	if err != nil {
		return false, err
	}
	return len(live) > 0, nil
}

// Terminate sends SIGTERM to the process group of every live process of
// project and returns how many were signalled. It does not wait for exit.
func (m *Monitor) Terminate(ctx context.Context, project string) (int, error) {
	live, err := m.Live(ctx, project)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStopFailed, err)
	}

	signalled := 0
	for _, rec := range live {
		err := unix.Kill(-rec.PID, unix.SIGTERM)
		if errors.Is(err, unix.ESRCH) {
			// Not a group leader anymore; signal the process itself.
			err = unix.Kill(rec.PID, unix.SIGTERM)
		}
		switch {
		case err == nil:
			signalled++
			m.log.Info().Str("project", project).Str("run_id", rec.RunID).Int("pid", rec.PID).Msg("sent SIGTERM")
		case errors.Is(err, unix.ESRCH):
		default:
			return signalled, fmt.Errorf("%w: pid %d: %v", ErrStopFailed, rec.PID, err)
		}
	}
	return signalled, nil
}

func (m *Monitor) prune(ctx context.Context, project string, recs []ProcessRecord) ([]ProcessRecord, error) {
	var live []ProcessRecord
	var dead []int
	for _, rec := range recs {
		if m.alive(ctx, rec) {
			live = append(live, rec)
		} else {
			dead = append(dead, rec.PID)
		}
	}

	if len(dead) > 0 {
		m.mu.Lock()
		for _, pid := range dead {
			delete(m.handles, int32(pid))
			delete(m.sampled, int32(pid))
		}
		m.mu.Unlock()

		if err := m.table.ForgetProcesses(project, dead); err != nil {
			return nil, err
		}
		m.log.Debug().Str("project", project).Ints("pids", dead).Msg("pruned exited processes")
	}
	return live, nil
}

func (m *Monitor) alive(ctx context.Context, rec ProcessRecord) bool {
	if rec.PID <= 0 {
		return false
	}
	exists, err := process.PidExistsWithContext(ctx, int32(rec.PID))
	if err != nil || !exists {
		return false
	}

	p, err := process.NewProcessWithContext(ctx, int32(rec.PID))
	if err != nil {
		return false
	}
	if status, err := p.StatusWithContext(ctx); err == nil {
		for _, s := range status {
			if s == process.Zombie {
				return false
			}
		}
	}
	if created, err := p.CreateTimeWithContext(ctx); err == nil && !rec.StartedAt.IsZero() {
		diff := time.UnixMilli(created).Sub(rec.StartedAt)
		if diff > createTimeTolerance || diff < -createTimeTolerance {
			return false
		}
	}
	return true
}
