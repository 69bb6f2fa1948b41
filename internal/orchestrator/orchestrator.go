// Package orchestrator coordinates starting, stopping and inspecting
// registered projects.
package orchestrator

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/harshul/octo/internal/graph"
	"github.com/harshul/octo/internal/monitor"
	"github.com/harshul/octo/internal/ports"
	"github.com/harshul/octo/internal/registry"
	"github.com/harshul/octo/internal/thermal"
)

// ErrStartTimeout is returned when a started project did not become ready in
// time. The process is left running.
var ErrStartTimeout = errors.New("start timed out")

const (
	defaultStartTimeout = 30 * time.Second
	defaultStopTimeout  = 10 * time.Second
	defaultRangeStart   = 3000
	defaultRangeEnd     = 9999
)

// Outcome is what happened to a project during an operation.
type Outcome string

const (
	OutcomeStarted        Outcome = "started"
	OutcomeAlreadyRunning Outcome = "already-running"
	OutcomeStopRequested  Outcome = "stop-requested"
	OutcomeNotRunning     Outcome = "not-running"
	OutcomeFailed         Outcome = "failed"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeSkipped        Outcome = "skipped-dependency-failed"
	OutcomeDryRun         Outcome = "dry-run"
)

// Result is the per-project result of an operation. It is produced for
// failures too.
type Result struct {
	Project string         `json:"project"`
	Success bool           `json:"success"`
	Outcome Outcome        `json:"outcome"`
	Message string         `json:"message,omitempty"`
	Ports   map[string]int `json:"ports,omitempty"`
	PID     int            `json:"pid,omitempty"`
	Command string         `json:"command,omitempty"`
	Notes   []string       `json:"notes,omitempty"`
	Err     error          `json:"-"`
}

func failed(name string, err error) Result {
	return Result{Project: name, Outcome: OutcomeFailed, Message: err.Error(), Err: err}
}

// Options controls start operations.
type Options struct {
	AutoPorts        bool
	WithDependencies bool
	DryRun           bool
	// Timeout bounds readiness; zero uses the configured start timeout.
	Timeout time.Duration
}

// StopOptions controls stop operations.
type StopOptions struct {
	WithDependents bool
	DryRun         bool
	// Timeout bounds the stop command; zero uses the configured stop timeout.
	Timeout time.Duration
}

// ProcessMonitor is the process side of the coordinator.
type ProcessMonitor interface {
	Spawn(ctx context.Context, project string, spec monitor.SpawnSpec) (monitor.ProcessRecord, error)
	Run(ctx context.Context, project string, spec monitor.SpawnSpec) error
	Live(ctx context.Context, project string) ([]monitor.ProcessRecord, error)
	LiveAll(ctx context.Context) (map[string][]monitor.ProcessRecord, error)
	IsRunning(ctx context.Context, project string) (bool, error)
	Terminate(ctx context.Context, project string) (int, error)
	Sample(ctx context.Context, project string) (monitor.Usage, error)
	Host(ctx context.Context) (monitor.HostStats, error)
}

// Recorder observes finished operations.
type Recorder interface {
	ObserveOperation(op string, outcome Outcome, took time.Duration)
}

// Coordinator composes the registry, the port allocator and the process
// monitor.
type Coordinator struct {
	store       registry.Store
	alloc       *ports.Allocator
	mon         ProcessMonitor
	log         zerolog.Logger
	recorder    Recorder
	logPath     func(project string) string
	concurrency int
	hardware    thermal.HardwareInfo
	settle      time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithRecorder reports every operation to r.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithLogPath chooses the output log file of each project.
func WithLogPath(fn func(project string) string) Option {
	return func(c *Coordinator) { c.logPath = fn }
}

// WithConcurrency bounds batch operations.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithHardware sets the hardware summary shown by the dashboard.
func WithHardware(hw thermal.HardwareInfo) Option {
	return func(c *Coordinator) { c.hardware = hw }
}

// WithSettleTime sets how long a freshly spawned process must stay alive
// before it can count as ready.
func WithSettleTime(d time.Duration) Option {
	return func(c *Coordinator) { c.settle = d }
}

// New creates a Coordinator.
func New(store registry.Store, alloc *ports.Allocator, mon ProcessMonitor, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		alloc:  alloc,
		mon:    mon,
		log:    zerolog.Nop(),
		settle: 300 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.concurrency <= 0 {
		c.concurrency = store.GetCoordinationConfig().Concurrency
	}
	if c.concurrency <= 0 {
		c.concurrency = runtime.NumCPU()
	}
	return c
}

func (c *Coordinator) startTimeout(opts Options) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	if t := c.store.GetCoordinationConfig().StartTimeout; t > 0 {
		return t
	}
	return defaultStartTimeout
}

func (c *Coordinator) stopTimeout(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	if t := c.store.GetCoordinationConfig().StopTimeout; t > 0 {
		return t
	}
	return defaultStopTimeout
}

func (c *Coordinator) portRange() (int, int) {
	cfg := c.store.GetCoordinationConfig()
	if cfg.PortRangeStart > 0 && cfg.PortRangeEnd >= cfg.PortRangeStart {
		return cfg.PortRangeStart, cfg.PortRangeEnd
	}
	return defaultRangeStart, defaultRangeEnd
}

func (c *Coordinator) observe(op string, r Result, started time.Time) {
	if c.recorder != nil {
		c.recorder.ObserveOperation(op, r.Outcome, time.Since(started))
	}
	event := c.log.Info()
	if !r.Success {
		event = c.log.Warn().Err(r.Err)
	}
	event.Str("op", op).Str("project", r.Project).Str("outcome", string(r.Outcome)).Dur("took", time.Since(started)).Msg(r.Message)
}

// graph derives the dependency graph from the registry. It is never cached.
func (c *Coordinator) graph() (*graph.Graph, error) {
	edges, err := c.store.GetDependencyGraph()
	if err != nil {
		return nil, err
	}
	projects, err := c.store.ListProjects()
	if err != nil {
		return nil, err
	}

	decls := make([]graph.Declaration, 0, len(projects))
	for _, p := range projects {
		decls = append(decls, graph.Declaration{Name: p.Name, DependsOn: edges[p.Name], Linked: p.LinkedProjects})
	}
	return graph.Build(decls), nil
}

func (c *Coordinator) projectLogPath(name string) string {
	if c.logPath == nil {
		return ""
	}
	return c.logPath(name)
}
