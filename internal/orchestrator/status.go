package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harshul/octo/internal/graph"
	"github.com/harshul/octo/internal/monitor"
	"github.com/harshul/octo/internal/ports"
	"github.com/harshul/octo/internal/registry"
	"github.com/harshul/octo/internal/thermal"
)

const (
	StateRunning = "running"
	StateStopped = "stopped"
)

// ResourceReport is a point-in-time view of one project's processes.
type ResourceReport struct {
	Project    string                  `json:"project"`
	Status     string                  `json:"status"`
	Uptime     time.Duration           `json:"uptime"`
	CPUPercent float64                 `json:"cpuPercent"`
	MemoryMB   float64                 `json:"memoryMB"`
	Processes  []monitor.ProcessRecord `json:"processes"`
	Ports      []int                   `json:"ports"`
	SampledAt  time.Time               `json:"sampledAt"`
}

// ProcessInfo is one live process of a project.
type ProcessInfo struct {
	Project string `json:"project"`
	monitor.ProcessRecord
}

// ProjectSnapshot is one dashboard row.
type ProjectSnapshot struct {
	Name       string                 `json:"name"`
	Status     registry.ProjectStatus `json:"status"`
	State      string                 `json:"state"`
	PIDs       []int                  `json:"pids,omitempty"`
	CPUPercent float64                `json:"cpuPercent"`
	MemoryMB   float64                `json:"memoryMB"`
	Uptime     time.Duration          `json:"uptime"`
	Ports      map[string]int         `json:"ports,omitempty"`
	DependsOn  []string               `json:"dependsOn,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// GlobalStatus is the dashboard view.
type GlobalStatus struct {
	Host          monitor.HostStats    `json:"host"`
	Hardware      thermal.HardwareInfo `json:"hardware"`
	Projects      []ProjectSnapshot    `json:"projects"`
	Running       int                  `json:"running"`
	Stopped       int                  `json:"stopped"`
	ReservedPorts int                  `json:"reservedPorts"`
	SampledAt     time.Time            `json:"sampledAt"`
}

// GraphView is the dependency graph annotated with live state.
type GraphView struct {
	Nodes      []*graph.Node `json:"nodes"`
	StartOrder []string      `json:"startOrder,omitempty"`
	OrderError string        `json:"orderError,omitempty"`
}

// DependencyReport lists a project's dependencies and dependents.
type DependencyReport struct {
	Project         string   `json:"project"`
	Dependencies    []string `json:"dependencies"`
	AllDependencies []string `json:"allDependencies"`
	Dependents      []string `json:"dependents"`
	AllDependents   []string `json:"allDependents"`
	Missing         []string `json:"missing,omitempty"`
	StartOrder      []string `json:"startOrder,omitempty"`
	OrderError      string   `json:"orderError,omitempty"`
}

// PortBinding is one configured port of a project and its current state.
type PortBinding struct {
	Service string `json:"service"`
	ports.PortStatus
}

// PortsReport lists a project's configured and reserved ports.
type PortsReport struct {
	Project  string        `json:"project"`
	Bindings []PortBinding `json:"bindings"`
	Reserved []int         `json:"reserved"`
}

// GetProjectResources samples a project's processes.
func (c *Coordinator) GetProjectResources(ctx context.Context, name string) (ResourceReport, error) {
	if _, err := c.store.GetProject(name); err != nil {
		return ResourceReport{}, err
	}
	usage, err := c.mon.Sample(ctx, name)
	if err != nil {
		return ResourceReport{}, err
	}
	reserved, err := c.alloc.PortsOf(name)
	if err != nil {
		return ResourceReport{}, err
	}

	report := ResourceReport{
		Project:    name,
		Status:     StateStopped,
		Uptime:     usage.Uptime,
		CPUPercent: usage.CPUPercent,
		MemoryMB:   usage.MemoryMB,
		Processes:  usage.Processes,
		Ports:      reserved,
		SampledAt:  usage.SampledAt,
	}
	if usage.Running {
		report.Status = StateRunning
	}
	return report, nil
}

// ListProcesses returns every live process, by project then PID.
func (c *Coordinator) ListProcesses(ctx context.Context) ([]ProcessInfo, error) {
	all, err := c.mon.LiveAll(ctx)
	if err != nil {
		return nil, err
	}
	out := []ProcessInfo{}
	for project, recs := range all {
		for _, rec := range recs {
			out = append(out, ProcessInfo{Project: project, ProcessRecord: rec})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Project != out[j].Project {
			return out[i].Project < out[j].Project
		}
		return out[i].PID < out[j].PID
	})
	return out, nil
}

// GetGlobalStatus samples the host and every project. It changes nothing.
func (c *Coordinator) GetGlobalStatus(ctx context.Context) (GlobalStatus, error) {
	projects, err := c.store.ListProjects()
	if err != nil {
		return GlobalStatus{}, err
	}
	host, err := c.mon.Host(ctx)
	if err != nil {
		c.log.Debug().Err(err).Msg("host stats unavailable")
	}

	snapshots := make([]ProjectSnapshot, len(projects))
	g := new(errgroup.Group)
	g.SetLimit(c.concurrency)
	for i, p := range projects {
		g.Go(func() error {
			snapshots[i] = c.snapshot(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	status := GlobalStatus{
		Host:      host,
		Hardware:  c.hardware,
		Projects:  snapshots,
		SampledAt: time.Now(),
	}
	for _, s := range snapshots {
		if s.State == StateRunning {
			status.Running++
		} else {
			status.Stopped++
		}
	}
	if reserved, err := c.alloc.Reserved(); err == nil {
		status.ReservedPorts = len(reserved)
	}
	return status, nil
}

func (c *Coordinator) snapshot(ctx context.Context, p registry.Project) ProjectSnapshot {
	s := ProjectSnapshot{Name: p.Name, Status: p.Status, State: StateStopped, DependsOn: p.DependsOn}
	if rc, err := c.store.GetProjectRuntime(p.Name); err == nil {
		s.Ports = rc.Ports
	}

	usage, err := c.mon.Sample(ctx, p.Name)
	if err != nil {
		s.Error = err.Error()
		return s
	}
	if usage.Running {
		s.State = StateRunning
	}
	s.CPUPercent = usage.CPUPercent
	s.MemoryMB = usage.MemoryMB
	s.Uptime = usage.Uptime
	for _, proc := range usage.Processes {
		s.PIDs = append(s.PIDs, proc.PID)
	}
	return s
}

// GetProjectDependencyGraph returns every node with its live state. A cycle
// or missing dependency is reported in OrderError instead of failing.
func (c *Coordinator) GetProjectDependencyGraph(ctx context.Context) (GraphView, error) {
	g, err := c.graph()
	if err != nil {
		return GraphView{}, err
	}
	live, err := c.mon.LiveAll(ctx)
	if err != nil {
		return GraphView{}, err
	}

	view := GraphView{Nodes: g.Nodes()}
	for _, n := range view.Nodes {
		n.Status = StateStopped
		if len(live[n.Name]) > 0 {
			n.Status = StateRunning
		}
	}
	order, err := g.StartOrder()
	if err != nil {
		view.OrderError = err.Error()
	} else {
		view.StartOrder = order
	}
	return view, nil
}

// ProjectDependencies reports direct and transitive dependencies and
// dependents of name.
func (c *Coordinator) ProjectDependencies(name string) (DependencyReport, error) {
	direct, err := c.store.GetProjectDependencies(name)
	if err != nil {
		return DependencyReport{}, err
	}
	dependents, err := c.store.GetProjectDependents(name)
	if err != nil {
		return DependencyReport{}, err
	}
	g, err := c.graph()
	if err != nil {
		return DependencyReport{}, err
	}

	report := DependencyReport{
		Project:         name,
		Dependencies:    direct,
		AllDependencies: []string{},
		Dependents:      dependents,
		AllDependents:   g.Dependents(name),
	}
	if node, ok := g.Node(name); ok {
		report.Missing = node.Missing
	}
	if all, err := g.DependenciesOf(name); err == nil {
		report.AllDependencies = all
	}
	if order, err := g.StartOrderFor(name); err != nil {
		report.OrderError = err.Error()
	} else {
		report.StartOrder = order
	}
	return report, nil
}

// Configure applies a partial runtime configuration update.
func (c *Coordinator) Configure(name string, update registry.RuntimeUpdate) (registry.RuntimeConfig, error) {
	for service, port := range update.Ports {
		if port < ports.MinPort || port > ports.MaxPort {
			return registry.RuntimeConfig{}, fmt.Errorf("invalid port %d for service '%s'", port, service)
		}
	}
	rc, err := c.store.UpdateProjectRuntime(name, update)
	if err != nil {
		return registry.RuntimeConfig{}, err
	}
	c.log.Info().Str("project", name).Msg("runtime configuration updated")
	return rc, nil
}

type registrar interface {
	RegisterProject(p registry.Project) error
}

// RegisterProject adds or updates a project in the registry.
func (c *Coordinator) RegisterProject(p registry.Project) error {
	r, ok := c.store.(registrar)
	if !ok {
		return errors.New("registry does not support registering projects")
	}
	if err := r.RegisterProject(p); err != nil {
		return err
	}
	c.log.Info().Str("project", p.Name).Strs("depends_on", p.DependsOn).Msg("project registered")
	return nil
}
