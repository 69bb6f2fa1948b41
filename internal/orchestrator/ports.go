package orchestrator

import (
	"context"
	"sort"

	"github.com/harshul/octo/internal/ports"
	"github.com/harshul/octo/internal/registry"
)

// DetectPortConflicts checks the configured ports of every project.
func (c *Coordinator) DetectPortConflicts(ctx context.Context) ([]ports.Conflict, error) {
	projects, err := c.store.ListProjects()
	if err != nil {
		return nil, err
	}

	live, err := c.mon.LiveAll(ctx)
	if err != nil {
		return nil, err
	}
	running := make(map[string]bool, len(live))
	for name := range live {
		running[name] = true
	}

	requests := make(map[string]map[string]int, len(projects))
	for _, p := range projects {
		rc, err := c.store.GetProjectRuntime(p.Name)
		if err != nil {
			return nil, err
		}
		if len(rc.Ports) > 0 {
			requests[p.Name] = rc.Ports
		}
	}
	return c.alloc.DetectConflicts(ctx, requests, running)
}

// CheckPortAvailability reports whether each port is free and unreserved.
func (c *Coordinator) CheckPortAvailability(ctx context.Context, list []int) ([]ports.PortStatus, error) {
	return c.alloc.Check(ctx, list)
}

// FindAvailablePorts searches [start, end] for count free ports. A zero
// range means the configured default range.
func (c *Coordinator) FindAvailablePorts(ctx context.Context, count, start, end int) ([]int, error) {
	if start == 0 && end == 0 {
		start, end = c.portRange()
	}
	return c.alloc.FindAvailablePorts(ctx, count, start, end)
}

// ProjectPorts reports the configured ports of a project with their state.
func (c *Coordinator) ProjectPorts(ctx context.Context, name string) (PortsReport, error) {
	rc, err := c.store.GetProjectRuntime(name)
	if err != nil {
		return PortsReport{}, err
	}
	reserved, err := c.alloc.PortsOf(name)
	if err != nil {
		return PortsReport{}, err
	}

	services := make([]string, 0, len(rc.Ports))
	for s := range rc.Ports {
		services = append(services, s)
	}
	sort.Strings(services)
	list := make([]int, len(services))
	for i, s := range services {
		list[i] = rc.Ports[s]
	}

	statuses, err := c.alloc.Check(ctx, list)
	if err != nil {
		return PortsReport{}, err
	}
	report := PortsReport{Project: name, Bindings: make([]PortBinding, len(services)), Reserved: reserved}
	for i, s := range services {
		report.Bindings[i] = PortBinding{Service: s, PortStatus: statuses[i]}
	}
	return report, nil
}

// AssignPorts reserves ports for a project and then records them in its
// runtime configuration. Nothing is configured if the reservation fails.
func (c *Coordinator) AssignPorts(name string, assigned map[string]int) (registry.RuntimeConfig, error) {
	if _, err := c.store.GetProject(name); err != nil {
		return registry.RuntimeConfig{}, err
	}
	if err := c.alloc.Reserve(name, sortedPorts(assigned)); err != nil {
		return registry.RuntimeConfig{}, err
	}
	return c.Configure(name, registry.RuntimeUpdate{Ports: assigned})
}

// ReleasePorts drops a project's reservations, all of them when list is empty.
func (c *Coordinator) ReleasePorts(name string, list []int) error {
	if _, err := c.store.GetProject(name); err != nil {
		return err
	}
	return c.alloc.Release(name, list)
}
