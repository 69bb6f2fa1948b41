package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/harshul/octo/internal/graph"
	"github.com/harshul/octo/internal/monitor"
	"github.com/harshul/octo/internal/ports"
	"github.com/harshul/octo/internal/registry"
)

var (
	errExitedEarly = errors.New("process exited before becoming ready")
	errNotReady    = errors.New("not ready")
)

// StartProject starts one project. With opts.WithDependencies its
// dependencies are started first and the project's own result is returned.
func (c *Coordinator) StartProject(ctx context.Context, name string, opts Options) (Result, error) {
	if opts.WithDependencies {
		results := c.StartWithDependencies(ctx, name, opts)
		for _, r := range results {
			if r.Project == name {
				return r, r.Err
			}
		}
		r := results[len(results)-1]
		return r, r.Err
	}

	r := c.startOne(ctx, name, opts)
	return r, r.Err
}

func (c *Coordinator) startOne(ctx context.Context, name string, opts Options) Result {
	started := time.Now()
	r := c.start(ctx, name, opts)
	c.observe("start", r, started)
	return r
}

func (c *Coordinator) start(ctx context.Context, name string, opts Options) Result {
	project, err := c.store.GetProject(name)
	if err != nil {
		return failed(name, err)
	}
	rc, err := c.store.GetProjectRuntime(name)
	if err != nil {
		return failed(name, err)
	}

	running, err := c.mon.IsRunning(ctx, name)
	if err != nil {
		return failed(name, err)
	}
	if running {
		return Result{
			Project: name,
			Success: true,
			Outcome: OutcomeAlreadyRunning,
			Message: "already running",
			Ports:   rc.Ports,
			Command: rc.Commands.Start,
		}
	}

	conflicts, err := c.alloc.Classify(ctx, name, rc.Ports, false)
	if err != nil {
		return failed(name, err)
	}

	command := rc.Commands.Start
	resolved := clonePorts(rc.Ports)
	var notes []string

	if len(conflicts) > 0 && opts.AutoPorts {
		update, subNotes, err := c.substitutePorts(ctx, resolved, command, conflicts)
		if err != nil {
			return failed(name, err)
		}
		notes = append(notes, subNotes...)
		for service, port := range update.Ports {
			resolved[service] = port
		}
		if update.StartCommand != nil {
			command = *update.StartCommand
		}
		conflicts = nil

		if !opts.DryRun {
			if _, err := c.store.UpdateProjectRuntime(name, update); err != nil {
				return failed(name, err)
			}
		}
	}

	if opts.DryRun {
		for _, conflict := range conflicts {
			notes = append(notes, "would conflict: "+conflict.String())
		}
		if command == "" {
			notes = append(notes, "no start command configured")
		}
		dir, _ := resolveWorkDir(project.Path, command)
		notes = append(notes, "would run in "+dir)
		return Result{
			Project: name,
			Success: len(conflicts) == 0 && command != "",
			Outcome: OutcomeDryRun,
			Message: "dry run",
			Ports:   resolved,
			Command: command,
			Notes:   notes,
		}
	}

	if command == "" {
		return failed(name, fmt.Errorf("%w: no start command configured for '%s'", monitor.ErrSpawnFailed, name))
	}
	for _, conflict := range conflicts {
		if conflict.Type == ports.ReservedByOtherProject {
			return failed(name, &registry.PortReservedError{Port: conflict.Port, Owner: conflict.Owner, Requester: name})
		}
	}
	if len(conflicts) > 0 {
		return failed(name, fmt.Errorf("%w: %s", ports.ErrPortUnavailable, conflicts[0].String()))
	}

	wanted := sortedPorts(resolved)
	if err := c.alloc.Reserve(name, wanted); err != nil {
		return failed(name, err)
	}

	dir, cmdline := resolveWorkDir(project.Path, command)
	rec, err := c.mon.Spawn(ctx, name, monitor.SpawnSpec{
		Command: cmdline,
		Dir:     dir,
		Env:     buildEnv(os.Environ(), resolved, rc.Environment),
		LogPath: c.projectLogPath(name),
	})
	if err != nil {
		c.releaseQuietly(name, wanted)
		r := failed(name, err)
		r.Notes = notes
		return r
	}

	err = c.waitReady(ctx, name, wanted, c.startTimeout(opts))
	switch {
	case err == nil:
		return Result{
			Project: name,
			Success: true,
			Outcome: OutcomeStarted,
			Message: fmt.Sprintf("started (PID %d)", rec.PID),
			Ports:   resolved,
			PID:     rec.PID,
			Command: command,
			Notes:   notes,
		}
	case errors.Is(err, errExitedEarly):
		c.releaseQuietly(name, wanted)
		r := failed(name, fmt.Errorf("%w: %v", monitor.ErrSpawnFailed, err))
		r.Ports = resolved
		r.Command = command
		r.Notes = notes
		return r
	default:
		return Result{
			Project: name,
			Outcome: OutcomeTimeout,
			Message: "timeout",
			Ports:   resolved,
			PID:     rec.PID,
			Command: command,
			Notes:   append(notes, "process left running: "+err.Error()),
			Err:     fmt.Errorf("%w: '%s' after %s", ErrStartTimeout, name, c.startTimeout(opts)),
		}
	}
}

// substitutePorts picks replacements in the default range for every
// conflicting port and shifts literal occurrences in the start command.
func (c *Coordinator) substitutePorts(ctx context.Context, current map[string]int, command string, conflicts []ports.Conflict) (registry.RuntimeUpdate, []string, error) {
	start, end := c.portRange()
	exclude := sortedPorts(current)

	// One replacement per conflicting service.
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Service < conflicts[j].Service })
	free, err := c.alloc.FindAvailablePortsExcluding(ctx, len(conflicts), start, end, exclude)
	if err != nil {
		return registry.RuntimeUpdate{}, nil, err
	}
	if len(free) < len(conflicts) {
		return registry.RuntimeUpdate{}, nil, fmt.Errorf("%w: only %d free port(s) in %d-%d, need %d", ports.ErrPortUnavailable, len(free), start, end, len(conflicts))
	}

	update := registry.RuntimeUpdate{Ports: make(map[string]int, len(conflicts))}
	var notes []string
	shifted := command
	for i, conflict := range conflicts {
		update.Ports[conflict.Service] = free[i]
		if next, ok := ports.ShiftPort(shifted, conflict.Port, free[i]); ok {
			shifted = next
		}
		notes = append(notes, fmt.Sprintf("%s: port %d -> %d (%s)", conflict.Service, conflict.Port, free[i], conflict.Type))
	}
	if shifted != command {
		update.StartCommand = &shifted
	}
	return update, notes, nil
}

// waitReady polls until the project is alive past the settle time and every
// port is bound. It fails fast with errExitedEarly once the process is gone.
func (c *Coordinator) waitReady(ctx context.Context, name string, wanted []int, timeout time.Duration) error {
	settled := time.Now().Add(c.settle)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = timeout

	return backoff.Retry(func() error {
		running, err := c.mon.IsRunning(ctx, name)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !running {
			return backoff.Permanent(errExitedEarly)
		}
		if time.Now().Before(settled) {
			return errNotReady
		}
		for _, port := range wanted {
			if !c.alloc.IsPortInUse(port) {
				return fmt.Errorf("port %d not bound yet", port)
			}
		}
		return nil
	}, backoff.WithContext(b, ctx))
}

func (c *Coordinator) releaseQuietly(name string, wanted []int) {
	if len(wanted) == 0 {
		return
	}
	if err := c.alloc.Release(name, wanted); err != nil {
		c.log.Warn().Err(err).Str("project", name).Msg("failed to release ports")
	}
}

// StartWithDependencies starts name after everything it transitively
// depends on, one at a time. Once a project fails the rest are skipped.
func (c *Coordinator) StartWithDependencies(ctx context.Context, name string, opts Options) []Result {
	if _, err := c.store.GetProject(name); err != nil {
		return []Result{failed(name, err)}
	}
	g, err := c.graph()
	if err != nil {
		return []Result{failed(name, err)}
	}
	order, err := g.StartOrderFor(name)
	if err != nil {
		return []Result{failed(name, err)}
	}
	return c.runChain(ctx, g, order, opts)
}

// runChain starts order one project at a time. After the first failure no
// further project in the chain is started.
func (c *Coordinator) runChain(ctx context.Context, g *graph.Graph, order []string, opts Options) []Result {
	opts.WithDependencies = false
	bad := make(map[string]bool)
	halted := ""
	results := make([]Result, 0, len(order))

	for _, name := range order {
		if halted != "" && !opts.DryRun {
			var err error
			if dep := firstFailed(g, name, bad); dep != "" {
				err = fmt.Errorf("dependency '%s' did not start", dep)
			} else {
				err = fmt.Errorf("chain halted after '%s' failed", halted)
			}
			bad[name] = true
			results = append(results, Result{
				Project: name,
				Outcome: OutcomeSkipped,
				Message: err.Error(),
				Err:     err,
			})
			continue
		}

		r := c.startOne(ctx, name, opts)
		if !r.Success {
			bad[name] = true
			if halted == "" {
				halted = name
			}
		}
		results = append(results, r)
	}
	return results
}

func firstFailed(g *graph.Graph, name string, bad map[string]bool) string {
	deps, err := g.DependenciesOf(name)
	if err != nil {
		return ""
	}
	for _, dep := range deps {
		if bad[dep] {
			return dep
		}
	}
	return ""
}

// StartProjects starts several projects. Without dependencies every project
// is started on the worker pool. With dependencies the names are split into
// groups with overlapping dependency closures; groups run concurrently and
// each group runs in order.
func (c *Coordinator) StartProjects(ctx context.Context, names []string, opts Options) []Result {
	if !opts.WithDependencies {
		results := make([]Result, len(names))
		g := new(errgroup.Group)
		g.SetLimit(c.concurrency)
		for i, name := range names {
			g.Go(func() error {
				results[i] = c.startOne(ctx, name, opts)
				return nil
			})
		}
		_ = g.Wait()
		return results
	}

	var results []Result
	var known []string
	for _, name := range names {
		if _, err := c.store.GetProject(name); err != nil {
			results = append(results, failed(name, err))
			continue
		}
		known = append(known, name)
	}
	if len(known) == 0 {
		return results
	}

	dg, err := c.graph()
	if err != nil {
		for _, name := range known {
			results = append(results, failed(name, err))
		}
		return results
	}
	groups, err := dg.Components(known)
	if err != nil {
		for _, name := range known {
			results = append(results, failed(name, err))
		}
		return results
	}

	perGroup := make([][]Result, len(groups))
	eg := new(errgroup.Group)
	eg.SetLimit(c.concurrency)
	for i, group := range groups {
		eg.Go(func() error {
			order, err := dg.StartOrderFor(group...)
			if err != nil {
				for _, name := range group {
					perGroup[i] = append(perGroup[i], failed(name, err))
				}
				return nil
			}
			perGroup[i] = c.runChain(ctx, dg, order, opts)
			return nil
		})
	}
	_ = eg.Wait()

	for _, rs := range perGroup {
		results = append(results, rs...)
	}
	return results
}

// StartAll starts every active project together with its dependencies.
func (c *Coordinator) StartAll(ctx context.Context, opts Options) ([]Result, error) {
	projects, err := c.store.ListProjects()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, p := range projects {
		if p.Status == registry.StatusActive {
			names = append(names, p.Name)
		}
	}
	opts.WithDependencies = true
	return c.StartProjects(ctx, names, opts), nil
}
