package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/harshul/octo/internal/monitor"
)

// StopProject stops one project: it runs the configured stop command, sends
// SIGTERM to the remaining processes and releases the project's ports. It
// does not wait for the processes to exit.
func (c *Coordinator) StopProject(ctx context.Context, name string, opts StopOptions) (Result, error) {
	if opts.WithDependents {
		results := c.StopWithDependents(ctx, name, opts)
		for _, r := range results {
			if r.Project == name {
				return r, r.Err
			}
		}
		r := results[len(results)-1]
		return r, r.Err
	}

	r := c.stopOne(ctx, name, opts)
	return r, r.Err
}

func (c *Coordinator) stopOne(ctx context.Context, name string, opts StopOptions) Result {
	started := time.Now()
	r := c.stop(ctx, name, opts)
	c.observe("stop", r, started)
	return r
}

func (c *Coordinator) stop(ctx context.Context, name string, opts StopOptions) Result {
	project, err := c.store.GetProject(name)
	if err != nil {
		return failed(name, err)
	}
	rc, err := c.store.GetProjectRuntime(name)
	if err != nil {
		return failed(name, err)
	}
	live, err := c.mon.Live(ctx, name)
	if err != nil {
		return failed(name, err)
	}

	if len(live) == 0 {
		if !opts.DryRun {
			c.releaseAll(name)
		}
		return Result{Project: name, Success: true, Outcome: OutcomeNotRunning, Message: "not running"}
	}

	if opts.DryRun {
		var notes []string
		if rc.Commands.Stop != "" {
			notes = append(notes, "would run: "+rc.Commands.Stop)
		}
		notes = append(notes, fmt.Sprintf("would signal %d process(es)", len(live)))
		if reserved, err := c.alloc.PortsOf(name); err == nil && len(reserved) > 0 {
			notes = append(notes, fmt.Sprintf("would release ports %v", reserved))
		}
		return Result{Project: name, Success: true, Outcome: OutcomeDryRun, Message: "dry run", PID: live[0].PID, Notes: notes}
	}

	var notes []string
	if rc.Commands.Stop != "" {
		stopCtx, cancel := context.WithTimeout(ctx, c.stopTimeout(opts.Timeout))
		dir, cmdline := resolveWorkDir(project.Path, rc.Commands.Stop)
		err := c.mon.Run(stopCtx, name, monitor.SpawnSpec{
			Command: cmdline,
			Dir:     dir,
			Env:     buildEnv(os.Environ(), rc.Ports, rc.Environment),
			LogPath: c.projectLogPath(name),
		})
		cancel()
		if err != nil {
			notes = append(notes, "stop command failed: "+err.Error())
		} else {
			notes = append(notes, "stop command finished")
		}
	}

	signalled, err := c.mon.Terminate(ctx, name)
	if err != nil {
		r := failed(name, err)
		r.Notes = notes
		return r
	}
	c.releaseAll(name)

	return Result{
		Project: name,
		Success: true,
		Outcome: OutcomeStopRequested,
		Message: fmt.Sprintf("sent SIGTERM to %d process(es)", signalled),
		PID:     live[0].PID,
		Notes:   notes,
	}
}

// StopWithDependents stops name and everything that depends on it,
// dependents first. Every project is attempted.
func (c *Coordinator) StopWithDependents(ctx context.Context, name string, opts StopOptions) []Result {
	if _, err := c.store.GetProject(name); err != nil {
		return []Result{failed(name, err)}
	}
	g, err := c.graph()
	if err != nil {
		return []Result{failed(name, err)}
	}

	opts.WithDependents = false
	order, err := g.StopOrderFor(name)
	var orderErr error
	if err != nil {
		// Still stop everything; dependents go first in name order.
		orderErr = err
		order = append(g.Dependents(name), name)
	}

	results := make([]Result, 0, len(order))
	for _, n := range order {
		results = append(results, c.stopOne(ctx, n, opts))
	}
	if orderErr != nil {
		results[0].Notes = append(results[0].Notes, "stop order unavailable: "+orderErr.Error())
	}
	return results
}

// StopProjects stops projects independently on the worker pool. Results are
// in input order.
func (c *Coordinator) StopProjects(ctx context.Context, names []string, opts StopOptions) []Result {
	opts.WithDependents = false
	results := make([]Result, len(names))
	g := new(errgroup.Group)
	g.SetLimit(c.concurrency)
	for i, name := range names {
		g.Go(func() error {
			results[i] = c.stopOne(ctx, name, opts)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// StopAll stops every project in reverse dependency order. If no order can
// be computed the projects are stopped independently.
func (c *Coordinator) StopAll(ctx context.Context, opts StopOptions) ([]Result, error) {
	g, err := c.graph()
	if err != nil {
		return nil, err
	}
	opts.WithDependents = false

	order, err := g.StopOrder()
	if err != nil {
		c.log.Warn().Err(err).Msg("no stop order, stopping projects independently")
		return c.StopProjects(ctx, g.Names(), opts), nil
	}

	results := make([]Result, 0, len(order))
	for _, name := range order {
		results = append(results, c.stopOne(ctx, name, opts))
	}
	return results, nil
}

// RestartProject stops a project, waits until none of its processes are
// left, and starts it again.
func (c *Coordinator) RestartProject(ctx context.Context, name string, opts Options) (Result, error) {
	stopped := c.stopOne(ctx, name, StopOptions{DryRun: opts.DryRun})
	if !stopped.Success {
		return stopped, stopped.Err
	}

	if opts.DryRun {
		r := c.startOne(ctx, name, opts)
		r.Notes = append(stopped.Notes, r.Notes...)
		return r, r.Err
	}

	if stopped.Outcome == OutcomeStopRequested {
		if err := c.waitStopped(ctx, name, c.stopTimeout(0)); err != nil {
			r := failed(name, fmt.Errorf("%w: '%s' still running after %s", monitor.ErrStopFailed, name, c.stopTimeout(0)))
			r.Notes = stopped.Notes
			return r, r.Err
		}
	}

	r := c.startOne(ctx, name, opts)
	r.Notes = append(stopped.Notes, r.Notes...)
	return r, r.Err
}

// releaseAll drops every reservation of name.
func (c *Coordinator) releaseAll(name string) {
	if err := c.alloc.Release(name, nil); err != nil {
		c.log.Warn().Err(err).Str("project", name).Msg("failed to release ports")
	}
}

func (c *Coordinator) waitStopped(ctx context.Context, name string, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = timeout

	return backoff.Retry(func() error {
		running, err := c.mon.IsRunning(ctx, name)
		if err != nil {
			return backoff.Permanent(err)
		}
		if running {
			return errors.New("still running")
		}
		return nil
	}, backoff.WithContext(b, ctx))
}
