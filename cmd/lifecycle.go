package main

import (
	"github.com/spf13/cobra"

	"github.com/harshul/octo/internal/orchestrator"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <project>...",
		Short: "Start one or more projects",
		Long: `Start launches each project's start command in its directory, with
its ports reserved and exported as PORT and <SERVICE>_PORT.

With --with-deps every dependency is started first, in order. A project
whose dependency failed is skipped. With --auto-ports ports held by other
projects or processes are swapped for free ones and saved.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runStart,
	}
	addStartFlags(cmd)
	cmd.Flags().BoolP("with-deps", "d", false, "Start dependencies first")
	return cmd
}

func newRestartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart <project>",
		Short: "Stop a project, wait for it to exit and start it again",
		Args:  cobra.ExactArgs(1),
		RunE:  runRestart,
	}
	addStartFlags(cmd)
	return cmd
}

func newStartAllCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start-all",
		Short: "Start every active project in dependency order",
		Args:  cobra.NoArgs,
		RunE:  runStartAll,
	}
	addStartFlags(cmd)
	return cmd
}

func newStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <project>...",
		Short: "Stop one or more projects",
		Long: `Stop runs the project's stop command if it has one, then sends SIGTERM
to its remaining processes and releases its ports.

With --with-dependents everything that depends on the project is stopped
first.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runStop,
	}
	addStopFlags(cmd)
	cmd.Flags().Bool("with-dependents", false, "Stop dependent projects first")
	return cmd
}

func newStopAllCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every project, dependents first",
		Args:  cobra.NoArgs,
		RunE:  runStopAll,
	}
	addStopFlags(cmd)
	return cmd
}

// lifecycleCommands are registered both under "project" and at the top level.
func lifecycleCommands() []*cobra.Command {
	return []*cobra.Command{newStartCmd(), newStopCmd(), newRestartCmd(), newStartAllCmd(), newStopAllCmd()}
}

func addStartFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("auto-ports", false, "Replace conflicting ports with free ones")
	cmd.Flags().Bool("dry-run", false, "Show what would happen without starting anything")
	cmd.Flags().Duration("timeout", 0, "How long to wait for readiness (default from config)")
}

func addStopFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("dry-run", false, "Show what would happen without stopping anything")
	cmd.Flags().Duration("timeout", 0, "How long the stop command may run (default from config)")
}

func startOptions(cmd *cobra.Command) orchestrator.Options {
	autoPorts, _ := cmd.Flags().GetBool("auto-ports")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	withDeps := false
	if f := cmd.Flags().Lookup("with-deps"); f != nil {
		withDeps, _ = cmd.Flags().GetBool("with-deps")
	}
	return orchestrator.Options{
		AutoPorts:        autoPorts,
		WithDependencies: withDeps,
		DryRun:           dryRun,
		Timeout:          timeout,
	}
}

func stopOptions(cmd *cobra.Command) orchestrator.StopOptions {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	withDependents := false
	if f := cmd.Flags().Lookup("with-dependents"); f != nil {
		withDependents, _ = cmd.Flags().GetBool("with-dependents")
	}
	return orchestrator.StopOptions{
		WithDependents: withDependents,
		DryRun:         dryRun,
		Timeout:        timeout,
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	opts := startOptions(cmd)
	return withApp(func(a *app) error {
		ctx := cmd.Context()
		switch {
		case len(args) > 1:
			return report(a.coord.StartProjects(ctx, args, opts))
		case opts.WithDependencies:
			return report(a.coord.StartWithDependencies(ctx, args[0], opts))
		}
		r, _ := a.coord.StartProject(ctx, args[0], opts)
		return report([]orchestrator.Result{r})
	})
}

func runRestart(cmd *cobra.Command, args []string) error {
	opts := startOptions(cmd)
	return withApp(func(a *app) error {
		r, _ := a.coord.RestartProject(cmd.Context(), args[0], opts)
		return report([]orchestrator.Result{r})
	})
}

func runStartAll(cmd *cobra.Command, args []string) error {
	opts := startOptions(cmd)
	return withApp(func(a *app) error {
		results, err := a.coord.StartAll(cmd.Context(), opts)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			printer.Info("No active projects to start")
		}
		return report(results)
	})
}

func runStop(cmd *cobra.Command, args []string) error {
	opts := stopOptions(cmd)
	return withApp(func(a *app) error {
		ctx := cmd.Context()
		switch {
		case len(args) > 1:
			return report(a.coord.StopProjects(ctx, args, opts))
		case opts.WithDependents:
			return report(a.coord.StopWithDependents(ctx, args[0], opts))
		}
		r, _ := a.coord.StopProject(ctx, args[0], opts)
		return report([]orchestrator.Result{r})
	})
}

func runStopAll(cmd *cobra.Command, args []string) error {
	opts := stopOptions(cmd)
	return withApp(func(a *app) error {
		results, err := a.coord.StopAll(cmd.Context(), opts)
		if err != nil {
			return err
		}
		return report(results)
	})
}
