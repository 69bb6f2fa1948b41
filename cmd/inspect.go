package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/harshul/octo/internal/metrics"
	"github.com/harshul/octo/internal/thermal"
	"github.com/harshul/octo/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"dashboard", "ls"},
	Short:   "Show every project with its state, resources and ports",
	Args:    cobra.NoArgs,
	RunE:    runStatus,
}

var resourcesCmd = &cobra.Command{
	Use:   "resources <project>",
	Short: "Show the CPU, memory and processes of a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runResources,
}

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List the live processes of every project",
	Args:  cobra.NoArgs,
	RunE:  runPs,
}

var dependenciesCmd = &cobra.Command{
	Use:     "dependencies <project>",
	Aliases: []string{"deps"},
	Short:   "Show what a project depends on and what depends on it",
	Args:    cobra.ExactArgs(1),
	RunE:    runDependencies,
}

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Show the dependency graph and the start order",
	Args:  cobra.NoArgs,
	RunE:  runGraph,
}

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Live view of every project",
	Args:  cobra.NoArgs,
	RunE:  runTop,
}

var logsCmd = &cobra.Command{
	Use:   "logs <project>...",
	Short: "Show the output of one or more projects",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runLogs,
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Serve Prometheus metrics for every project",
	Args:  cobra.NoArgs,
	RunE:  runMetrics,
}

func init() {
	topCmd.Flags().Duration("interval", 0, "Refresh interval (default 2s)")

	logsCmd.Flags().IntP("lines", "n", 50, "Number of lines to show")
	logsCmd.Flags().BoolP("follow", "f", false, "Keep printing new output")

	metricsCmd.Flags().String("addr", "", "Listen address (default from config)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		status, err := a.coord.GetGlobalStatus(cmd.Context())
		if err != nil {
			return err
		}
		return printer.Status(status)
	})
}

func runResources(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		report, err := a.coord.GetProjectResources(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printer.Resources(report)
	})
}

func runPs(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		procs, err := a.coord.ListProcesses(cmd.Context())
		if err != nil {
			return err
		}
		return printer.Processes(procs)
	})
}

func runDependencies(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		report, err := a.coord.ProjectDependencies(args[0])
		if err != nil {
			return err
		}
		return printer.Dependencies(report)
	})
}

func runGraph(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		view, err := a.coord.GetProjectDependencyGraph(cmd.Context())
		if err != nil {
			return err
		}
		return printer.Graph(view)
	})
}

func runTop(cmd *cobra.Command, args []string) error {
	interval, _ := cmd.Flags().GetDuration("interval")
	return withApp(func(a *app) error {
		return ui.RunTop(a.coord.GetGlobalStatus, ui.TopOptions{
			Interval:    interval,
			LogPath:     a.store.LogPath,
			Temperature: thermal.CPUTemperature,
		})
	})
}

func runLogs(cmd *cobra.Command, args []string) error {
	lines, _ := cmd.Flags().GetInt("lines")
	follow, _ := cmd.Flags().GetBool("follow")
	out := cmd.OutOrStdout()

	return withApp(func(a *app) error {
		for _, name := range args {
			if _, err := a.store.GetProject(name); err != nil {
				return err
			}
		}

		for _, name := range args {
			tail, err := ui.TailLog(a.store.LogPath(name), lines)
			if err != nil {
				return err
			}
			for _, line := range tail {
				if _, err := io.WriteString(out, logPrefix(args, name)+line+"\n"); err != nil {
					return err
				}
			}
		}
		if !follow {
			return nil
		}

		g, ctx := errgroup.WithContext(cmd.Context())
		for _, name := range args {
			g.Go(func() error {
				return ui.FollowLog(ctx, a.store.LogPath(name), logPrefix(args, name), out)
			})
		}
		return g.Wait()
	})
}

// logPrefix labels lines only when several projects share the output.
func logPrefix(names []string, name string) string {
	if len(names) < 2 {
		return ""
	}
	return fmt.Sprintf("[%s] ", name)
}

func runMetrics(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	return withApp(func(a *app) error {
		if addr == "" {
			addr = a.cfg.MetricsAddr
		}
		printer.Info(fmt.Sprintf("Serving metrics on http://%s/metrics", addr))
		return metrics.Serve(cmd.Context(), addr, a.exporter)
	})
}
