package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harshul/octo/internal/analyzer"
	"github.com/harshul/octo/internal/registry"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Register and configure projects",
}

var projectAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a project, or update an existing one",
	Long: `Add registers a project under a name. Without --start the project
directory is analyzed and the start command and port are detected from its
files (package.json, go.mod, pom.xml, requirements.txt and so on).

Runtime configuration of an existing project is kept unless a runtime flag
is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runProjectAdd,
}

var projectConfigCmd = &cobra.Command{
	Use:   "config <name>",
	Short: "Show or change a project's runtime configuration",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectConfig,
}

var projectShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a registered project",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectShow,
}

func init() {
	f := projectAddCmd.Flags()
	f.String("path", ".", "Project directory")
	f.StringSlice("deps", nil, "Projects this one depends on")
	f.StringSlice("linked", nil, "Related projects (informational)")
	f.Int("priority", 0, "Priority, higher first")
	f.String("status", string(registry.StatusActive), "Status (active, paused, archived)")
	f.String("start", "", "Start command (detected when empty)")
	f.String("stop", "", "Stop command")
	f.String("ports", "", "Ports as service:port[,service:port...]")
	f.String("env", "", "Environment as KEY=value[,KEY=value...]")

	c := projectConfigCmd.Flags()
	c.String("set-start", "", "Set the start command")
	c.String("set-stop", "", "Set the stop command")
	c.String("set-ports", "", "Merge ports given as service:port[,service:port...]")
	c.Bool("replace-ports", false, "Replace all ports with --set-ports instead of merging")
	c.String("set-env", "", "Merge environment given as KEY=value[,KEY=value...]")

	projectCmd.AddCommand(projectAddCmd, projectConfigCmd, projectShowCmd)
	projectCmd.AddCommand(lifecycleCommands()...)
}

func runProjectAdd(cmd *cobra.Command, args []string) error {
	name := args[0]
	f := cmd.Flags()
	path, _ := f.GetString("path")
	deps, _ := f.GetStringSlice("deps")
	linked, _ := f.GetStringSlice("linked")
	priority, _ := f.GetInt("priority")
	status, _ := f.GetString("status")

	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		return fmt.Errorf("project path %s is not a directory", path)
	}

	update, err := runtimeUpdate(cmd, "start", "stop", "ports", "env")
	if err != nil {
		return err
	}

	return withApp(func(a *app) error {
		p := registry.Project{
			Name:           name,
			Path:           path,
			Status:         registry.ProjectStatus(strings.ToLower(status)),
			Priority:       priority,
			DependsOn:      deps,
			LinkedProjects: linked,
		}
		if update.StartCommand == nil {
			if current, err := a.store.GetProjectRuntime(name); err != nil || current.Commands.Start == "" {
				if err := detectStart(name, path, &update); err != nil {
					return err
				}
			}
		}
		if err := a.coord.RegisterProject(p); err != nil {
			return err
		}

		rc, err := a.coord.Configure(name, update)
		if err != nil {
			return err
		}
		registered, err := a.store.GetProject(name)
		if err != nil {
			return err
		}
		printer.Success(fmt.Sprintf("Registered %s", name))
		return printer.Project(registered, rc)
	})
}

func runProjectConfig(cmd *cobra.Command, args []string) error {
	name := args[0]
	update, err := runtimeUpdate(cmd, "set-start", "set-stop", "set-ports", "set-env")
	if err != nil {
		return err
	}
	update.ReplacePorts, _ = cmd.Flags().GetBool("replace-ports")
	changed := update.StartCommand != nil || update.StopCommand != nil || len(update.Ports) > 0 ||
		len(update.Environment) > 0 || update.ReplacePorts

	return withApp(func(a *app) error {
		var rc registry.RuntimeConfig
		if changed {
			rc, err = a.coord.Configure(name, update)
		} else {
			rc, err = a.store.GetProjectRuntime(name)
		}
		if err != nil {
			return err
		}
		return printer.Runtime(name, rc)
	})
}

func runProjectShow(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		p, err := a.store.GetProject(args[0])
		if err != nil {
			return err
		}
		rc, err := a.store.GetProjectRuntime(args[0])
		if err != nil {
			return err
		}
		return printer.Project(p, rc)
	})
}

// detectStart fills in the start command and port found by the analyzer.
func detectStart(name, path string, update *registry.RuntimeUpdate) error {
	det, err := analyzer.Detect(path)
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}
	if det.StartCommand == "" {
		printer.Warn(fmt.Sprintf("Could not detect how to start %s; set one with 'octo project config %s --set-start'", name, name))
		return nil
	}

	update.StartCommand = &det.StartCommand
	printer.Info(fmt.Sprintf("Detected %s project, start command: %s", det.Language, det.StartCommand))
	if det.Port > 0 && len(update.Ports) == 0 {
		update.Ports = map[string]int{"web": det.Port}
		if det.PortIsDefault {
			printer.Info(fmt.Sprintf("Assuming the default port %d", det.Port))
		}
	}
	return nil
}

// runtimeUpdate builds an update from the flags that were set. The flag
// names are given in the order start, stop, ports, env.
func runtimeUpdate(cmd *cobra.Command, startFlag, stopFlag, portsFlag, envFlag string) (registry.RuntimeUpdate, error) {
	var update registry.RuntimeUpdate
	f := cmd.Flags()

	if f.Changed(startFlag) {
		v, _ := f.GetString(startFlag)
		update.StartCommand = &v
	}
	if f.Changed(stopFlag) {
		v, _ := f.GetString(stopFlag)
		update.StopCommand = &v
	}
	if v, _ := f.GetString(portsFlag); v != "" {
		parsed, err := registry.ParsePortSpec(v)
		if err != nil {
			return update, err
		}
		update.Ports = parsed
	}
	if v, _ := f.GetString(envFlag); v != "" {
		parsed, err := registry.ParseEnvSpec(v)
		if err != nil {
			return update, err
		}
		update.Environment = parsed
	}
	return update, nil
}
