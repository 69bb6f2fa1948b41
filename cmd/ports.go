package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/harshul/octo/internal/ports"
	"github.com/harshul/octo/internal/registry"
)

var portsCmd = &cobra.Command{
	Use:   "ports <project>",
	Short: "Show a project's ports, or check, find and reserve ports",
	Args:  cobra.ExactArgs(1),
	RunE:  runPorts,
}

var portsCheckCmd = &cobra.Command{
	Use:   "check <port>...",
	Short: "Check whether ports are free and unreserved",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPortsCheck,
}

var portsFindCmd = &cobra.Command{
	Use:   "find",
	Short: "Find free ports",
	Args:  cobra.NoArgs,
	RunE:  runPortsFind,
}

var portsAssignCmd = &cobra.Command{
	Use:   "assign <project> <service:port[,service:port...]>",
	Short: "Reserve ports for a project and save them in its configuration",
	Args:  cobra.ExactArgs(2),
	RunE:  runPortsAssign,
}

var portsReleaseCmd = &cobra.Command{
	Use:   "release <project> [port...]",
	Short: "Release a project's reserved ports, all of them when none are given",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPortsRelease,
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Detect port conflicts across all projects",
	Args:  cobra.NoArgs,
	RunE:  runConflicts,
}

func init() {
	portsFindCmd.Flags().IntP("count", "n", 1, "Number of ports to find")
	portsFindCmd.Flags().String("range", "", "Port range as start-end (default from config)")

	portsCmd.AddCommand(portsCheckCmd, portsFindCmd, portsAssignCmd, portsReleaseCmd)
}

func runPorts(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		report, err := a.coord.ProjectPorts(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printer.Ports(report)
	})
}

func runPortsCheck(cmd *cobra.Command, args []string) error {
	list, err := parsePorts(args)
	if err != nil {
		return err
	}
	return withApp(func(a *app) error {
		statuses, err := a.coord.CheckPortAvailability(cmd.Context(), list)
		if err != nil {
			return err
		}
		return printer.PortStatuses(statuses)
	})
}

func runPortsFind(cmd *cobra.Command, args []string) error {
	count, _ := cmd.Flags().GetInt("count")
	rangeSpec, _ := cmd.Flags().GetString("range")

	var start, end int
	if rangeSpec != "" {
		var err error
		if start, end, err = ports.ParseRange(rangeSpec); err != nil {
			return err
		}
	}

	return withApp(func(a *app) error {
		found, err := a.coord.FindAvailablePorts(cmd.Context(), count, start, end)
		if err != nil {
			return err
		}
		if err := printer.FreePorts(found, count); err != nil {
			return err
		}
		if len(found) < count {
			return errOperationFailed
		}
		return nil
	})
}

func runPortsAssign(cmd *cobra.Command, args []string) error {
	assigned, err := registry.ParsePortSpec(args[1])
	if err != nil {
		return err
	}
	return withApp(func(a *app) error {
		rc, err := a.coord.AssignPorts(args[0], assigned)
		if err != nil {
			return err
		}
		printer.Success(fmt.Sprintf("Reserved %s for %s", registry.FormatPortSpec(assigned), args[0]))
		return printer.Runtime(args[0], rc)
	})
}

func runPortsRelease(cmd *cobra.Command, args []string) error {
	list, err := parsePorts(args[1:])
	if err != nil {
		return err
	}
	return withApp(func(a *app) error {
		if err := a.coord.ReleasePorts(args[0], list); err != nil {
			return err
		}
		report, err := a.coord.ProjectPorts(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printer.Success(fmt.Sprintf("Released ports of %s", args[0]))
		return printer.Ports(report)
	})
}

func runConflicts(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		conflicts, err := a.coord.DetectPortConflicts(cmd.Context())
		if err != nil {
			return err
		}
		if err := printer.Conflicts(conflicts); err != nil {
			return err
		}
		if len(conflicts) > 0 {
			return errOperationFailed
		}
		return nil
	})
}

func parsePorts(args []string) ([]int, error) {
	list := make([]int, 0, len(args))
	for _, arg := range args {
		port, err := strconv.Atoi(arg)
		if err != nil || port < ports.MinPort || port > ports.MaxPort {
			return nil, fmt.Errorf("invalid port '%s'", arg)
		}
		list = append(list, port)
	}
	return list, nil
}
