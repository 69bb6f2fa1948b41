package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harshul/octo/internal/config"
	"github.com/harshul/octo/internal/registry"
	"github.com/harshul/octo/internal/thermal"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the octo home and write its config.yaml",
	Long: `The init command creates the octo home directory with a config.yaml
holding the current settings (defaults, then any OCTO_* environment
overrides). Edit the file to change the port range, timeouts or the
concurrency of batch operations.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolP("force", "f", false, "Overwrite an existing config.yaml")
}

func runInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")

	cfg, err := config.Load(homeDir)
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfg.Path()); err == nil && !force {
		return fmt.Errorf("configuration file already exists at %s. Use --force to overwrite", cfg.Path())
	}
	if err := config.Write(cfg); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}

	store, err := registry.Open(cfg.Home, cfg.Coordination(), registry.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create registry: %w", err)
	}
	defer store.Close()

	if printer.JSON() {
		return printer.Config(cfg)
	}
	printer.Success(fmt.Sprintf("Configuration written to %s", cfg.Path()))
	printer.Info(thermal.FormatHardwareInfo(thermal.DetectHardware()))
	printer.Info("Run 'octo project add <name> --path <dir>' to register a project")
	return nil
}
