package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harshul/octo/internal/logging"
	"github.com/harshul/octo/internal/ui"
)

// Version information (can be set at build time)
var (
	version = "0.2.0"
)

var (
	homeDir        string
	outputFormat   string
	debugMode      bool
	structuredLogs bool

	logger  = zerolog.Nop()
	printer = ui.NewPrinter(os.Stdout, ui.FormatText)
)

// errOperationFailed is returned after results were printed and at least one
// of them failed. It only sets the exit code.
var errOperationFailed = errors.New("one or more operations failed")

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "octo",
	Short: "Start, stop and watch the local projects you work on together",
	Long: `Octo coordinates the projects registered on this machine. It starts
them in dependency order, keeps their ports from colliding and shows what
they are doing.

Usage:
  octo project add api --path ~/src/api --start "go run ." --ports http:8080
  octo start api --with-deps
  octo status
  octo top`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = logging.Setup(debugMode, structuredLogs)
		logger.Debug().Str("version", version).Str("command", cmd.CommandPath()).Strs("args", args).Msg("starting octo")

		format, err := ui.ParseFormat(outputFormat)
		if err != nil {
			return err
		}
		printer = ui.NewPrinter(cmd.OutOrStdout(), format)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "Octo home directory (default $OCTO_HOME or ~/.octo)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "default", "Output format (default, json)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&structuredLogs, "structured-logs", false, "Enable structured JSON logging to stderr")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(lifecycleCommands()...)
	rootCmd.AddCommand(portsCmd, conflictsCmd)
	rootCmd.AddCommand(statusCmd, resourcesCmd, psCmd, dependenciesCmd, graphCmd, topCmd, logsCmd, metricsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		if !errors.Is(err, errOperationFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
