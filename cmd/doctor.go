package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/harshul/octo/internal/analyzer"
	"github.com/harshul/octo/internal/doctor"
	"github.com/harshul/octo/internal/registry"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor [project...]",
	Short: "Check that projects can be started on this machine",
	Long: `Doctor checks every registered project, or the ones named: the
project directory exists, its runtime and package manager are installed,
its dependencies were fetched and its start command is on PATH.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		var projects []registry.Project
		if len(args) == 0 {
			all, err := a.store.ListProjects()
			if err != nil {
				return err
			}
			projects = all
		}
		for _, name := range args {
			p, err := a.store.GetProject(name)
			if err != nil {
				return err
			}
			projects = append(projects, p)
		}

		doc := doctor.New(doctor.WithLogger(logger))
		results := make([]doctor.Diagnosis, len(projects))
		g, ctx := errgroup.WithContext(cmd.Context())
		g.SetLimit(4)
		for i, p := range projects {
			g.Go(func() error {
				rc, err := a.store.GetProjectRuntime(p.Name)
				if err != nil {
					return err
				}
				language := "Unknown"
				if det, err := analyzer.Detect(p.Path); err == nil {
					language = det.Language
				}
				results[i] = doc.Diagnose(ctx, p.Name, p.Path, language, rc.Commands.Start)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if err := printer.Diagnoses(results); err != nil {
			return err
		}
		for _, d := range results {
			if !d.Healthy {
				return errOperationFailed
			}
		}
		return nil
	})
}
