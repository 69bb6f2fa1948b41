package main

import (
	"context"
	"fmt"

	"github.com/harshul/octo/internal/config"
	"github.com/harshul/octo/internal/metrics"
	"github.com/harshul/octo/internal/monitor"
	"github.com/harshul/octo/internal/orchestrator"
	"github.com/harshul/octo/internal/ports"
	"github.com/harshul/octo/internal/registry"
	"github.com/harshul/octo/internal/thermal"
)

// app is everything a command needs, opened from the octo home.
type app struct {
	cfg      config.Config
	store    *registry.FileStore
	coord    *orchestrator.Coordinator
	exporter *metrics.Exporter
	hw       thermal.HardwareInfo
}

// statusSource lets the exporter read the coordinator it records for.
type statusSource struct {
	coord *orchestrator.Coordinator
}

func (s *statusSource) GetGlobalStatus(ctx context.Context) (orchestrator.GlobalStatus, error) {
	return s.coord.GetGlobalStatus(ctx)
}

func openApp() (*app, error) {
	cfg, err := config.Load(homeDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := registry.Open(cfg.Home, cfg.Coordination(), registry.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}

	hw := thermal.DetectHardware()
	concurrency := thermal.GetOptimalConcurrency(hw, cfg.Concurrency)
	logger.Debug().Str("hardware", thermal.FormatHardwareInfo(hw)).Int("concurrency", concurrency).Msg("hardware detected")

	source := &statusSource{}
	exporter := metrics.New(source, metrics.WithLogger(logger))
	coord := orchestrator.New(store,
		ports.New(store, ports.WithLogger(logger)),
		monitor.New(store, monitor.WithLogger(logger)),
		orchestrator.WithLogger(logger),
		orchestrator.WithLogPath(store.LogPath),
		orchestrator.WithConcurrency(concurrency),
		orchestrator.WithHardware(hw),
		orchestrator.WithRecorder(exporter),
	)
	source.coord = coord

	return &app{cfg: cfg, store: store, coord: coord, exporter: exporter, hw: hw}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close registry")
	}
}

// withApp opens the app for the duration of fn.
func withApp(fn func(a *app) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// report prints results and turns any failure into errOperationFailed.
func report(results []orchestrator.Result) error {
	if err := printer.Results(results); err != nil {
		return err
	}
	for _, r := range results {
		if !r.Success {
			return errOperationFailed
		}
	}
	return nil
}
