// Package metrics exports project state and operation counts in the
// Prometheus text format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/harshul/octo/internal/orchestrator"
)

const namespace = "octo"

var histogramBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// StatusSource supplies the state that is sampled on every scrape.
type StatusSource interface {
	GetGlobalStatus(ctx context.Context) (orchestrator.GlobalStatus, error)
}

// Exporter counts coordinator operations and samples project state on
// scrape. It implements orchestrator.Recorder and prometheus.Collector.
type Exporter struct {
	source        StatusSource
	scrapeTimeout time.Duration
	log           zerolog.Logger

	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec

	projectUp     *prometheus.Desc
	projectCPU    *prometheus.Desc
	projectMemory *prometheus.Desc
	projectUptime *prometheus.Desc
	reserved      *prometheus.Desc
	hostCPU       *prometheus.Desc
	hostMemory    *prometheus.Desc
	scrapeErrors  prometheus.Counter
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Exporter) { e.log = l }
}

// New creates an Exporter. A nil source exports operation counts only.
func New(source StatusSource, opts ...Option) *Exporter {
	projectLabels := []string{"project"}
	e := &Exporter{
		source:        source,
		scrapeTimeout: 5 * time.Second,
		log:           zerolog.Nop(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Count of per-project coordinator operations by outcome",
		}, []string{"op", "outcome"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution of per-project coordinator operations",
			Buckets:   histogramBuckets,
		}, []string{"op"}),
		projectUp: prometheus.NewDesc(prometheus.BuildFQName(namespace, "project", "up"),
			"Whether the project has live processes", projectLabels, nil),
		projectCPU: prometheus.NewDesc(prometheus.BuildFQName(namespace, "project", "cpu_percent"),
			"CPU usage of the project's processes", projectLabels, nil),
		projectMemory: prometheus.NewDesc(prometheus.BuildFQName(namespace, "project", "memory_megabytes"),
			"Resident memory of the project's processes", projectLabels, nil),
		projectUptime: prometheus.NewDesc(prometheus.BuildFQName(namespace, "project", "uptime_seconds"),
			"Time since the project's oldest live process started", projectLabels, nil),
		reserved: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "reserved_ports"),
			"Number of reserved ports", nil, nil),
		hostCPU: prometheus.NewDesc(prometheus.BuildFQName(namespace, "host", "cpu_percent"),
			"Host CPU usage", nil, nil),
		hostMemory: prometheus.NewDesc(prometheus.BuildFQName(namespace, "host", "memory_percent"),
			"Host memory usage", nil, nil),
		scrapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scrape_errors_total",
			Help:      "Number of scrapes that could not read project state",
		}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ObserveOperation records one finished per-project operation.
func (e *Exporter) ObserveOperation(op string, outcome orchestrator.Outcome, took time.Duration) {
	e.operations.WithLabelValues(op, string(outcome)).Inc()
	e.durations.WithLabelValues(op).Observe(took.Seconds())
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	e.operations.Describe(ch)
	e.durations.Describe(ch)
	e.scrapeErrors.Describe(ch)
	for _, d := range []*prometheus.Desc{e.projectUp, e.projectCPU, e.projectMemory, e.projectUptime, e.reserved, e.hostCPU, e.hostMemory} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	e.operations.Collect(ch)
	e.durations.Collect(ch)

	if e.source != nil {
		e.collectStatus(ch)
	}
	e.scrapeErrors.Collect(ch)
}

func (e *Exporter) collectStatus(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), e.scrapeTimeout)
	defer cancel()

	status, err := e.source.GetGlobalStatus(ctx)
	if err != nil {
		e.scrapeErrors.Inc()
		e.log.Warn().Err(err).Msg("failed to read project state for metrics")
		return
	}

	for _, p := range status.Projects {
		up := 0.0
		if p.State == orchestrator.StateRunning {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(e.projectUp, prometheus.GaugeValue, up, p.Name)
		ch <- prometheus.MustNewConstMetric(e.projectCPU, prometheus.GaugeValue, p.CPUPercent, p.Name)
		ch <- prometheus.MustNewConstMetric(e.projectMemory, prometheus.GaugeValue, p.MemoryMB, p.Name)
		ch <- prometheus.MustNewConstMetric(e.projectUptime, prometheus.GaugeValue, p.Uptime.Seconds(), p.Name)
	}
	ch <- prometheus.MustNewConstMetric(e.reserved, prometheus.GaugeValue, float64(status.ReservedPorts))
	ch <- prometheus.MustNewConstMetric(e.hostCPU, prometheus.GaugeValue, status.Host.CPUPercent)
	ch <- prometheus.MustNewConstMetric(e.hostMemory, prometheus.GaugeValue, status.Host.MemoryPercent)
}

// Handler serves the metrics gathered by reg.
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Serve exposes e on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, e *Exporter) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(e); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	e.log.Info().Str("addr", addr).Msg("serving metrics")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
