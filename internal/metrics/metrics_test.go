package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harshul/octo/internal/monitor"
	"github.com/harshul/octo/internal/orchestrator"
)

type fakeSource struct {
	status orchestrator.GlobalStatus
	err    error
}

func (f fakeSource) GetGlobalStatus(context.Context) (orchestrator.GlobalStatus, error) {
	return f.status, f.err
}

func sampleStatus() orchestrator.GlobalStatus {
	return orchestrator.GlobalStatus{
		Host: monitor.HostStats{CPUPercent: 12.5, MemoryPercent: 40},
		Projects: []orchestrator.ProjectSnapshot{
			{Name: "api", State: orchestrator.StateRunning, CPUPercent: 3, MemoryMB: 120, Uptime: time.Minute},
			{Name: "web", State: orchestrator.StateStopped},
		},
		Running:       1,
		Stopped:       1,
		ReservedPorts: 2,
	}
}

func TestObserveOperation(t *testing.T) {
	e := New(nil)
	e.ObserveOperation("start", orchestrator.OutcomeStarted, 200*time.Millisecond)
	e.ObserveOperation("start", orchestrator.OutcomeStarted, time.Second)
	e.ObserveOperation("stop", orchestrator.OutcomeNotRunning, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(e.operations.WithLabelValues("start", "started")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.operations.WithLabelValues("stop", "not-running")))
	assert.Equal(t, 2, testutil.CollectAndCount(e.durations))
}

func TestCollectProjectState(t *testing.T) {
	e := New(fakeSource{status: sampleStatus()})

	assert.Equal(t, 2, testutil.CollectAndCount(e, "octo_project_up"))
	assert.Equal(t, 1, testutil.CollectAndCount(e, "octo_reserved_ports"))
	assert.Equal(t, 1, testutil.CollectAndCount(e, "octo_host_cpu_percent"))
}

func TestCollectSurvivesSourceError(t *testing.T) {
	e := New(fakeSource{err: errors.New("registry unreadable")})

	assert.Equal(t, 0, testutil.CollectAndCount(e, "octo_project_up"))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.scrapeErrors))
}

func TestHandler(t *testing.T) {
	e := New(fakeSource{status: sampleStatus()})
	e.ObserveOperation("restart", orchestrator.OutcomeStarted, time.Second)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(e))

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `octo_project_up{project="api"} 1`)
	assert.Contains(t, text, `octo_project_up{project="web"} 0`)
	assert.Contains(t, text, `octo_operations_total{op="restart",outcome="started"} 1`)
	assert.Contains(t, text, `octo_reserved_ports 2`)
}

func TestServeStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", New(nil)) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
