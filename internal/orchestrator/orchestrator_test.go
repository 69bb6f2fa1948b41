package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harshul/octo/internal/graph"
	"github.com/harshul/octo/internal/monitor"
	"github.com/harshul/octo/internal/ports"
	"github.com/harshul/octo/internal/registry"
)

// serveCmd pretends to bind $PORT by creating a marker file that the test
// prober looks for, and removes it on SIGTERM.
const serveCmd = `trap 'rm -f "$MARKERS/$PORT"; exit 0' TERM; touch "$MARKERS/$PORT"; sleep 30 & wait`

const sleepCmd = `exec sleep 30`

type harness struct {
	c       *Coordinator
	store   *registry.FileStore
	mon     *monitor.Monitor
	markers string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := registry.Open(t.TempDir(), registry.CoordinationConfig{
		PortRangeStart: 20000,
		PortRangeEnd:   20100,
		StartTimeout:   5 * time.Second,
		StopTimeout:    3 * time.Second,
		Concurrency:    4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	markers := t.TempDir()
	prober := func(port int) bool {
		_, err := os.Stat(filepath.Join(markers, strconv.Itoa(port)))
		return err == nil
	}

	mon := monitor.New(store)
	alloc := ports.New(store, ports.WithProber(prober), ports.WithOccupantLookup(func(context.Context) map[int]int {
		return map[int]int{}
	}))
	c := New(store, alloc, mon, WithSettleTime(50*time.Millisecond), WithLogPath(store.LogPath))

	t.Cleanup(func() {
		all, _ := mon.LiveAll(ctx)
		for project := range all {
			_, _ = mon.Terminate(ctx, project)
		}
	})
	return &harness{c: c, store: store, mon: mon, markers: markers}
}

func (h *harness) add(t *testing.T, name, command string, ports map[string]int, deps ...string) {
	t.Helper()
	require.NoError(t, h.c.RegisterProject(registry.Project{Name: name, Path: t.TempDir(), DependsOn: deps}))
	_, err := h.c.Configure(name, registry.RuntimeUpdate{
		StartCommand: &command,
		Ports:        ports,
		Environment:  map[string]string{"MARKERS": h.markers},
	})
	require.NoError(t, err)
}

func (h *harness) waitStopped(t *testing.T, name string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		running, err := h.mon.IsRunning(context.Background(), name)
		return err == nil && !running
	}, 5*time.Second, 50*time.Millisecond)
}

func projectsOf(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Project
	}
	return out
}

func TestStartStopLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.add(t, "api", serveCmd, map[string]int{"http": 20001})

	r, err := h.c.StartProject(ctx, "api", Options{})
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, OutcomeStarted, r.Outcome)
	assert.Greater(t, r.PID, 0)
	assert.Equal(t, map[string]int{"http": 20001}, r.Ports)

	reserved, err := h.store.GetReservedPorts()
	require.NoError(t, err)
	assert.Equal(t, "api", reserved[20001])

	again, err := h.c.StartProject(ctx, "api", Options{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyRunning, again.Outcome)

	report, err := h.c.GetProjectResources(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, report.Status)
	assert.Equal(t, []int{20001}, report.Ports)
	assert.NotEmpty(t, report.Processes)

	stopped, err := h.c.StopProject(ctx, "api", StopOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopRequested, stopped.Outcome)
	h.waitStopped(t, "api")

	reserved, _ = h.store.GetReservedPorts()
	assert.Empty(t, reserved)

	idle, err := h.c.StopProject(ctx, "api", StopOptions{})
	require.NoError(t, err)
	assert.True(t, idle.Success)
	assert.Equal(t, OutcomeNotRunning, idle.Outcome)
}

func TestStoppedProjectFreesPortsForOthers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.add(t, "api", serveCmd, map[string]int{"http": 20001})
	h.add(t, "web", serveCmd, map[string]int{"http": 20001})

	_, err := h.c.StartProject(ctx, "api", Options{})
	require.NoError(t, err)

	_, err = h.c.StartProject(ctx, "web", Options{})
	assert.True(t, errors.Is(err, registry.ErrPortAlreadyReserved))

	_, err = h.c.StopProject(ctx, "api", StopOptions{})
	require.NoError(t, err)
	h.waitStopped(t, "api")

	r, err := h.c.StartProject(ctx, "web", Options{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, r.Outcome)

	reserved, _ := h.store.GetReservedPorts()
	assert.Equal(t, map[int]string{20001: "web"}, reserved)
}

func TestStopWhenNotRunningDropsStaleReservations(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.add(t, "api", sleepCmd, map[string]int{"http": 20002})
	require.NoError(t, h.store.ReservePorts("api", []int{20002}))

	r, err := h.c.StopProject(ctx, "api", StopOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotRunning, r.Outcome)

	reserved, _ := h.store.GetReservedPorts()
	assert.Empty(t, reserved)
}

func TestStartUnknownProject(t *testing.T) {
	h := newHarness(t)
	r, err := h.c.StartProject(context.Background(), "ghost", Options{})
	assert.True(t, errors.Is(err, registry.ErrProjectNotFound))
	assert.False(t, r.Success)
	assert.Equal(t, OutcomeFailed, r.Outcome)
}

func TestStartWithoutCommand(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.RegisterProject(registry.Project{Name: "bare"}))

	_, err := h.c.StartProject(context.Background(), "bare", Options{})
	assert.True(t, errors.Is(err, monitor.ErrSpawnFailed))
}

func TestStartWithDependenciesInOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.add(t, "db", sleepCmd, nil)
	h.add(t, "api", sleepCmd, nil, "db")
	h.add(t, "web", sleepCmd, nil, "api")

	results := h.c.StartWithDependencies(ctx, "web", Options{})
	assert.Equal(t, []string{"db", "api", "web"}, projectsOf(results))
	for _, r := range results {
		assert.True(t, r.Success, "%s: %s", r.Project, r.Message)
	}

	stopped, err := h.c.StopAll(ctx, StopOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"web", "api", "db"}, projectsOf(stopped))
}

func TestFailedDependencySkipsDependents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.add(t, "db", "exit 1", nil)
	h.add(t, "api", sleepCmd, nil, "db")
	h.add(t, "web", sleepCmd, nil, "api")

	r, err := h.c.StartProject(ctx, "web", Options{WithDependencies: true})
	require.Error(t, err)
	assert.Equal(t, OutcomeSkipped, r.Outcome)

	results := h.c.StartWithDependencies(ctx, "web", Options{})
	require.Len(t, results, 3)
	assert.Equal(t, OutcomeFailed, results[0].Outcome)
	assert.True(t, errors.Is(results[0].Err, monitor.ErrSpawnFailed))
	assert.Equal(t, OutcomeSkipped, results[1].Outcome)
	assert.Equal(t, OutcomeSkipped, results[2].Outcome)

	running, _ := h.mon.IsRunning(ctx, "api")
	assert.False(t, running)
}

func TestFailureHaltsRestOfChain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.add(t, "api", "exit 1", nil)
	h.add(t, "cache", sleepCmd, nil)
	h.add(t, "web", sleepCmd, nil, "api", "cache")

	results := h.c.StartWithDependencies(ctx, "web", Options{})
	assert.Equal(t, []string{"api", "cache", "web"}, projectsOf(results))
	assert.Equal(t, OutcomeFailed, results[0].Outcome)
	assert.Equal(t, OutcomeSkipped, results[1].Outcome)
	assert.Contains(t, results[1].Message, "'api'")
	assert.Equal(t, OutcomeSkipped, results[2].Outcome)
	assert.Equal(t, "dependency 'api' did not start", results[2].Message)

	running, _ := h.mon.IsRunning(ctx, "cache")
	assert.False(t, running)
}

func TestDryRunChangesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.add(t, "owner", sleepCmd, nil)
	require.NoError(t, h.store.ReservePorts("owner", []int{20010}))
	h.add(t, "api", serveCmd+" # --port 20010", map[string]int{"http": 20010})

	before, err := h.store.GetProjectRuntime("api")
	require.NoError(t, err)

	plain, err := h.c.StartProject(ctx, "api", Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDryRun, plain.Outcome)
	assert.False(t, plain.Success)
	assert.NotEmpty(t, plain.Notes)

	auto, err := h.c.StartProject(ctx, "api", Options{DryRun: true, AutoPorts: true})
	require.NoError(t, err)
	assert.True(t, auto.Success)
	assert.NotEqual(t, 20010, auto.Ports["http"])
	assert.Contains(t, auto.Command, "--port "+strconv.Itoa(auto.Ports["http"]))

	after, err := h.store.GetProjectRuntime("api")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	reserved, _ := h.store.GetReservedPorts()
	assert.Equal(t, map[int]string{20010: "owner"}, reserved)

	running, _ := h.mon.IsRunning(ctx, "api")
	assert.False(t, running)
}

func TestDryRunWithDependenciesChangesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.add(t, "owner", sleepCmd, nil)
	require.NoError(t, h.store.ReservePorts("owner", []int{20090}))
	h.add(t, "db", serveCmd, map[string]int{"pg": 20091})
	h.add(t, "api", serveCmd+" # --port 20090", map[string]int{"http": 20090}, "db")
	h.add(t, "web", serveCmd, map[string]int{"http": 20092}, "api")

	chain := []string{"db", "api", "web"}
	before := map[string]registry.RuntimeConfig{}
	for _, name := range chain {
		rc, err := h.store.GetProjectRuntime(name)
		require.NoError(t, err)
		before[name] = rc
	}

	opts := Options{DryRun: true, AutoPorts: true, WithDependencies: true}
	results := h.c.StartWithDependencies(ctx, "web", opts)
	assert.Equal(t, chain, projectsOf(results))
	for _, r := range results {
		assert.Equal(t, OutcomeDryRun, r.Outcome, r.Project)
	}
	assert.NotEqual(t, 20090, results[1].Ports["http"])

	r, err := h.c.StartProject(ctx, "web", opts)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDryRun, r.Outcome)

	for _, name := range chain {
		rc, err := h.store.GetProjectRuntime(name)
		require.NoError(t, err)
		assert.Equal(t, before[name], rc, name)

		running, _ := h.mon.IsRunning(ctx, name)
		assert.False(t, running, name)
	}

	reserved, _ := h.store.GetReservedPorts()
	assert.Equal(t, map[int]string{20090: "owner"}, reserved)
}

func TestPortReservedByOtherProjectFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.add(t, "owner", sleepCmd, nil)
	require.NoError(t, h.store.ReservePorts("owner", []int{20020}))
	h.add(t, "api", serveCmd, map[string]int{"http": 20020})

	r, err := h.c.StartProject(ctx, "api", Options{})
	assert.True(t, errors.Is(err, registry.ErrPortAlreadyReserved))
	assert.Equal(t, OutcomeFailed, r.Outcome)

	running, _ := h.mon.IsRunning(ctx, "api")
	assert.False(t, running)
}

func TestExternallyOccupiedPortFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.add(t, "api", serveCmd, map[string]int{"http": 20030})
	require.NoError(t, os.WriteFile(filepath.Join(h.markers, "20030"), nil, 0o600))

	_, err := h.c.StartProject(ctx, "api", Options{})
	assert.True(t, errors.Is(err, ports.ErrPortUnavailable))
}

func TestOwnReservationBoundByOutsiderFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.add(t, "api", sleepCmd, map[string]int{"http": 20031})
	require.NoError(t, h.store.ReservePorts("api", []int{20031}))
	require.NoError(t, os.WriteFile(filepath.Join(h.markers, "20031"), nil, 0o600))

	conflicts, err := h.c.DetectPortConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, ports.ExternallyOccupied, conflicts[0].Type)

	r, err := h.c.StartProject(ctx, "api", Options{})
	assert.True(t, errors.Is(err, ports.ErrPortUnavailable))
	assert.Equal(t, OutcomeFailed, r.Outcome)

	running, _ := h.mon.IsRunning(ctx, "api")
	assert.False(t, running)
}

func TestAutoPortsSubstitutionIsSticky(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.add(t, "owner", sleepCmd, nil)
	require.NoError(t, h.store.ReservePorts("owner", []int{20040}))
	h.add(t, "api", serveCmd+" # --port 20040", map[string]int{"http": 20040})

	r, err := h.c.StartProject(ctx, "api", Options{AutoPorts: true})
	require.NoError(t, err)
	assert.True(t, r.Success)
	newPort := r.Ports["http"]
	assert.NotEqual(t, 20040, newPort)
	assert.GreaterOrEqual(t, newPort, 20000)
	assert.LessOrEqual(t, newPort, 20100)

	rc, err := h.store.GetProjectRuntime("api")
	require.NoError(t, err)
	assert.Equal(t, newPort, rc.Ports["http"])
	assert.Contains(t, rc.Commands.Start, "--port "+strconv.Itoa(newPort))

	reserved, _ := h.store.GetReservedPorts()
	assert.Equal(t, "api", reserved[newPort])
	assert.Equal(t, "owner", reserved[20040])
}

func TestStartTimeoutLeavesProcessRunning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	// Never creates the marker, so the port never looks bound.
	h.add(t, "slow", sleepCmd, map[string]int{"http": 20050})

	r, err := h.c.StartProject(ctx, "slow", Options{Timeout: 600 * time.Millisecond})
	assert.True(t, errors.Is(err, ErrStartTimeout))
	assert.False(t, r.Success)
	assert.Equal(t, OutcomeTimeout, r.Outcome)
	assert.Equal(t, "timeout", r.Message)

	running, _ := h.mon.IsRunning(ctx, "slow")
	assert.True(t, running)
	reserved, _ := h.store.GetReservedPorts()
	assert.Equal(t, "slow", reserved[20050])
}

func TestStopProjectsPartialFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.add(t, "B", sleepCmd, nil)
	_, err := h.c.StartProject(ctx, "B", Options{})
	require.NoError(t, err)

	results := h.c.StopProjects(ctx, []string{"A", "B"}, StopOptions{})
	require.Len(t, results, 2)
	assert.Equal(t, "A", results[0].Project)
	assert.False(t, results[0].Success)
	assert.True(t, errors.Is(results[0].Err, registry.ErrProjectNotFound))
	assert.Equal(t, "B", results[1].Project)
	assert.True(t, results[1].Success)
	h.waitStopped(t, "B")
}

func TestStopWithDependents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.add(t, "db", sleepCmd, nil)
	h.add(t, "api", sleepCmd, nil, "db")
	h.add(t, "docs", sleepCmd, nil)

	for _, r := range h.c.StartProjects(ctx, []string{"api", "docs"}, Options{WithDependencies: true}) {
		require.True(t, r.Success, "%s: %s", r.Project, r.Message)
	}

	results := h.c.StopWithDependents(ctx, "db", StopOptions{})
	assert.Equal(t, []string{"api", "db"}, projectsOf(results))

	running, _ := h.mon.IsRunning(ctx, "docs")
	assert.True(t, running)
}

func TestRestartProject(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.add(t, "api", serveCmd, map[string]int{"http": 20060})

	first, err := h.c.StartProject(ctx, "api", Options{})
	require.NoError(t, err)

	second, err := h.c.RestartProject(ctx, "api", Options{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, second.Outcome)
	assert.NotEqual(t, first.PID, second.PID)

	live, err := h.mon.Live(ctx, "api")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, second.PID, live[0].PID)
}

func TestStartProjectsGroupsSharedDependencies(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.add(t, "db", sleepCmd, nil)
	h.add(t, "api", sleepCmd, nil, "db")
	h.add(t, "admin", sleepCmd, nil, "db")
	h.add(t, "docs", sleepCmd, nil)

	results := h.c.StartProjects(ctx, []string{"api", "admin", "docs", "ghost"}, Options{WithDependencies: true})

	count := map[string]int{}
	for _, r := range results {
		count[r.Project]++
		if r.Project == "ghost" {
			assert.True(t, errors.Is(r.Err, registry.ErrProjectNotFound))
			continue
		}
		assert.True(t, r.Success, "%s: %s", r.Project, r.Message)
	}
	assert.Equal(t, map[string]int{"db": 1, "api": 1, "admin": 1, "docs": 1, "ghost": 1}, count)
}

func TestCycleIsReported(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.add(t, "a", sleepCmd, nil, "b")
	h.add(t, "b", sleepCmd, nil, "a")

	_, err := h.c.StartProject(ctx, "a", Options{WithDependencies: true})
	assert.True(t, errors.Is(err, graph.ErrCycleDetected))

	view, err := h.c.GetProjectDependencyGraph(ctx)
	require.NoError(t, err)
	assert.Len(t, view.Nodes, 2)
	assert.Contains(t, view.OrderError, "cycle")

	stopped, err := h.c.StopAll(ctx, StopOptions{})
	require.NoError(t, err)
	assert.Len(t, stopped, 2)
}

func TestAssignAndReleasePorts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.add(t, "api", sleepCmd, nil)
	h.add(t, "web", sleepCmd, nil)

	rc, err := h.c.AssignPorts("api", map[string]int{"http": 20070, "grpc": 20071})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"http": 20070, "grpc": 20071}, rc.Ports)

	_, err = h.c.AssignPorts("web", map[string]int{"http": 20070})
	assert.True(t, errors.Is(err, registry.ErrPortAlreadyReserved))
	webRC, _ := h.store.GetProjectRuntime("web")
	assert.Empty(t, webRC.Ports, "failed assignment configures nothing")

	report, err := h.c.ProjectPorts(ctx, "api")
	require.NoError(t, err)
	require.Len(t, report.Bindings, 2)
	assert.Equal(t, "grpc", report.Bindings[0].Service)
	assert.Equal(t, []int{20070, 20071}, report.Reserved)

	conflicts, err := h.c.DetectPortConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	require.NoError(t, h.c.ReleasePorts("api", []int{20071}))
	report, _ = h.c.ProjectPorts(ctx, "api")
	assert.Equal(t, []int{20070}, report.Reserved)
}

func TestDetectPortConflictsAcrossProjects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.add(t, "A", sleepCmd, nil)
	h.add(t, "B", sleepCmd, map[string]int{"web": 20080})
	_, err := h.c.AssignPorts("A", map[string]int{"web": 20080})
	require.NoError(t, err)

	conflicts, err := h.c.DetectPortConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "B", conflicts[0].RequestedBy)
	assert.Equal(t, "A", conflicts[0].Owner)
	assert.Equal(t, ports.ReservedByOtherProject, conflicts[0].Type)
	assert.Len(t, conflicts[0].Suggestions, 3)
}

func TestGlobalStatusAndDependencies(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.add(t, "db", sleepCmd, nil)
	h.add(t, "api", sleepCmd, nil, "db")
	h.add(t, "web", sleepCmd, nil, "api")

	_, err := h.c.StartProject(ctx, "db", Options{})
	require.NoError(t, err)

	status, err := h.c.GetGlobalStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Running)
	assert.Equal(t, 2, status.Stopped)
	require.Len(t, status.Projects, 3)

	procs, err := h.c.ListProcesses(ctx)
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, "db", procs[0].Project)

	deps, err := h.c.ProjectDependencies("api")
	require.NoError(t, err)
	assert.Equal(t, []string{"db"}, deps.Dependencies)
	assert.Equal(t, []string{"web"}, deps.Dependents)
	assert.Equal(t, []string{"db", "api"}, deps.StartOrder)

	view, err := h.c.GetProjectDependencyGraph(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"db", "api", "web"}, view.StartOrder)
	for _, n := range view.Nodes {
		if n.Name == "db" {
			assert.Equal(t, StateRunning, n.Status)
		} else {
			assert.Equal(t, StateStopped, n.Status)
		}
	}
}

func TestResolveWorkDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "frontend", "app"), 0o755))

	dir, cmd := resolveWorkDir(root, "cd frontend && cd app && npm start")
	assert.Equal(t, filepath.Join(root, "frontend", "app"), dir)
	assert.Equal(t, "npm start", cmd)

	dir, cmd = resolveWorkDir(root, "cd missing && npm start")
	assert.Equal(t, root, dir)
	assert.Equal(t, "cd missing && npm start", cmd)

	dir, cmd = resolveWorkDir(root, "npm start")
	assert.Equal(t, root, dir)
	assert.Equal(t, "npm start", cmd)
}

func TestBuildEnv(t *testing.T) {
	env := buildEnv([]string{"HOME=/home/me"}, map[string]int{"web-ui": 3000}, map[string]string{"PORT": "9999"})
	assert.Equal(t, []string{"HOME=/home/me", "WEB_UI_PORT=3000", "PORT=3000", "PORT=9999"}, env)

	env = buildEnv(nil, map[string]int{"api": 4000, "grpc": 4001}, nil)
	assert.Equal(t, []string{"API_PORT=4000", "GRPC_PORT=4001"}, env)
}
