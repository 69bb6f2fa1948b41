package monitor

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const maxDescendantDepth = 8

// Usage is a point-in-time resource sample of one project.
type Usage struct {
	Running    bool            `json:"running"`
	CPUPercent float64         `json:"cpuPercent"`
	MemoryMB   float64         `json:"memoryMB"`
	Uptime     time.Duration   `json:"uptime"`
	Processes  []ProcessRecord `json:"processes"`
	SampledAt  time.Time       `json:"sampledAt"`
}

// HostStats are machine-wide statistics.
type HostStats struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryUsed    uint64  `json:"memoryUsed"`
	MemoryTotal   uint64  `json:"memoryTotal"`
	MemoryPercent float64 `json:"memoryPercent"`
	Hostname      string  `json:"hostname,omitempty"`
	Platform      string  `json:"platform,omitempty"`
	Uptime        uint64  `json:"uptime,omitempty"`
}

// Sample measures the live processes of project, descendants included.
// CPU is measured since the previous sample taken by this Monitor, or since
// process start for the first one.
func (m *Monitor) Sample(ctx context.Context, project string) (Usage, error) {
	live, err := m.Live(ctx, project)
	if err != nil {
		return Usage{}, err
	}

	now := time.Now()
	usage := Usage{SampledAt: now, Processes: []ProcessRecord{}}
	var earliest time.Time
	for _, rec := range live {
		cpuPct, rssMB := m.measure(ctx, int32(rec.PID))
		rec.CPUPercent = cpuPct
		rec.MemoryMB = rssMB
		usage.Processes = append(usage.Processes, rec)
		usage.CPUPercent += cpuPct
		usage.MemoryMB += rssMB

		if earliest.IsZero() || rec.StartedAt.Before(earliest) {
			earliest = rec.StartedAt
		}
	}

	if len(usage.Processes) > 0 {
		usage.Running = true
		usage.Uptime = now.Sub(earliest).Truncate(time.Second)
	}
	return usage, nil
}

// measure returns CPU% and RSS in MB of pid and its descendants.
func (m *Monitor) measure(ctx context.Context, pid int32) (float64, float64) {
	root := m.handle(ctx, pid)
	if root == nil {
		return 0, 0
	}

	var cpuPct, rss float64
	seen := map[int32]bool{}
	var walk func(p *process.Process, depth int)
	walk = func(p *process.Process, depth int) {
		if seen[p.Pid] || depth > maxDescendantDepth {
			return
		}
		seen[p.Pid] = true

		if pct, err := m.cpuPercent(ctx, p); err == nil {
			cpuPct += pct
		}
		if info, err := p.MemoryInfoWithContext(ctx); err == nil {
			rss += float64(info.RSS) / (1024 * 1024)
		}

		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			return
		}
		for _, child := range children {
			if h := m.handle(ctx, child.Pid); h != nil {
				walk(h, depth+1)
			}
		}
	}
	walk(root, 0)

	return cpuPct, rss
}

// cpuPercent uses the delta since the previous call on a cached handle and
// falls back to the lifetime average on the first one.
func (m *Monitor) cpuPercent(ctx context.Context, p *process.Process) (float64, error) {
	m.mu.Lock()
	sampled := m.sampled[p.Pid]
	m.sampled[p.Pid] = true
	m.mu.Unlock()

	if sampled {
		return p.PercentWithContext(ctx, 0)
	}
	// Prime the handle so the next call measures a delta.
	_, _ = p.PercentWithContext(ctx, 0)
	return p.CPUPercentWithContext(ctx)
}

func (m *Monitor) handle(ctx context.Context, pid int32) *process.Process {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.handles[pid]; ok {
		return p
	}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil
	}
	m.handles[pid] = p
	return p
}

// Host samples machine-wide CPU and memory.
func (m *Monitor) Host(ctx context.Context) (HostStats, error) {
	var stats HostStats

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return stats, err
	}
	stats.MemoryUsed = vm.Used
	stats.MemoryTotal = vm.Total
	stats.MemoryPercent = vm.UsedPercent

	if info, err := host.InfoWithContext(ctx); err == nil {
		stats.Hostname = info.Hostname
		stats.Platform = info.Platform
		stats.Uptime = info.Uptime
	}
	return stats, nil
}
