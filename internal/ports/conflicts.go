package ports

import (
	"context"
	"fmt"
	"sort"
	"sync"

	gnet "github.com/shirou/gopsutil/v3/net"
	"golang.org/x/sync/errgroup"
)

// ConflictType classifies why a requested port cannot be used.
type ConflictType string

const (
	ReservedByOtherProject ConflictType = "reserved-by-other-project"
	ExternallyOccupied     ConflictType = "externally-occupied"
)

// Conflict is a port a project wants but cannot have right now.
type Conflict struct {
	Port        int          `json:"port"`
	Service     string       `json:"service"`
	RequestedBy string       `json:"requestedBy"`
	Type        ConflictType `json:"type"`
	Owner       string       `json:"owner,omitempty"`
	OccupantPID int          `json:"occupantPid,omitempty"`
	Suggestions []int        `json:"suggestions,omitempty"`
}

func (c Conflict) String() string {
	if c.Type == ReservedByOtherProject {
		return fmt.Sprintf("port %d (%s) of '%s' is reserved by '%s'", c.Port, c.Service, c.RequestedBy, c.Owner)
	}
	if c.OccupantPID > 0 {
		return fmt.Sprintf("port %d (%s) of '%s' is in use by PID %d", c.Port, c.Service, c.RequestedBy, c.OccupantPID)
	}
	return fmt.Sprintf("port %d (%s) of '%s' is in use by another process", c.Port, c.Service, c.RequestedBy)
}

// PortStatus is the availability of a single port.
type PortStatus struct {
	Port        int    `json:"port"`
	Available   bool   `json:"available"`
	Owner       string `json:"owner,omitempty"`
	InUse       bool   `json:"inUse"`
	OccupantPID int    `json:"occupantPid,omitempty"`
}

// Classify checks the ports one project wants, without suggestions. A port
// reserved by project itself is a conflict only when project is not running
// and something else has bound it.
func (a *Allocator) Classify(ctx context.Context, project string, ports map[string]int, running bool) ([]Conflict, error) {
	reserved, err := a.store.GetReservedPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to read reserved ports: %w", err)
	}
	return a.classify(ctx, map[string]map[string]int{project: ports}, reserved, map[string]bool{project: running})
}

// DetectConflicts checks every project's requested ports against the
// reservation table and live probes and attaches nearby free suggestions.
// Own reservations of projects not in running are probed as well.
// Results are sorted by requesting project, then port.
func (a *Allocator) DetectConflicts(ctx context.Context, requests map[string]map[string]int, running map[string]bool) ([]Conflict, error) {
	reserved, err := a.store.GetReservedPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to read reserved ports: %w", err)
	}

	conflicts, err := a.classify(ctx, requests, reserved, running)
	if err != nil {
		return nil, err
	}
	if len(conflicts) == 0 {
		return conflicts, nil
	}

	var wanted []int
	for _, ports := range requests {
		for _, p := range ports {
			wanted = append(wanted, p)
		}
	}

	var occupants map[int]int
	for i := range conflicts {
		c := &conflicts[i]
		if c.Type == ExternallyOccupied {
			if occupants == nil {
				occupants = a.occupant(ctx)
			}
			c.OccupantPID = occupants[c.Port]
		}

		if c.Port < MaxPort {
			end := min(c.Port+suggestionWindow, MaxPort)
			suggestions, err := a.FindAvailablePortsExcluding(ctx, suggestionCount, c.Port+1, end, wanted)
			if err != nil {
				return nil, err
			}
			c.Suggestions = suggestions
		}
	}

	a.log.Debug().Int("conflicts", len(conflicts)).Msg("detected port conflicts")
	return conflicts, nil
}

func (a *Allocator) classify(ctx context.Context, requests map[string]map[string]int, reserved map[int]string, running map[string]bool) ([]Conflict, error) {
	var (
		mu        sync.Mutex
		conflicts = []Conflict{}
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for project, ports := range requests {
		for service, port := range ports {
			owner, isReserved := reserved[port]
			switch {
			case isReserved && owner == project && running[project]:
				continue
			case isReserved && owner != project:
				mu.Lock()
				conflicts = append(conflicts, Conflict{
					Port:        port,
					Service:     service,
					RequestedBy: project,
					Type:        ReservedByOtherProject,
					Owner:       owner,
				})
				mu.Unlock()
				continue
			}

			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				if !a.inUse(port) {
					return nil
				}
				mu.Lock()
				conflicts = append(conflicts, Conflict{
					Port:        port,
					Service:     service,
					RequestedBy: project,
					Type:        ExternallyOccupied,
				})
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(conflicts, func(i, j int) bool {
		if conflicts[i].RequestedBy != conflicts[j].RequestedBy {
			return conflicts[i].RequestedBy < conflicts[j].RequestedBy
		}
		if conflicts[i].Port != conflicts[j].Port {
			return conflicts[i].Port < conflicts[j].Port
		}
		return conflicts[i].Service < conflicts[j].Service
	})
	return conflicts, nil
}

// Check reports the availability of individual ports.
func (a *Allocator) Check(ctx context.Context, ports []int) ([]PortStatus, error) {
	if err := validatePorts(ports); err != nil {
		return nil, err
	}
	reserved, err := a.store.GetReservedPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to read reserved ports: %w", err)
	}

	out := make([]PortStatus, len(ports))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, port := range ports {
		out[i] = PortStatus{Port: port, Owner: reserved[port]}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i].InUse = a.inUse(port)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var occupants map[int]int
	for i := range out {
		if out[i].InUse {
			if occupants == nil {
				occupants = a.occupant(ctx)
			}
			out[i].OccupantPID = occupants[out[i].Port]
		}
		out[i].Available = !out[i].InUse && out[i].Owner == ""
	}
	return out, nil
}

// listeningPIDs maps listening TCP ports to the owning PID. It is best
// effort: sockets of other users are often not attributable.
func listeningPIDs(ctx context.Context) map[int]int {
	out := make(map[int]int)
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return out
	}
	for _, c := range conns {
		if c.Status == "LISTEN" && c.Pid > 0 {
			out[int(c.Laddr.Port)] = int(c.Pid)
		}
	}
	return out
}
