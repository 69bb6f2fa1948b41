// Package ports probes, searches and reserves TCP ports for projects.
package ports

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	MinPort = 1
	MaxPort = 65535

	defaultWorkers   = 16
	suggestionCount  = 3
	suggestionWindow = 100
)

// ErrPortUnavailable is returned when a port is bound by a process octo does
// not manage.
var ErrPortUnavailable = errors.New("port unavailable")

// ReservationStore is the reservation table.
type ReservationStore interface {
	GetReservedPorts() (map[int]string, error)
	ReservePorts(name string, ports []int) error
	ReleasePorts(name string, ports []int) error
}

// Allocator combines live probing with the reservation table.
type Allocator struct {
	store    ReservationStore
	inUse    func(port int) bool
	occupant func(ctx context.Context) map[int]int
	workers  int
	log      zerolog.Logger
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Allocator) { a.log = l }
}

// WithProber replaces the live in-use check.
func WithProber(inUse func(port int) bool) Option {
	return func(a *Allocator) { a.inUse = inUse }
}

// WithOccupantLookup replaces the port -> PID lookup of listening sockets.
func WithOccupantLookup(fn func(ctx context.Context) map[int]int) Option {
	return func(a *Allocator) { a.occupant = fn }
}

// WithWorkers bounds how many probes run at once.
func WithWorkers(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.workers = n
		}
	}
}

// New creates an Allocator over store.
func New(store ReservationStore, opts ...Option) *Allocator {
	a := &Allocator{
		store:    store,
		inUse:    IsPortInUse,
		occupant: listeningPIDs,
		workers:  defaultWorkers,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// IsPortInUse reports whether a TCP listener on all interfaces cannot be
// bound to port. The answer is only true at the moment of the call.
func IsPortInUse(port int) bool {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return true
	}
	ln.Close()
	return false
}

// IsPortInUse runs the configured probe.
func (a *Allocator) IsPortInUse(port int) bool {
	return a.inUse(port)
}

// ParseRange parses "start-end".
func ParseRange(s string) (int, int, error) {
	lo, hi, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid port range '%s': expected start-end", s)
	}
	start, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range start '%s'", lo)
	}
	end, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range end '%s'", hi)
	}
	if err := validateRange(start, end); err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func validateRange(start, end int) error {
	if start < MinPort || end > MaxPort || start > end {
		return fmt.Errorf("invalid port range %d-%d", start, end)
	}
	return nil
}

func validatePorts(ports []int) error {
	for _, p := range ports {
		if p < MinPort || p > MaxPort {
			return fmt.Errorf("invalid port %d", p)
		}
	}
	return nil
}

// FindAvailablePorts returns up to count ports in [start, end], ascending,
// that are neither reserved nor bound. Running out of candidates is not an
// error; the result is then shorter than count.
func (a *Allocator) FindAvailablePorts(ctx context.Context, count, start, end int) ([]int, error) {
	return a.find(ctx, count, start, end, nil)
}

// FindAvailablePortsExcluding is FindAvailablePorts that also skips exclude.
func (a *Allocator) FindAvailablePortsExcluding(ctx context.Context, count, start, end int, exclude []int) ([]int, error) {
	skip := make(map[int]bool, len(exclude))
	for _, p := range exclude {
		skip[p] = true
	}
	return a.find(ctx, count, start, end, skip)
}

func (a *Allocator) find(ctx context.Context, count, start, end int, exclude map[int]bool) ([]int, error) {
	if err := validateRange(start, end); err != nil {
		return nil, err
	}
	if count <= 0 {
		return []int{}, nil
	}

	reserved, err := a.store.GetReservedPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to read reserved ports: %w", err)
	}

	found := make([]int, 0, count)
	window := make([]int, 0, a.workers)
	flush := func() error {
		free, err := a.probeWindow(ctx, window)
		if err != nil {
			return err
		}
		for i, p := range window {
			if free[i] && len(found) < count {
				found = append(found, p)
			}
		}
		window = window[:0]
		return nil
	}

	for port := start; port <= end && len(found) < count; port++ {
		if _, taken := reserved[port]; taken || exclude[port] {
			continue
		}
		window = append(window, port)
		if len(window) == a.workers {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if len(window) > 0 && len(found) < count {
		if err := flush(); err != nil {
			return nil, err
		}
	}

	a.log.Debug().Int("count", count).Int("start", start).Int("end", end).Ints("found", found).Msg("searched for free ports")
	return found, nil
}

// probeWindow probes candidates concurrently; free[i] is the answer for
// candidates[i].
func (a *Allocator) probeWindow(ctx context.Context, candidates []int) ([]bool, error) {
	free := make([]bool, len(candidates))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, port := range candidates {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			free[i] = !a.inUse(port)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return free, nil
}

// Reserve records ports as owned by project. It fails with
// registry.ErrPortAlreadyReserved, reserving nothing, if any port belongs
// to another project.
func (a *Allocator) Reserve(project string, ports []int) error {
	if len(ports) == 0 {
		return nil
	}
	if err := validatePorts(ports); err != nil {
		return err
	}
	if err := a.store.ReservePorts(project, ports); err != nil {
		return err
	}
	a.log.Debug().Str("project", project).Ints("ports", ports).Msg("reserved ports")
	return nil
}

// Release drops project's reservations for ports, or all of them when ports
// is empty.
func (a *Allocator) Release(project string, ports []int) error {
	if err := validatePorts(ports); err != nil {
		return err
	}
	if err := a.store.ReleasePorts(project, ports); err != nil {
		return err
	}
	a.log.Debug().Str("project", project).Ints("ports", ports).Msg("released ports")
	return nil
}

// Reserved returns the reservation table.
func (a *Allocator) Reserved() (map[int]string, error) {
	return a.store.GetReservedPorts()
}

// PortsOf returns the ports reserved by project, ascending.
func (a *Allocator) PortsOf(project string) ([]int, error) {
	reserved, err := a.store.GetReservedPorts()
	if err != nil {
		return nil, err
	}
	out := []int{}
	for port, owner := range reserved {
		if owner == project {
			out = append(out, port)
		}
	}
	sort.Ints(out)
	return out, nil
}
