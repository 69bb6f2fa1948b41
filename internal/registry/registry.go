// Package registry persists project declarations, runtime configuration,
// port reservations and process records for the orchestration core.
package registry

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrProjectNotFound is returned for names that were never registered.
	ErrProjectNotFound = errors.New("project not found")
	// ErrPortAlreadyReserved is returned when a port belongs to another project.
	ErrPortAlreadyReserved = errors.New("port already reserved")
)

// ProjectStatus is the registration status of a project.
type ProjectStatus string

const (
	StatusActive   ProjectStatus = "active"
	StatusPaused   ProjectStatus = "paused"
	StatusArchived ProjectStatus = "archived"
)

// Valid reports whether s is a known status.
func (s ProjectStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusArchived:
		return true
	}
	return false
}

// Project is a registered project.
type Project struct {
	Name           string        `yaml:"name" json:"name"`
	Path           string        `yaml:"path" json:"path"`
	Status         ProjectStatus `yaml:"status" json:"status"`
	Priority       int           `yaml:"priority,omitempty" json:"priority,omitempty"`
	DependsOn      []string      `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	LinkedProjects []string      `yaml:"linkedProjects,omitempty" json:"linkedProjects,omitempty"`
}

// Commands holds the shell commands used to start and stop a project.
type Commands struct {
	Start string `yaml:"start,omitempty" json:"start,omitempty"`
	Stop  string `yaml:"stop,omitempty" json:"stop,omitempty"`
}

// RuntimeConfig is how a project is run.
type RuntimeConfig struct {
	Commands    Commands          `yaml:"commands" json:"commands"`
	Ports       map[string]int    `yaml:"ports,omitempty" json:"ports,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
}

// Clone returns a deep copy.
func (rc RuntimeConfig) Clone() RuntimeConfig {
	out := RuntimeConfig{Commands: rc.Commands}
	if rc.Ports != nil {
		out.Ports = make(map[string]int, len(rc.Ports))
		for k, v := range rc.Ports {
			out.Ports[k] = v
		}
	}
	if rc.Environment != nil {
		out.Environment = make(map[string]string, len(rc.Environment))
		for k, v := range rc.Environment {
			out.Environment[k] = v
		}
	}
	return out
}

// RuntimeUpdate is a partial RuntimeConfig update. Nil fields are left
// untouched; map entries are merged over the existing ones.
type RuntimeUpdate struct {
	StartCommand *string
	StopCommand  *string
	Ports        map[string]int
	Environment  map[string]string
	// ReplacePorts replaces the whole port map instead of merging.
	ReplacePorts bool
}

// Apply merges u into rc and returns the result.
func (u RuntimeUpdate) Apply(rc RuntimeConfig) RuntimeConfig {
	out := rc.Clone()
	if u.StartCommand != nil {
		out.Commands.Start = *u.StartCommand
	}
	if u.StopCommand != nil {
		out.Commands.Stop = *u.StopCommand
	}
	if u.ReplacePorts {
		out.Ports = nil
	}
	if len(u.Ports) > 0 {
		if out.Ports == nil {
			out.Ports = make(map[string]int, len(u.Ports))
		}
		for k, v := range u.Ports {
			out.Ports[k] = v
		}
	}
	if len(u.Environment) > 0 {
		if out.Environment == nil {
			out.Environment = make(map[string]string, len(u.Environment))
		}
		for k, v := range u.Environment {
			out.Environment[k] = v
		}
	}
	return out
}

// CoordinationConfig holds defaults used by the coordinator.
type CoordinationConfig struct {
	PortRangeStart int
	PortRangeEnd   int
	StartTimeout   time.Duration
	StopTimeout    time.Duration
	Concurrency    int
}

// PortReservedError describes a reservation refused because another project
// owns the port.
type PortReservedError struct {
	Port      int
	Owner     string
	Requester string
}

func (e *PortReservedError) Error() string {
	return fmt.Sprintf("port %d is already reserved by '%s' (requested by '%s')", e.Port, e.Owner, e.Requester)
}

func (e *PortReservedError) Is(target error) bool { return target == ErrPortAlreadyReserved }

// Store is the registry surface the orchestration core depends on.
type Store interface {
	GetProject(name string) (Project, error)
	ListProjects() ([]Project, error)
	GetProjectRuntime(name string) (RuntimeConfig, error)
	UpdateProjectRuntime(name string, update RuntimeUpdate) (RuntimeConfig, error)
	ReservePorts(name string, ports []int) error
	ReleasePorts(name string, ports []int) error
	GetReservedPorts() (map[int]string, error)
	GetProjectDependencies(name string) ([]string, error)
	GetProjectDependents(name string) ([]string, error)
	GetDependencyGraph() (map[string][]string, error)
	GetCoordinationConfig() CoordinationConfig
}
