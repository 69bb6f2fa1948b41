package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	projectsFile = "projects.yaml"
	lockFile     = "projects.lock"
	stateFile    = "state.db"
	logsDir      = "logs"
)

// document is the on-disk layout of projects.yaml.
type document struct {
	Projects []*projectEntry `yaml:"projects"`
}

type projectEntry struct {
	Project `yaml:",inline"`
	Runtime *RuntimeConfig `yaml:"runtime,omitempty"`
}

func (d *document) find(name string) *projectEntry {
	for _, e := range d.Projects {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// FileStore keeps projects and runtime configuration in projects.yaml and
// port reservations plus process records in an SQLite database next to it.
// Nothing is cached between calls.
type FileStore struct {
	dir   string
	db    *sql.DB
	coord CoordinationConfig
	log   zerolog.Logger

	// mu serializes read-modify-write cycles inside this process; the file
	// lock covers other processes.
	mu sync.Mutex
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithLogger sets the store logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *FileStore) { s.log = l }
}

// Open opens (creating if needed) the store rooted at dir.
func Open(dir string, coord CoordinationConfig, opts ...Option) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("registry directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve registry directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, logsDir), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	s := &FileStore{dir: abs, coord: coord, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}

	db, err := openState(filepath.Join(abs, stateFile))
	if err != nil {
		return nil, err
	}
	s.db = db

	s.log.Debug().Str("dir", abs).Msg("registry opened")
	return s, nil
}

// Close releases the database handle.
func (s *FileStore) Close() error {
	return s.db.Close()
}

// Dir returns the registry root directory.
func (s *FileStore) Dir() string { return s.dir }

// LogPath returns the output log file used for a project's processes.
func (s *FileStore) LogPath(name string) string {
	return filepath.Join(s.dir, logsDir, name+".log")
}

// GetCoordinationConfig returns the coordination defaults the store was opened with.
func (s *FileStore) GetCoordinationConfig() CoordinationConfig {
	return s.coord
}

// RegisterProject adds a project or replaces its metadata. Runtime
// configuration of an existing project is kept.
func (s *FileStore) RegisterProject(p Project) error {
	if p.Name == "" {
		return errors.New("project name is required")
	}
	if p.Status == "" {
		p.Status = StatusActive
	}
	if !p.Status.Valid() {
		return fmt.Errorf("invalid status '%s' for project '%s'", p.Status, p.Name)
	}
	for _, dep := range p.DependsOn {
		if dep == p.Name {
			return fmt.Errorf("project '%s' cannot depend on itself", p.Name)
		}
	}
	if p.Path != "" {
		if abs, err := filepath.Abs(p.Path); err == nil {
			p.Path = abs
		}
	}

	return s.update(func(doc *document) error {
		known := make(map[string]bool, len(doc.Projects))
		for _, e := range doc.Projects {
			known[e.Name] = true
		}
		for _, dep := range p.DependsOn {
			if !known[dep] {
				s.log.Warn().Str("project", p.Name).Str("dependency", dep).Msg("dependency is not registered yet")
			}
		}

		if existing := doc.find(p.Name); existing != nil {
			existing.Project = p
			return nil
		}
		doc.Projects = append(doc.Projects, &projectEntry{Project: p})
		sort.Slice(doc.Projects, func(i, j int) bool { return doc.Projects[i].Name < doc.Projects[j].Name })
		return nil
	})
}

// GetProject returns a registered project.
func (s *FileStore) GetProject(name string) (Project, error) {
	doc, err := s.load()
	if err != nil {
		return Project{}, err
	}
	e := doc.find(name)
	if e == nil {
		return Project{}, fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}
	return e.Project, nil
}

// ListProjects returns every project sorted by name.
func (s *FileStore) ListProjects() ([]Project, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]Project, 0, len(doc.Projects))
	for _, e := range doc.Projects {
		out = append(out, e.Project)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetProjectRuntime returns the runtime configuration of a project. A project
// that was never configured has an empty one.
func (s *FileStore) GetProjectRuntime(name string) (RuntimeConfig, error) {
	doc, err := s.load()
	if err != nil {
		return RuntimeConfig{}, err
	}
	e := doc.find(name)
	if e == nil {
		return RuntimeConfig{}, fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}
	if e.Runtime == nil {
		return RuntimeConfig{}, nil
	}
	return e.Runtime.Clone(), nil
}

// UpdateProjectRuntime applies a partial update, creating the runtime
// configuration on first use.
func (s *FileStore) UpdateProjectRuntime(name string, update RuntimeUpdate) (RuntimeConfig, error) {
	var result RuntimeConfig
	err := s.update(func(doc *document) error {
		e := doc.find(name)
		if e == nil {
			return fmt.Errorf("%w: %s", ErrProjectNotFound, name)
		}
		current := RuntimeConfig{}
		if e.Runtime != nil {
			current = *e.Runtime
		}
		next := update.Apply(current)
		e.Runtime = &next
		result = next.Clone()
		return nil
	})
	return result, err
}

// GetProjectDependencies returns the declared direct dependencies.
func (s *FileStore) GetProjectDependencies(name string) ([]string, error) {
	p, err := s.GetProject(name)
	if err != nil {
		return nil, err
	}
	return append([]string{}, p.DependsOn...), nil
}

// GetProjectDependents returns the projects that directly declare a
// dependency on name.
func (s *FileStore) GetProjectDependents(name string) ([]string, error) {
	projects, err := s.ListProjects()
	if err != nil {
		return nil, err
	}
	out := []string{}
	found := false
	for _, p := range projects {
		if p.Name == name {
			found = true
		}
		for _, dep := range p.DependsOn {
			if dep == name {
				out = append(out, p.Name)
				break
			}
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}
	return out, nil
}

// GetDependencyGraph returns every project's declared dependencies.
func (s *FileStore) GetDependencyGraph() (map[string][]string, error) {
	projects, err := s.ListProjects()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(projects))
	for _, p := range projects {
		out[p.Name] = append([]string{}, p.DependsOn...)
	}
	return out, nil
}

func (s *FileStore) load() (*document, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, projectsFile))
	if errors.Is(err, os.ErrNotExist) {
		return &document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", projectsFile, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", projectsFile, err)
	}
	return &doc, nil
}

// update runs a read-modify-write cycle on projects.yaml under the file lock
// and replaces the file atomically.
func (s *FileStore) update(fn func(*document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return withFileLock(filepath.Join(s.dir, lockFile), func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}

		data, err := yaml.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", projectsFile, err)
		}

		tmp, err := os.CreateTemp(s.dir, projectsFile+".*")
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", projectsFile, err)
		}
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("failed to write %s: %w", projectsFile, err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return fmt.Errorf("failed to write %s: %w", projectsFile, err)
		}
		return os.Rename(tmp.Name(), filepath.Join(s.dir, projectsFile))
	})
}
