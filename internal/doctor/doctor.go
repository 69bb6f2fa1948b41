// Package doctor checks that a project can be started on this machine: its
// runtime and package manager are installed, its dependencies are present
// and its start command resolves.
package doctor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RuntimeStatus represents the status of a runtime check
type RuntimeStatus struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
	Version   string `json:"version,omitempty"`
	Path      string `json:"path,omitempty"`
}

// DependencyStatus represents the status of project dependencies
type DependencyStatus struct {
	Manager          string `json:"manager,omitempty"`
	ConfigFile       string `json:"configFile,omitempty"`
	Installed        bool   `json:"installed"`
	InstallCommand   string `json:"installCommand,omitempty"`
	ManagerInstalled bool   `json:"managerInstalled"`
}

// Diagnosis contains the full health check results
type Diagnosis struct {
	Project      string           `json:"project"`
	Path         string           `json:"path"`
	Language     string           `json:"language"`
	StartCommand string           `json:"startCommand,omitempty"`
	Runtime      RuntimeStatus    `json:"runtime"`
	Dependencies DependencyStatus `json:"dependencies"`
	Healthy      bool             `json:"healthy"`
	Issues       []string         `json:"issues"`
}

type runtimeSpec struct {
	name     string
	binaries []string
	flag     string
}

var runtimes = map[string]runtimeSpec{
	"Node":   {"Node.js", []string{"node"}, "--version"},
	"Python": {"Python", []string{"python3", "python"}, "--version"},
	"Java":   {"Java", []string{"java"}, "-version"},
	"Go":     {"Go", []string{"go"}, "version"},
	"Ruby":   {"Ruby", []string{"ruby"}, "--version"},
	"Rust":   {"Rust", []string{"cargo"}, "--version"},
	"HTML":   {"Python", []string{"python3", "python"}, "--version"},
}

// dependencySpec describes how a language's dependencies are declared and
// how to tell they were installed.
type dependencySpec struct {
	manager    string
	configFile string
	// installed is a file or directory present once dependencies are fetched.
	installed string
	install   string
}

var dependencies = map[string][]dependencySpec{
	"Python": {
		{"pip", "requirements.txt", ".venv", "python3 -m venv .venv && .venv/bin/pip install -r requirements.txt"},
		{"poetry", "pyproject.toml", "poetry.lock", "poetry install"},
	},
	"Java": {
		{"mvn", "pom.xml", "target", "mvn package"},
		{"gradle", "build.gradle", "build", "gradle build"},
	},
	"Go":   {{"go", "go.mod", "go.sum", "go mod download"}},
	"Ruby": {{"bundle", "Gemfile", "Gemfile.lock", "bundle install"}},
	"Rust": {{"cargo", "Cargo.toml", "Cargo.lock", "cargo fetch"}},
}

// Node package managers by lock file, most specific first.
var nodeManagers = []struct {
	lockFile string
	manager  string
}{
	{"pnpm-lock.yaml", "pnpm"},
	{"pnpm-workspace.yaml", "pnpm"},
	{"bun.lockb", "bun"},
	{"bun.lock", "bun"},
	{"yarn.lock", "yarn"},
}

// Doctor runs diagnoses.
type Doctor struct {
	lookPath func(file string) (string, error)
	version  func(ctx context.Context, bin, flag string) (string, error)
	timeout  time.Duration
	log      zerolog.Logger
}

// Option configures a Doctor.
type Option func(*Doctor)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Doctor) { d.log = l }
}

// WithLookPath replaces the PATH lookup.
func WithLookPath(fn func(file string) (string, error)) Option {
	return func(d *Doctor) { d.lookPath = fn }
}

// WithVersionProbe replaces the command that reads a runtime's version.
func WithVersionProbe(fn func(ctx context.Context, bin, flag string) (string, error)) Option {
	return func(d *Doctor) { d.version = fn }
}

// New creates a Doctor.
func New(opts ...Option) *Doctor {
	d := &Doctor{
		lookPath: exec.LookPath,
		version:  runVersion,
		timeout:  5 * time.Second,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func runVersion(ctx context.Context, bin, flag string) (string, error) {
	// java -version writes to stderr.
	out, err := exec.CommandContext(ctx, bin, flag).CombinedOutput()
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(line), nil
}

// Diagnose checks the project in dir. language is one of the analyzer's
// language names; startCommand may be empty.
func (d *Doctor) Diagnose(ctx context.Context, project, dir, language, startCommand string) Diagnosis {
	diagnosis := Diagnosis{
		Project:      project,
		Path:         dir,
		Language:     language,
		StartCommand: startCommand,
		Healthy:      true,
		Issues:       []string{},
	}
	issue := func(msg string) {
		diagnosis.Healthy = false
		diagnosis.Issues = append(diagnosis.Issues, msg)
	}

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		issue("project directory " + dir + " does not exist")
		return diagnosis
	}

	if spec, ok := runtimes[language]; ok {
		diagnosis.Runtime = d.checkRuntime(ctx, spec)
		if !diagnosis.Runtime.Installed {
			issue(diagnosis.Runtime.Name + " runtime is not installed")
		}
	} else {
		diagnosis.Runtime = RuntimeStatus{Name: "Unknown"}
	}

	diagnosis.Dependencies = d.checkDependencies(dir, language)
	deps := diagnosis.Dependencies
	if deps.ConfigFile != "" && !deps.ManagerInstalled {
		issue(deps.Manager + " is required but not installed")
	}
	if deps.ConfigFile != "" && !deps.Installed {
		issue("dependencies are not installed, run: " + deps.InstallCommand)
	}

	switch bin := commandBinary(startCommand); {
	case startCommand == "":
		issue("no start command configured")
	case bin != "" && !strings.Contains(bin, "/"):
		if _, err := d.lookPath(bin); err != nil {
			issue("start command '" + bin + "' is not on PATH")
		}
	}

	d.log.Debug().Str("project", project).Bool("healthy", diagnosis.Healthy).Strs("issues", diagnosis.Issues).Msg("diagnosed")
	return diagnosis
}

func (d *Doctor) checkRuntime(ctx context.Context, spec runtimeSpec) RuntimeStatus {
	status := RuntimeStatus{Name: spec.name}
	for _, bin := range spec.binaries {
		path, err := d.lookPath(bin)
		if err != nil {
			continue
		}
		status.Installed = true
		status.Path = path

		vctx, cancel := context.WithTimeout(ctx, d.timeout)
		version, err := d.version(vctx, bin, spec.flag)
		cancel()
		if err != nil {
			d.log.Debug().Err(err).Str("binary", bin).Msg("could not read version")
		}
		status.Version = version
		return status
	}
	return status
}

func (d *Doctor) checkDependencies(dir, language string) DependencyStatus {
	if language == "Node" {
		return d.checkNodeDependencies(dir)
	}
	for _, spec := range dependencies[language] {
		if !exists(dir, spec.configFile) {
			continue
		}
		_, err := d.lookPath(spec.manager)
		if spec.manager == "pip" && err != nil {
			_, err = d.lookPath("python3")
		}
		return DependencyStatus{
			Manager:          spec.manager,
			ConfigFile:       spec.configFile,
			Installed:        exists(dir, spec.installed),
			InstallCommand:   spec.install,
			ManagerInstalled: err == nil,
		}
	}
	return DependencyStatus{ManagerInstalled: true}
}

func (d *Doctor) checkNodeDependencies(dir string) DependencyStatus {
	if !exists(dir, "package.json") {
		return DependencyStatus{ManagerInstalled: true}
	}
	manager := "npm"
	for _, m := range nodeManagers {
		if exists(dir, m.lockFile) {
			manager = m.manager
			break
		}
	}
	_, err := d.lookPath(manager)
	return DependencyStatus{
		Manager:          manager,
		ConfigFile:       "package.json",
		Installed:        exists(dir, "node_modules"),
		InstallCommand:   manager + " install",
		ManagerInstalled: err == nil,
	}
}

// commandBinary returns the program a shell command runs first, skipping
// leading VAR=value assignments.
func commandBinary(command string) string {
	for _, field := range strings.Fields(command) {
		if strings.Contains(field, "=") && !strings.HasPrefix(field, "=") {
			continue
		}
		return field
	}
	return ""
}

func exists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
