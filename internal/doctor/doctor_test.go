package doctor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePath pretends only the given binaries are installed.
func fakePath(installed ...string) Option {
	return WithLookPath(func(file string) (string, error) {
		for _, bin := range installed {
			if bin == file {
				return "/usr/bin/" + file, nil
			}
		}
		return "", errors.New("executable file not found in $PATH")
	})
}

func fakeVersion(version string) Option {
	return WithVersionProbe(func(ctx context.Context, bin, flag string) (string, error) {
		return version, nil
	})
}

func project(t *testing.T, files ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, nil, 0o644))
	}
	return dir
}

func TestDiagnoseHealthyGoProject(t *testing.T) {
	dir := project(t, "go.mod", "go.sum")
	d := New(fakePath("go"), fakeVersion("go version go1.22.0 linux/amd64"))

	got := d.Diagnose(context.Background(), "billing", dir, "Go", "go run .")
	assert.True(t, got.Healthy, got.Issues)
	assert.Empty(t, got.Issues)
	assert.Equal(t, "Go", got.Runtime.Name)
	assert.Equal(t, "/usr/bin/go", got.Runtime.Path)
	assert.Equal(t, "go version go1.22.0 linux/amd64", got.Runtime.Version)
	assert.Equal(t, "go.mod", got.Dependencies.ConfigFile)
	assert.True(t, got.Dependencies.Installed)
}

func TestDiagnoseIssues(t *testing.T) {
	tests := []struct {
		name      string
		files     []string
		language  string
		command   string
		installed []string
		want      []string
	}{
		{
			name:      "missing runtime",
			files:     []string{"Gemfile", "Gemfile.lock"},
			language:  "Ruby",
			command:   "bundle exec rackup",
			installed: []string{"bundle"},
			want:      []string{"Ruby runtime is not installed"},
		},
		{
			name:      "dependencies not installed",
			files:     []string{"package.json"},
			language:  "Node",
			command:   "npm start",
			installed: []string{"node", "npm"},
			want:      []string{"dependencies are not installed, run: npm install"},
		},
		{
			name:      "package manager from lock file",
			files:     []string{"package.json", "pnpm-lock.yaml", "node_modules/.keep"},
			language:  "Node",
			command:   "pnpm dev",
			installed: []string{"node"},
			want: []string{
				"pnpm is required but not installed",
				"start command 'pnpm' is not on PATH",
			},
		},
		{
			name:      "no start command",
			files:     []string{"index.html"},
			language:  "HTML",
			installed: []string{"python3"},
			want:      []string{"no start command configured"},
		},
		{
			name:      "env assignments are skipped",
			files:     []string{"Cargo.toml", "Cargo.lock"},
			language:  "Rust",
			command:   "RUST_LOG=debug PORT=8080 ./target/debug/server",
			installed: []string{"cargo"},
			want:      []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := project(t, tt.files...)
			d := New(fakePath(tt.installed...), fakeVersion("1.0"))

			got := d.Diagnose(context.Background(), "p", dir, tt.language, tt.command)
			assert.Equal(t, tt.want, got.Issues)
			assert.Equal(t, len(tt.want) == 0, got.Healthy)
		})
	}
}

func TestDiagnoseMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "gone")
	got := New(fakePath()).Diagnose(context.Background(), "p", dir, "Go", "go run .")
	assert.False(t, got.Healthy)
	assert.Equal(t, []string{"project directory " + dir + " does not exist"}, got.Issues)
}

func TestCommandBinary(t *testing.T) {
	tests := map[string]string{
		"npm start":             "npm",
		"PORT=3000 node app.js": "node",
		"":                      "",
		"A=1 B=2":               "",
		"./gradlew bootRun":     "./gradlew",
	}
	for in, want := range tests {
		assert.Equal(t, want, commandBinary(in), in)
	}
}
