// Package analyzer guesses how to start a project from the files in its
// directory.
package analyzer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/harshul/octo/internal/ports"
)

// Detection is what the analyzer found in a project directory.
type Detection struct {
	Name         string `json:"name"`
	Language     string `json:"language"`
	Version      string `json:"version,omitempty"`
	StartCommand string `json:"startCommand,omitempty"`
	// Port is the port the start command listens on, 0 when unknown.
	Port int `json:"port,omitempty"`
	// PortIsDefault is set when Port is a framework default rather than a
	// literal in the command.
	PortIsDefault bool `json:"portIsDefault,omitempty"`
}

// signalFile represents a file that signals a specific project type.
type signalFile struct {
	filename string
	language string
}

// Signal files in priority order.
var signalFiles = []signalFile{
	{"package.json", "Node"},
	{"pom.xml", "Java"},
	{"build.gradle", "Java"},
	{"requirements.txt", "Python"},
	{"pyproject.toml", "Python"},
	{"go.mod", "Go"},
	{"Cargo.toml", "Rust"},
	{"Gemfile", "Ruby"},
}

var defaultPortsByLanguage = map[string]int{
	"Node":   3000,
	"Python": 8000,
	"Java":   8080,
	"Go":     8080,
	"Ruby":   3000,
	"Rust":   8080,
}

// Command substrings mapped to the port the tool listens on by default.
var defaultPortsByCommand = []struct {
	pattern string
	port    int
}{
	{"flask run", 5000},
	{"http.server", 8000},
	{"manage.py runserver", 8000},
	{"rails server", 3000},
	{"spring-boot:run", 8080},
	{"bootrun", 8080},
	{"npm run dev", 3000},
	{"npm start", 3000},
}

var (
	goVersion     = regexp.MustCompile(`(?m)^go\s+(\S+)`)
	goModule      = regexp.MustCompile(`(?m)^module\s+(\S+)`)
	tomlName      = regexp.MustCompile(`(?m)^name\s*=\s*"([^"]+)"`)
	javaVersion   = regexp.MustCompile(`<(?:java\.version|maven\.compiler\.source)>([^<]+)<`)
	pythonVersion = regexp.MustCompile(`(?m)^python\s*=\s*"([^"]+)"`)
)

// Detect inspects dir and returns its best-guess start command. A directory
// with no recognised project files yields Language "Unknown" and no command.
func Detect(dir string) (Detection, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Detection{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Detection{}, err
	}
	if !info.IsDir() {
		return Detection{}, os.ErrInvalid
	}

	d := Detection{Name: filepath.Base(abs), Language: "Unknown"}
	for _, sf := range signalFiles {
		if !exists(abs, sf.filename) {
			continue
		}
		d.Language = sf.language
		switch sf.filename {
		case "package.json":
			detectNode(abs, &d)
		case "pom.xml", "build.gradle":
			detectJava(abs, sf.filename, &d)
		case "requirements.txt", "pyproject.toml":
			detectPython(abs, sf.filename, &d)
		case "go.mod":
			detectGo(abs, &d)
		case "Cargo.toml":
			d.StartCommand = "cargo run"
			if m := tomlName.FindStringSubmatch(read(abs, "Cargo.toml")); m != nil {
				d.Name = m[1]
			}
		case "Gemfile":
			detectRuby(abs, &d)
		}
		break
	}

	if d.StartCommand == "" && exists(abs, "index.html") {
		d.Language = "HTML"
		d.StartCommand = "python3 -m http.server 8000"
	}
	detectPort(&d)
	return d, nil
}

func detectNode(dir string, d *Detection) {
	d.StartCommand = "npm start"

	var pkg struct {
		Name    string            `json:"name"`
		Scripts map[string]string `json:"scripts"`
		Engines struct {
			Node string `json:"node"`
		} `json:"engines"`
	}
	if err := json.Unmarshal([]byte(read(dir, "package.json")), &pkg); err != nil {
		return
	}
	if pkg.Name != "" {
		d.Name = pkg.Name
	}
	d.Version = pkg.Engines.Node

	// npm scripts keep node_modules/.bin on PATH.
	if _, ok := pkg.Scripts["start"]; !ok {
		if _, ok := pkg.Scripts["dev"]; ok {
			d.StartCommand = "npm run dev"
		}
	}
}

func detectJava(dir, buildFile string, d *Detection) {
	content := read(dir, buildFile)
	spring := strings.Contains(content, "org.springframework.boot") || strings.Contains(content, "spring-boot")
	if m := javaVersion.FindStringSubmatch(content); m != nil {
		d.Version = m[1]
	}

	if buildFile == "pom.xml" {
		d.StartCommand = "mvn package && java -jar target/*.jar"
		if spring {
			d.StartCommand = "mvn spring-boot:run"
		}
		return
	}

	gradle := "gradle"
	if exists(dir, "gradlew") {
		gradle = "./gradlew"
	}
	d.StartCommand = gradle + " build && java -jar build/libs/*.jar"
	if spring {
		d.StartCommand = gradle + " bootRun"
	}
}

func detectPython(dir, configFile string, d *Detection) {
	if configFile == "pyproject.toml" {
		content := read(dir, configFile)
		d.StartCommand = "python3 -m app"
		if strings.Contains(content, "[tool.poetry]") {
			d.StartCommand = "poetry run python3 main.py"
		}
		if m := pythonVersion.FindStringSubmatch(content); m != nil {
			d.Version = m[1]
		}
		return
	}

	switch {
	case exists(dir, "manage.py"):
		d.StartCommand = "python3 manage.py runserver"
	case exists(dir, "app.py"):
		d.StartCommand = "python3 app.py"
	default:
		d.StartCommand = "python3 main.py"
	}
}

func detectGo(dir string, d *Detection) {
	content := read(dir, "go.mod")
	if m := goVersion.FindStringSubmatch(content); m != nil {
		d.Version = m[1]
	}
	if m := goModule.FindStringSubmatch(content); m != nil {
		d.Name = filepath.Base(m[1])
	}

	switch {
	case exists(dir, "main.go"):
		d.StartCommand = "go run ."
	case exists(dir, "cmd"):
		d.StartCommand = "go run ./cmd/..."
	default:
		d.StartCommand = "go run ."
	}
}

func detectRuby(dir string, d *Detection) {
	switch {
	case exists(dir, "config.ru"):
		d.StartCommand = "bundle exec rackup"
	case exists(dir, filepath.Join("config", "application.rb")):
		d.StartCommand = "bundle exec rails server"
	case exists(dir, "app.rb"):
		d.StartCommand = "bundle exec ruby app.rb"
	default:
		d.StartCommand = "bundle exec ruby main.rb"
	}
	d.Version = strings.TrimSpace(read(dir, ".ruby-version"))
}

// detectPort prefers a literal port in the command, then the tool's
// default, then the language default.
func detectPort(d *Detection) {
	if d.StartCommand == "" {
		return
	}
	if cp, ok := ports.ExtractPort(d.StartCommand); ok {
		d.Port = cp.Port
		return
	}

	lower := strings.ToLower(d.StartCommand)
	for _, c := range defaultPortsByCommand {
		if strings.Contains(lower, c.pattern) {
			d.Port, d.PortIsDefault = c.port, true
			return
		}
	}
	if port, ok := defaultPortsByLanguage[d.Language]; ok {
		d.Port, d.PortIsDefault = port, true
	}
}

func exists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

func read(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return string(data)
}
