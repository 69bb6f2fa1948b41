package orchestrator

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// resolveWorkDir peels leading "cd <dir> &&" (or ";") steps off command and
// returns the directory to run the rest in. A cd into a missing directory is
// left in the command so the shell reports it.
func resolveWorkDir(workDir, command string) (string, string) {
	for _, sep := range []string{" && ", "; "} {
		first, rest, ok := strings.Cut(command, sep)
		if !ok {
			continue
		}
		first = strings.TrimSpace(first)
		if !strings.HasPrefix(first, "cd ") {
			continue
		}

		target := strings.Trim(strings.TrimSpace(strings.TrimPrefix(first, "cd ")), `"'`)
		if !filepath.IsAbs(target) {
			target = filepath.Join(workDir, target)
		}
		if info, err := os.Stat(target); err != nil || !info.IsDir() {
			return workDir, command
		}
		return resolveWorkDir(target, strings.TrimSpace(rest))
	}
	return workDir, command
}

// portEnvName turns a service name into its environment variable, e.g.
// "web-ui" becomes WEB_UI_PORT.
func portEnvName(service string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(service) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String() + "_PORT"
}

// buildEnv layers the host environment, the port variables and the
// project's own environment, later entries winning.
func buildEnv(base []string, ports map[string]int, extra map[string]string) []string {
	env := append([]string(nil), base...)

	services := make([]string, 0, len(ports))
	for s := range ports {
		services = append(services, s)
	}
	sort.Strings(services)
	for _, s := range services {
		env = append(env, portEnvName(s)+"="+strconv.Itoa(ports[s]))
	}
	if len(services) == 1 {
		env = append(env, "PORT="+strconv.Itoa(ports[services[0]]))
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func sortedPorts(ports map[string]int) []int {
	seen := make(map[int]bool, len(ports))
	out := make([]int, 0, len(ports))
	for _, p := range ports {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Ints(out)
	return out
}

func clonePorts(ports map[string]int) map[string]int {
	if ports == nil {
		return nil
	}
	out := make(map[string]int, len(ports))
	for k, v := range ports {
		out[k] = v
	}
	return out
}
