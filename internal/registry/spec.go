package registry

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ParsePortSpec parses "service:port[,service:port...]".
func ParsePortSpec(spec string) (map[string]int, error) {
	out := make(map[string]int)
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		service, portStr, ok := strings.Cut(item, ":")
		service = strings.TrimSpace(service)
		if !ok || service == "" {
			return nil, fmt.Errorf("invalid port spec '%s': expected service:port", item)
		}
		port, err := strconv.Atoi(strings.TrimSpace(portStr))
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid port '%s' for service '%s'", portStr, service)
		}
		if _, dup := out[service]; dup {
			return nil, fmt.Errorf("service '%s' listed twice in port spec", service)
		}
		out[service] = port
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty port spec")
	}
	return out, nil
}

// ParseEnvSpec parses "KEY=value[,KEY=value...]". Values may contain '='.
func ParseEnvSpec(spec string) (map[string]string, error) {
	out := make(map[string]string)
	for _, item := range strings.Split(spec, ",") {
		if strings.TrimSpace(item) == "" {
			continue
		}
		key, value, ok := strings.Cut(item, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid env spec '%s': expected KEY=value", item)
		}
		out[key] = value
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty env spec")
	}
	return out, nil
}

// FormatPortSpec renders ports back into spec form, sorted by service.
func FormatPortSpec(ports map[string]int) string {
	services := make([]string, 0, len(ports))
	for s := range ports {
		services = append(services, s)
	}
	sort.Strings(services)

	parts := make([]string, 0, len(services))
	for _, s := range services {
		parts = append(parts, fmt.Sprintf("%s:%d", s, ports[s]))
	}
	return strings.Join(parts, ",")
}
