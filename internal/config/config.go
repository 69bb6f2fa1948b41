// Package config loads octo's settings from config.yaml under the octo home
// and OCTO_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harshul/octo/internal/ports"
	"github.com/harshul/octo/internal/registry"
)

// FileName is the settings file inside the octo home.
const FileName = "config.yaml"

// Config holds octo's settings.
type Config struct {
	// Home is where the registry, state and logs live. Not read from the file.
	Home string `yaml:"-"`

	PortRangeStart int           `yaml:"port_range_start,omitempty"`
	PortRangeEnd   int           `yaml:"port_range_end,omitempty"`
	StartTimeout   time.Duration `yaml:"start_timeout,omitempty"`
	StopTimeout    time.Duration `yaml:"stop_timeout,omitempty"`
	// Concurrency bounds batch operations; 0 sizes the pool from the hardware.
	Concurrency int    `yaml:"concurrency,omitempty"`
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Home:           DefaultHome(),
		PortRangeStart: 3000,
		PortRangeEnd:   9999,
		StartTimeout:   30 * time.Second,
		StopTimeout:    10 * time.Second,
		MetricsAddr:    "127.0.0.1:9464",
	}
}

// DefaultHome is ~/.octo, or .octo in the working directory when the user
// home cannot be found.
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".octo"
	}
	return filepath.Join(home, ".octo")
}

// Load reads the settings. Precedence, lowest first: defaults, config.yaml,
// environment. An empty home means OCTO_HOME or the default home.
func Load(home string) (Config, error) {
	cfg := Default()
	if home == "" {
		home = GetString("OCTO_HOME", cfg.Home)
	}
	cfg.Home = home

	data, err := os.ReadFile(filepath.Join(home, FileName))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", FileName, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return Config{}, fmt.Errorf("failed to read %s: %w", FileName, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("OCTO_PORT_RANGE"); ok {
		start, end, err := ports.ParseRange(v)
		if err != nil {
			return fmt.Errorf("invalid OCTO_PORT_RANGE: %w", err)
		}
		c.PortRangeStart, c.PortRangeEnd = start, end
	}

	var err error
	if c.StartTimeout, err = GetDuration("OCTO_START_TIMEOUT", c.StartTimeout); err != nil {
		return err
	}
	if c.StopTimeout, err = GetDuration("OCTO_STOP_TIMEOUT", c.StopTimeout); err != nil {
		return err
	}
	if c.Concurrency, err = GetInt("OCTO_CONCURRENCY", c.Concurrency); err != nil {
		return err
	}
	c.MetricsAddr = GetString("OCTO_METRICS_ADDR", c.MetricsAddr)
	return nil
}

// Validate checks the settings for values octo cannot work with.
func (c Config) Validate() error {
	if c.PortRangeStart < ports.MinPort || c.PortRangeEnd > ports.MaxPort || c.PortRangeStart > c.PortRangeEnd {
		return fmt.Errorf("invalid port range %d-%d", c.PortRangeStart, c.PortRangeEnd)
	}
	if c.StartTimeout <= 0 || c.StopTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("invalid concurrency %d", c.Concurrency)
	}
	return nil
}

// Coordination returns the part of the settings the registry hands to the
// coordinator.
func (c Config) Coordination() registry.CoordinationConfig {
	return registry.CoordinationConfig{
		PortRangeStart: c.PortRangeStart,
		PortRangeEnd:   c.PortRangeEnd,
		StartTimeout:   c.StartTimeout,
		StopTimeout:    c.StopTimeout,
		Concurrency:    c.Concurrency,
	}
}

// Path is the settings file of c.Home.
func (c Config) Path() string {
	return filepath.Join(c.Home, FileName)
}

// Write saves the settings to config.yaml in c.Home.
func Write(c Config) error {
	if err := os.MkdirAll(c.Home, 0o755); err != nil {
		return err
	}

	data, err := yaml.Marshal(&c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.Path(), data, 0o644)
}

// GetString returns the environment variable key or fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

// GetInt returns the environment variable key as an int, or fallback when
// unset.
func GetInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return parsed, nil
}

// GetDuration returns the environment variable key as a duration. A bare
// number is read as seconds.
func GetDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return parsed, nil
}
