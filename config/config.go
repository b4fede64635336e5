// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Parsec clients.
//
// Configuration is loaded from a single YAML file specified by:
//   - PARSEC_CONFIG environment variable, or
//   - an explicit path passed to LoadFile
//
// There are no fallbacks or automatic discovery. The config file is
// the single source of truth; environment variables do not override
// values. The only expansion performed is ${HOME} and similar path
// variables for portability.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "1m".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String returns the standard duration text form.
func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Config is the master configuration for a Parsec client.
type Config struct {
	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Backend configures the realm server connection.
	Backend BackendConfig `yaml:"backend"`

	// Sync configures the synchronization engine.
	Sync SyncConfig `yaml:"sync"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for Parsec data.
	Root string `yaml:"root"`

	// Data is where per-realm local stores (SQLite files) live.
	Data string `yaml:"data"`

	// Devices is where sealed device key bundles live.
	Devices string `yaml:"devices"`
}

// BackendConfig configures the realm server connection.
type BackendConfig struct {
	// Address is the server's host:port.
	Address string `yaml:"address"`

	// RetryBase is the first reconnect delay; doubles per attempt.
	// Default: 100ms
	RetryBase Duration `yaml:"retry_base"`

	// RetryMax caps the per-attempt delay.
	// Default: 5s
	RetryMax Duration `yaml:"retry_max"`

	// RetryBudget is the cumulative delay allowed per operation
	// before it fails with a retry exhaustion error.
	// Default: 30s
	RetryBudget Duration `yaml:"retry_budget"`
}

// SyncConfig configures the synchronization engine.
type SyncConfig struct {
	// PullInterval is the period of the background pull loop.
	// Default: 30s
	PullInterval Duration `yaml:"pull_interval"`

	// MaxSyncAttempts bounds push retries per entry per pass before
	// the entry pauses.
	// Default: 5
	MaxSyncAttempts int `yaml:"max_sync_attempts"`
}

// Default returns the default configuration. These defaults ensure
// every field has a sensible value before the config file is merged
// in; the file remains the source of truth.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "parsec")

	return &Config{
		Paths: PathsConfig{
			Root:    defaultRoot,
			Data:    filepath.Join(defaultRoot, "data"),
			Devices: filepath.Join(defaultRoot, "devices"),
		},
		Backend: BackendConfig{
			Address:     "localhost:6776",
			RetryBase:   Duration(100 * time.Millisecond),
			RetryMax:    Duration(5 * time.Second),
			RetryBudget: Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			PullInterval:    Duration(30 * time.Second),
			MaxSyncAttempts: 5,
		},
	}
}

// Load loads configuration from the PARSEC_CONFIG environment
// variable. If it is not set, this fails; there are no fallbacks.
func Load() (*Config, error) {
	configPath := os.Getenv("PARSEC_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("PARSEC_CONFIG environment variable not set; " +
			"set it to the path of your parsec.yaml config file")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merged over
// Default().
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"PARSEC_ROOT": c.Paths.Root,
		"HOME":        os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["PARSEC_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.Data = expandVars(c.Paths.Data, vars)
	c.Paths.Devices = expandVars(c.Paths.Devices, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Backend.Address == "" {
		errs = append(errs, fmt.Errorf("backend.address is required"))
	}
	if c.Backend.RetryBase <= 0 {
		errs = append(errs, fmt.Errorf("backend.retry_base must be positive"))
	}
	if c.Backend.RetryMax < c.Backend.RetryBase {
		errs = append(errs, fmt.Errorf("backend.retry_max must be at least backend.retry_base"))
	}
	if c.Sync.PullInterval <= 0 {
		errs = append(errs, fmt.Errorf("sync.pull_interval must be positive"))
	}
	if c.Sync.MaxSyncAttempts < 1 {
		errs = append(errs, fmt.Errorf("sync.max_sync_attempts must be at least 1"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates all configured directories if they don't exist.
// The devices directory is private to the user.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Root, c.Paths.Data} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	if c.Paths.Devices != "" {
		if err := os.MkdirAll(c.Paths.Devices, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", c.Paths.Devices, err)
		}
	}
	return nil
}
