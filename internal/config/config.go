// Package config loads taskweave configuration from .weave/config.yaml with
// environment overrides layered on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all taskweave configuration.
type Config struct {
	// Engine settings
	Engine EngineConfig `yaml:"engine"`

	// Decision gate settings
	Gate GateConfig `yaml:"gate"`

	// Executor settings
	Executor ExecutorConfig `yaml:"executor"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// EngineConfig configures the dispatcher.
type EngineConfig struct {
	// MaxAttempts is the per-node execution budget, counting the first run.
	MaxAttempts int `yaml:"max_attempts"`

	// MaxConcurrent bounds simultaneously executing nodes.
	MaxConcurrent int `yaml:"max_concurrent"`

	// CancelGrace is how long in-flight work gets to finish after a cancel.
	CancelGrace string `yaml:"cancel_grace"`
}

// GateConfig configures decision resolution.
type GateConfig struct {
	// MediumWait is the operator override window for medium confidence.
	MediumWait string `yaml:"medium_wait"`

	// NonInteractive resolves low confidence decisions to their
	// recommendation instead of waiting for an operator.
	NonInteractive bool `yaml:"non_interactive"`
}

// ExecutorConfig configures the external capability command.
type ExecutorConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// NodeTimeout limits a single execution; empty means unlimited.
	NodeTimeout string `yaml:"node_timeout"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxAttempts:   2,
			MaxConcurrent: 4,
			CancelGrace:   "10s",
		},
		Gate: GateConfig{
			MediumWait:     "2m",
			NonInteractive: false,
		},
		Executor: ExecutorConfig{
			NodeTimeout: "10m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DefaultPath returns the config location under the workspace root.
func DefaultPath(root string) string {
	return filepath.Join(root, ".weave", "config.yaml")
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies TASKWEAVE_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TASKWEAVE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Engine.MaxAttempts = n
		}
	}
	if v := os.Getenv("TASKWEAVE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Engine.MaxConcurrent = n
		}
	}
	if v := os.Getenv("TASKWEAVE_CANCEL_GRACE"); v != "" {
		c.Engine.CancelGrace = v
	}
	if v := os.Getenv("TASKWEAVE_MEDIUM_WAIT"); v != "" {
		c.Gate.MediumWait = v
	}
	if v := os.Getenv("TASKWEAVE_NON_INTERACTIVE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Gate.NonInteractive = b
		}
	}
	if v := os.Getenv("TASKWEAVE_EXECUTOR"); v != "" {
		c.Executor.Command = v
		c.Executor.Args = nil
	}
	if v := os.Getenv("TASKWEAVE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// GetCancelGrace returns the cancel grace as a duration.
func (c *Config) GetCancelGrace() time.Duration {
	d, err := time.ParseDuration(c.Engine.CancelGrace)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetMediumWait returns the medium override window as a duration.
func (c *Config) GetMediumWait() time.Duration {
	d, err := time.ParseDuration(c.Gate.MediumWait)
	if err != nil {
		return 2 * time.Minute
	}
	return d
}

// GetNodeTimeout returns the per-node execution limit; zero means none.
func (c *Config) GetNodeTimeout() time.Duration {
	if c.Executor.NodeTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Executor.NodeTimeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// Validate checks the configuration before a session runs.
func (c *Config) Validate() error {
	if c.Engine.MaxAttempts < 1 {
		return fmt.Errorf("engine.max_attempts must be at least 1")
	}
	if c.Engine.MaxConcurrent < 1 {
		return fmt.Errorf("engine.max_concurrent must be at least 1")
	}
	if c.Executor.Command == "" {
		return fmt.Errorf("executor.command not configured (set executor.command or TASKWEAVE_EXECUTOR)")
	}
	return nil
}
