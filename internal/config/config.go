// Package config loads coderelay daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all coderelay configuration.
type Config struct {
	// StateDir is the daemon state directory (database, logs, policy).
	StateDir string `yaml:"state_dir"`

	Store    StoreConfig    `yaml:"store"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Approval ApprovalConfig `yaml:"approval"`
	Session  SessionConfig  `yaml:"session"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// StoreConfig configures the SQLite persistent store.
type StoreConfig struct {
	// Path to the database file. Relative paths resolve under StateDir.
	Path string `yaml:"path"`
	// BusyTimeoutMS is passed to PRAGMA busy_timeout.
	BusyTimeoutMS int `yaml:"busy_timeout_ms"`
	// WriteRetries bounds retry attempts on transient write failures.
	WriteRetries int `yaml:"write_retries"`
}

// BridgeConfig configures the coding-CLI subprocess.
type BridgeConfig struct {
	// Command is the coding assistant CLI executable.
	Command string `yaml:"command"`
	// Args are fixed arguments passed on every invocation.
	Args []string `yaml:"args"`
	// StopTimeout is how long to wait for graceful exit before killing.
	StopTimeout string `yaml:"stop_timeout"`
	// OutputBuffer is the chunk channel capacity per session.
	OutputBuffer int `yaml:"output_buffer"`
}

// ApprovalConfig configures the approval gate.
type ApprovalConfig struct {
	// Timeout before a pending request times out.
	Timeout string `yaml:"timeout"`
	// PolicyPath is an optional YAML file extending the classification
	// table. Relative paths resolve under StateDir.
	PolicyPath string `yaml:"policy_path"`
}

// SessionConfig configures session management.
type SessionConfig struct {
	// IdleEviction is how long an idle session manager stays in memory.
	IdleEviction string `yaml:"idle_eviction"`
	// QueueSize bounds the per-session command queue.
	QueueSize int `yaml:"queue_size"`
}

// LoggingConfig configures categorized logging.
type LoggingConfig struct {
	Debug      bool            `yaml:"debug"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		StateDir: filepath.Join(home, ".coderelay"),
		Store: StoreConfig{
			Path:          "coderelay.db",
			BusyTimeoutMS: 5000,
			WriteRetries:  3,
		},
		Bridge: BridgeConfig{
			Command:      "claude",
			StopTimeout:  "5s",
			OutputBuffer: 64,
		},
		Approval: ApprovalConfig{
			Timeout:    "10m",
			PolicyPath: "approval_policy.yaml",
		},
		Session: SessionConfig{
			IdleEviction: "30m",
			QueueSize:    32,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path, merging over defaults. A missing file
// is not an error; defaults plus environment overrides apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides lets CODERELAY_* variables override file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CODERELAY_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("CODERELAY_BRIDGE_COMMAND"); v != "" {
		c.Bridge.Command = v
	}
	if v := os.Getenv("CODERELAY_APPROVAL_TIMEOUT"); v != "" {
		c.Approval.Timeout = v
	}
	if v := os.Getenv("CODERELAY_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.Debug = b
		}
	}
}

func (c *Config) validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("config: state_dir required")
	}
	if c.Bridge.Command == "" {
		return fmt.Errorf("config: bridge.command required")
	}
	for name, val := range map[string]string{
		"bridge.stop_timeout":   c.Bridge.StopTimeout,
		"approval.timeout":      c.Approval.Timeout,
		"session.idle_eviction": c.Session.IdleEviction,
	} {
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("config: invalid %s %q: %w", name, val, err)
		}
	}
	return nil
}

// StorePath returns the absolute database path.
func (c Config) StorePath() string {
	return c.resolve(c.Store.Path)
}

// PolicyPath returns the absolute approval policy path, or "" if unset.
func (c Config) PolicyPath() string {
	if c.Approval.PolicyPath == "" {
		return ""
	}
	return c.resolve(c.Approval.PolicyPath)
}

// LogDir returns the directory log files are written to.
func (c Config) LogDir() string {
	return filepath.Join(c.StateDir, "logs")
}

func (c Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.StateDir, p)
}

// StopTimeoutDuration returns the parsed bridge stop timeout.
func (c BridgeConfig) StopTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.StopTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// TimeoutDuration returns the parsed approval timeout.
func (c ApprovalConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// IdleEvictionDuration returns the parsed idle eviction interval.
func (c SessionConfig) IdleEvictionDuration() time.Duration {
	d, err := time.ParseDuration(c.IdleEviction)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}
