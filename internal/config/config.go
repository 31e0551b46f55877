// Package config handles relay configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for relay.
type Config struct {
	State    StateConfig    `yaml:"state"`
	Sessions SessionsConfig `yaml:"sessions"`
	Triggers TriggersConfig `yaml:"triggers"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Delivery DeliveryConfig `yaml:"delivery"`
	API      APIConfig      `yaml:"api"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Agents   []AgentConfig  `yaml:"agents"`
}

// StateConfig locates the shared state document.
type StateConfig struct {
	Path       string `yaml:"path"`
	BackupPath string `yaml:"backup_path"` // empty = <path>.backup
}

// SessionsConfig defines session discovery settings.
type SessionsConfig struct {
	Root            string        `yaml:"root"`
	MarkerFile      string        `yaml:"marker_file"`
	ActiveThreshold time.Duration `yaml:"active_threshold"`
	TopN            int           `yaml:"top_n"`
	ClusterWindow   time.Duration `yaml:"cluster_window"`
	ScanInterval    time.Duration `yaml:"scan_interval"`
}

// TriggersConfig defines the trigger queue and pending-instruction files.
type TriggersConfig struct {
	QueuePath  string `yaml:"queue_path"`
	PendingDir string `yaml:"pending_dir"`
}

// DispatchConfig defines the state-watch dispatcher.
type DispatchConfig struct {
	Debounce     time.Duration `yaml:"debounce"`
	PollInterval time.Duration `yaml:"poll_interval"` // fallback when fsnotify misses events
}

// DeliveryConfig defines UI-automation delivery behavior.
type DeliveryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	Backoff      time.Duration `yaml:"backoff"` // linear: backoff * attempt
	MaxTabCycles int           `yaml:"max_tab_cycles"`
	Terminal     string        `yaml:"terminal"` // app name for window automation
}

// APIConfig defines the local coordination HTTP server.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// DaemonConfig defines relayd settings.
type DaemonConfig struct {
	Database  string `yaml:"database"` // event log
	LogFile   string `yaml:"log_file"`
	LogLevel  string `yaml:"log_level"`
	SentryDSN string `yaml:"sentry_dsn"`
}

// AgentConfig declares an agent that must always exist in the shared
// state. A declared worktree keeps the agent visible in the session
// roster even when no scan surfaces it.
type AgentConfig struct {
	Name     string `yaml:"name"`
	Role     string `yaml:"role"`
	Worktree string `yaml:"worktree"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".relay")

	return &Config{
		State: StateConfig{
			Path: filepath.Join(dataDir, "state.json"),
		},
		Sessions: SessionsConfig{
			Root:            filepath.Join(homeDir, "worktrees"),
			MarkerFile:      ".agent-identity",
			ActiveThreshold: 720 * time.Minute,
			TopN:            5,
			ClusterWindow:   5 * time.Minute,
			ScanInterval:    time.Minute,
		},
		Triggers: TriggersConfig{
			QueuePath:  filepath.Join(dataDir, "trigger_queue.json"),
			PendingDir: filepath.Join(dataDir, "pending"),
		},
		Dispatch: DispatchConfig{
			Debounce:     2 * time.Second,
			PollInterval: 30 * time.Second,
		},
		Delivery: DeliveryConfig{
			MaxAttempts:  3,
			Backoff:      2 * time.Second,
			MaxTabCycles: 10,
			Terminal:     "Cursor",
		},
		API: APIConfig{
			Addr: "127.0.0.1:8765",
		},
		Daemon: DaemonConfig{
			Database: filepath.Join(dataDir, "events.db"),
			LogFile:  filepath.Join(dataDir, "relayd.log"),
			LogLevel: "info",
		},
	}
}

// Load reads configuration from path, or from the default path when path
// is empty. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	if p := os.Getenv("RELAY_CONFIG"); p != "" {
		return p
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config/relay/config.yaml")
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if c.Sessions.Root == "" {
		return fmt.Errorf("sessions.root is required")
	}
	if c.Sessions.TopN <= 0 {
		return fmt.Errorf("sessions.top_n must be positive, got %d", c.Sessions.TopN)
	}
	if c.Dispatch.Debounce <= 0 {
		return fmt.Errorf("dispatch.debounce must be positive")
	}
	if c.Delivery.MaxAttempts <= 0 {
		return fmt.Errorf("delivery.max_attempts must be positive")
	}
	seen := make(map[string]bool)
	for _, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agents entries require a name")
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate agent %q", a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

func (c *Config) expand() {
	c.State.Path = expandPath(c.State.Path)
	c.State.BackupPath = expandPath(c.State.BackupPath)
	c.Sessions.Root = expandPath(c.Sessions.Root)
	c.Triggers.QueuePath = expandPath(c.Triggers.QueuePath)
	c.Triggers.PendingDir = expandPath(c.Triggers.PendingDir)
	c.Daemon.Database = expandPath(c.Daemon.Database)
	c.Daemon.LogFile = expandPath(c.Daemon.LogFile)
	c.Daemon.SentryDSN = os.ExpandEnv(c.Daemon.SentryDSN)
}

func expandPath(p string) string {
	if strings.HasPrefix(p, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, p[2:])
	}
	return os.ExpandEnv(p)
}
