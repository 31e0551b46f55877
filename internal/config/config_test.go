package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sessions.TopN != 5 {
		t.Errorf("TopN = %d, want default 5", cfg.Sessions.TopN)
	}
	if cfg.Dispatch.Debounce != 2*time.Second {
		t.Errorf("debounce = %v", cfg.Dispatch.Debounce)
	}
	if cfg.API.Addr != "127.0.0.1:8765" {
		t.Errorf("addr = %q", cfg.API.Addr)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
state:
  path: /tmp/relay/state.json
sessions:
  root: /tmp/worktrees
  top_n: 3
dispatch:
  debounce: 5s
agents:
  - name: ada
    role: backend
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.State.Path != "/tmp/relay/state.json" {
		t.Errorf("state path = %q", cfg.State.Path)
	}
	if cfg.Sessions.TopN != 3 {
		t.Errorf("TopN = %d, want 3", cfg.Sessions.TopN)
	}
	if cfg.Dispatch.Debounce != 5*time.Second {
		t.Errorf("debounce = %v, want 5s", cfg.Dispatch.Debounce)
	}
	// Untouched sections keep their defaults.
	if cfg.Delivery.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want default 3", cfg.Delivery.MaxAttempts)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].Name != "ada" {
		t.Errorf("agents = %+v", cfg.Agents)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(c *Config) {}, ""},
		{"missing state path", func(c *Config) { c.State.Path = "" }, "state.path"},
		{"missing sessions root", func(c *Config) { c.Sessions.Root = "" }, "sessions.root"},
		{"zero top_n", func(c *Config) { c.Sessions.TopN = 0 }, "top_n"},
		{"zero debounce", func(c *Config) { c.Dispatch.Debounce = 0 }, "debounce"},
		{"zero max attempts", func(c *Config) { c.Delivery.MaxAttempts = 0 }, "max_attempts"},
		{"unnamed agent", func(c *Config) { c.Agents = []AgentConfig{{Role: "x"}} }, "require a name"},
		{"duplicate agent", func(c *Config) {
			c.Agents = []AgentConfig{{Name: "ada"}, {Name: "ada"}}
		}, "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := expandPath("~/relay/state.json"); got != filepath.Join(home, "relay/state.json") {
		t.Errorf("expandPath = %q", got)
	}
	t.Setenv("RELAY_TEST_DIR", "/data")
	if got := expandPath("$RELAY_TEST_DIR/state.json"); got != "/data/state.json" {
		t.Errorf("expandPath = %q", got)
	}
}
