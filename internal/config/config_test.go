package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.Port != 8080 {
		t.Errorf("expected Port=8080, got %d", cfg.Server.Port)
	}
	if cfg.Claude.Command != "claude" {
		t.Errorf("expected Command=claude, got %s", cfg.Claude.Command)
	}
	if cfg.Claude.MaxConcurrentSessions != 10 {
		t.Errorf("expected MaxConcurrentSessions=10, got %d", cfg.Claude.MaxConcurrentSessions)
	}
	if !cfg.Cache.Enabled {
		t.Error("expected cache enabled by default")
	}
	if !cfg.Cache.ContextSensitive {
		t.Error("expected context-sensitive fingerprints by default")
	}
	if cfg.Memory.Enabled {
		t.Error("expected memory disabled by default")
	}
	if cfg.Memory.MinRelevanceScore != 0.3 {
		t.Errorf("expected MinRelevanceScore=0.3, got %v", cfg.Memory.MinRelevanceScore)
	}
	if cfg.Memory.MaxContextItems != 5 {
		t.Errorf("expected MaxContextItems=5, got %d", cfg.Memory.MaxContextItems)
	}
	if cfg.Auth.Enabled {
		t.Error("expected auth disabled by default")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got: %v", err)
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	// Blank out env overrides so the round-trip compares cleanly.
	for _, key := range []string{"NEXUS_CLAUDE_COMMAND", "NEXUS_MEILISEARCH_URL", "NEXUS_MEILISEARCH_KEY", "NEXUS_HOST", "NEXUS_PORT", "NEXUS_LOG_LEVEL"} {
		t.Setenv(key, "")
	}

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Server.Port = 9090
	cfg.Claude.Command = "/usr/local/bin/claude"
	cfg.Memory.Enabled = true
	cfg.Memory.MinRelevanceScore = 0.5

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("config round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default Port=8080, got %d", cfg.Server.Port)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	partial := "server:\n  port: 3000\n"
	if err := os.WriteFile(path, []byte(partial), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("expected Port=3000 from file, got %d", cfg.Server.Port)
	}
	if cfg.Claude.Command != "claude" {
		t.Errorf("expected default command to survive partial file, got %s", cfg.Claude.Command)
	}
	if cfg.Cache.MaxEntries != 1000 {
		t.Errorf("expected default MaxEntries=1000, got %d", cfg.Cache.MaxEntries)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a mapping"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected parse error for invalid YAML")
	}
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("NEXUS_CLAUDE_COMMAND", "/opt/claude")
	t.Setenv("NEXUS_MEILISEARCH_URL", "http://search:7700")
	t.Setenv("NEXUS_MEILISEARCH_KEY", "masterKey")
	t.Setenv("NEXUS_PORT", "8181")
	t.Setenv("NEXUS_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Claude.Command != "/opt/claude" {
		t.Errorf("expected Command=/opt/claude, got %s", cfg.Claude.Command)
	}
	if cfg.Memory.URL != "http://search:7700" {
		t.Errorf("expected URL=http://search:7700, got %s", cfg.Memory.URL)
	}
	if cfg.Memory.APIKey != "masterKey" {
		t.Errorf("expected APIKey=masterKey, got %s", cfg.Memory.APIKey)
	}
	if cfg.Server.Port != 8181 {
		t.Errorf("expected Port=8181, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected Level=debug, got %s", cfg.Logging.Level)
	}
}

func TestConfig_EnvOverrides_BadPortIgnored(t *testing.T) {
	t.Setenv("NEXUS_PORT", "not-a-port")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default Port=8080 to survive bad env value, got %d", cfg.Server.Port)
	}
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty command", func(c *Config) { c.Claude.Command = "" }},
		{"zero sessions", func(c *Config) { c.Claude.MaxConcurrentSessions = 0 }},
		{"zero timeout", func(c *Config) { c.Claude.TimeoutSeconds = 0 }},
		{"prewarm over cap", func(c *Config) { c.Claude.PrewarmSessions = 99 }},
		{"zero cache entries", func(c *Config) { c.Cache.MaxEntries = 0 }},
		{"relevance below range", func(c *Config) { c.Memory.MinRelevanceScore = -0.1 }},
		{"relevance above range", func(c *Config) { c.Memory.MinRelevanceScore = 1.1 }},
		{"zero context items", func(c *Config) { c.Memory.MaxContextItems = 0 }},
		{"fanout below items", func(c *Config) { c.Memory.SearchFanout = 2 }},
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }},
		{"auth without keys", func(c *Config) { c.Auth.Enabled = true }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestConfig_DurationHelpers(t *testing.T) {
	cfg := DefaultConfig()

	if got := cfg.DispatchTimeout(); got != 300*time.Second {
		t.Errorf("DispatchTimeout=%v, want 300s", got)
	}
	if got := cfg.AcquireTimeout(); got != 30*time.Second {
		t.Errorf("AcquireTimeout=%v, want 30s", got)
	}
	if got := cfg.IdleTimeout(); got != 300*time.Second {
		t.Errorf("IdleTimeout=%v, want 300s", got)
	}
	if got := cfg.SweepInterval(); got != 60*time.Second {
		t.Errorf("SweepInterval=%v, want 60s", got)
	}
	if got := cfg.CacheTTL(); got != 3600*time.Second {
		t.Errorf("CacheTTL=%v, want 1h", got)
	}
	if got := cfg.MemoryTimeout(); got != 5*time.Second {
		t.Errorf("MemoryTimeout=%v, want 5s", got)
	}
}

func TestListenAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 9999
	if got := cfg.ListenAddr(); got != "127.0.0.1:9999" {
		t.Errorf("ListenAddr=%q, want 127.0.0.1:9999", got)
	}
}
