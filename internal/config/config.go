// Package config holds the nexus configuration: defaults, YAML file
// loading, environment overrides, and a watcher that re-applies the few
// settings that are safe to change at runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all nexus configuration.
type Config struct {
	// HTTP listener
	Server ServerConfig `yaml:"server"`

	// Claude CLI backend and session pool
	Claude ClaudeConfig `yaml:"claude"`

	// Response cache
	Cache CacheConfig `yaml:"cache"`

	// Persistent memory (Meilisearch-backed)
	Memory MemoryConfig `yaml:"memory"`

	// API authentication
	Auth AuthConfig `yaml:"auth"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ClaudeConfig configures the CLI backend and the session pool built on it.
type ClaudeConfig struct {
	// Binary spawned for each session.
	Command string `yaml:"command"`

	// Per-dispatch timeout in seconds.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// Hard cap on live sessions; the pool blocks acquires beyond this.
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`

	// Keep CLI processes alive between turns and bind them to conversations.
	UseInteractiveSessions bool `yaml:"use_interactive_sessions"`

	// Idle sessions older than this are stopped by the sweep.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`

	// Sweep cadence in seconds.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`

	// How long an acquire may block waiting for a free session.
	AcquireTimeoutSeconds int `yaml:"acquire_timeout_seconds"`

	// Sessions started at boot, best-effort.
	PrewarmSessions int `yaml:"prewarm_sessions"`

	// Passes --dangerously-skip-permissions to the CLI.
	SkipPermissions bool `yaml:"skip_permissions"`

	// Extra directories the CLI may access (--add-dir).
	AdditionalDirs []string `yaml:"additional_dirs"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxEntries int  `yaml:"max_entries"`
	TTLSeconds int  `yaml:"ttl_seconds"`

	// When true the injected memory context participates in the cache
	// fingerprint, so a changed context never serves a stale response.
	ContextSensitive bool `yaml:"context_sensitive"`
}

// MemoryConfig configures the persistent-memory subsystem and its search
// backend.
type MemoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	APIKey  string `yaml:"api_key"`

	// Candidates scoring below this never enter the context block.
	MinRelevanceScore float64 `yaml:"min_relevance_score"`

	// Upper bound on entries in a context block.
	MaxContextItems int `yaml:"max_context_items"`

	// Approximate token budget for the rendered context block.
	TokenBudget int `yaml:"token_budget"`

	// How many candidates to pull from the backend before scoring.
	SearchFanout int `yaml:"search_fanout"`

	// Messages longer than this many characters get an extractive summary.
	SummaryThreshold int `yaml:"summary_threshold"`

	// Per-call timeout for backend requests in seconds.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// AuthConfig configures optional bearer-key authentication.
type AuthConfig struct {
	Enabled bool     `yaml:"enabled"`
	APIKeys []string `yaml:"api_keys"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Claude: ClaudeConfig{
			Command:                "claude",
			TimeoutSeconds:         300,
			MaxConcurrentSessions:  10,
			UseInteractiveSessions: false,
			IdleTimeoutSeconds:     300,
			SweepIntervalSeconds:   60,
			AcquireTimeoutSeconds:  30,
			PrewarmSessions:        0,
			SkipPermissions:        false,
		},
		Cache: CacheConfig{
			Enabled:          true,
			MaxEntries:       1000,
			TTLSeconds:       3600,
			ContextSensitive: true,
		},
		Memory: MemoryConfig{
			Enabled:           false,
			URL:               "http://localhost:7700",
			MinRelevanceScore: 0.3,
			MaxContextItems:   5,
			TokenBudget:       2000,
			SearchFanout:      50,
			SummaryThreshold:  500,
			TimeoutSeconds:    5,
		},
		Auth: AuthConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file. A missing file is not an
// error: defaults plus environment overrides are returned.
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
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
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

// applyEnvOverrides applies NEXUS_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if cmd := os.Getenv("NEXUS_CLAUDE_COMMAND"); cmd != "" {
		c.Claude.Command = cmd
	}
	if url := os.Getenv("NEXUS_MEILISEARCH_URL"); url != "" {
		c.Memory.URL = url
	}
	if key := os.Getenv("NEXUS_MEILISEARCH_KEY"); key != "" {
		c.Memory.APIKey = key
	}
	if host := os.Getenv("NEXUS_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("NEXUS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			c.Server.Port = p
		}
	}
	if level := os.Getenv("NEXUS_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Claude.Command == "" {
		return fmt.Errorf("claude.command must not be empty")
	}
	if c.Claude.MaxConcurrentSessions < 1 {
		return fmt.Errorf("claude.max_concurrent_sessions must be at least 1, got %d", c.Claude.MaxConcurrentSessions)
	}
	if c.Claude.TimeoutSeconds < 1 {
		return fmt.Errorf("claude.timeout_seconds must be at least 1, got %d", c.Claude.TimeoutSeconds)
	}
	if c.Claude.PrewarmSessions > c.Claude.MaxConcurrentSessions {
		return fmt.Errorf("claude.prewarm_sessions (%d) exceeds max_concurrent_sessions (%d)",
			c.Claude.PrewarmSessions, c.Claude.MaxConcurrentSessions)
	}
	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be at least 1, got %d", c.Cache.MaxEntries)
	}
	if c.Memory.MinRelevanceScore < 0 || c.Memory.MinRelevanceScore > 1 {
		return fmt.Errorf("memory.min_relevance_score must be in [0,1], got %v", c.Memory.MinRelevanceScore)
	}
	if c.Memory.MaxContextItems < 1 {
		return fmt.Errorf("memory.max_context_items must be at least 1, got %d", c.Memory.MaxContextItems)
	}
	if c.Memory.SearchFanout < c.Memory.MaxContextItems {
		return fmt.Errorf("memory.search_fanout (%d) must cover max_context_items (%d)",
			c.Memory.SearchFanout, c.Memory.MaxContextItems)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth.enabled requires at least one entry in auth.api_keys")
	}
	return nil
}

// ListenAddr returns the host:port pair for the HTTP listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DispatchTimeout returns the per-dispatch timeout as a duration.
func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.Claude.TimeoutSeconds) * time.Second
}

// AcquireTimeout returns the pool-acquire timeout as a duration.
func (c *Config) AcquireTimeout() time.Duration {
	return time.Duration(c.Claude.AcquireTimeoutSeconds) * time.Second
}

// IdleTimeout returns the session idle threshold as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Claude.IdleTimeoutSeconds) * time.Second
}

// SweepInterval returns the pool sweep cadence as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Claude.SweepIntervalSeconds) * time.Second
}

// CacheTTL returns the response-cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// MemoryTimeout returns the memory-backend call timeout as a duration.
func (c *Config) MemoryTimeout() time.Duration {
	return time.Duration(c.Memory.TimeoutSeconds) * time.Second
}
