// ABOUTME: Configuration loading and parsing for agent-relay
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/agent-relay/internal/backlog"
)

// Config represents the complete agent-relay configuration
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Agent    AgentConfig    `yaml:"agent"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentConfig holds agent lifecycle and orchestration configuration
type AgentConfig struct {
	IdleTimeout    time.Duration `yaml:"-"`
	PermissionTTL  time.Duration `yaml:"-"`
	StaleThreshold time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IdleTimeoutRaw    string `yaml:"idle_timeout"`
	PermissionTTLRaw  string `yaml:"permission_ttl"`
	StaleThresholdRaw string `yaml:"stale_threshold"`

	// BacklogPolicy decides what happens to messages that arrive while
	// an invocation is running: all, latest, or ignore, plus override
	// which cancels the running call in favor of the new message.
	BacklogPolicy string `yaml:"backlog_policy"`

	// Guidance is seeded into each agent context once, before its first
	// prompt. Empty disables seeding.
	Guidance string `yaml:"guidance"`

	// PidFile is the single-instance lock location. Empty disables the
	// lock.
	PidFile string `yaml:"pid_file"`
}

// DeliveryConfig holds outbound delivery and dedupe configuration
type DeliveryConfig struct {
	DedupeTTL time.Duration `yaml:"-"`

	DedupeTTLRaw string `yaml:"dedupe_ttl"`

	// MaxChunkChars caps outbound chunk length; 0 disables splitting.
	MaxChunkChars int `yaml:"max_chunk_chars"`

	// DedupeMax bounds the dedupe cache entry count.
	DedupeMax int `yaml:"dedupe_max"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default values applied when the file leaves a field unset.
const (
	DefaultIdleTimeout    = 30 * time.Minute
	DefaultPermissionTTL  = 5 * time.Minute
	DefaultStaleThreshold = 2 * time.Minute
	DefaultDedupeTTL      = 10 * time.Minute
	DefaultDedupeMax      = 10000
	DefaultMaxChunkChars  = 4000
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset fields with their defaults.
func (c *Config) applyDefaults() {
	if c.Agent.IdleTimeout == 0 {
		c.Agent.IdleTimeout = DefaultIdleTimeout
	}
	if c.Agent.PermissionTTL == 0 {
		c.Agent.PermissionTTL = DefaultPermissionTTL
	}
	if c.Agent.StaleThreshold == 0 {
		c.Agent.StaleThreshold = DefaultStaleThreshold
	}
	if c.Agent.BacklogPolicy == "" {
		c.Agent.BacklogPolicy = string(backlog.PolicyAll)
	}
	if c.Delivery.DedupeTTL == 0 {
		c.Delivery.DedupeTTL = DefaultDedupeTTL
	}
	if c.Delivery.DedupeMax == 0 {
		c.Delivery.DedupeMax = DefaultDedupeMax
	}
	if c.Delivery.MaxChunkChars == 0 {
		c.Delivery.MaxChunkChars = DefaultMaxChunkChars
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if !backlog.Policy(c.Agent.BacklogPolicy).Valid() {
		return fmt.Errorf("agent.backlog_policy %q is not one of all, latest, ignore, override", c.Agent.BacklogPolicy)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	if c.Delivery.MaxChunkChars < 0 {
		return fmt.Errorf("delivery.max_chunk_chars must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agent.idle_timeout", cfg.Agent.IdleTimeoutRaw, &cfg.Agent.IdleTimeout},
		{"agent.permission_ttl", cfg.Agent.PermissionTTLRaw, &cfg.Agent.PermissionTTL},
		{"agent.stale_threshold", cfg.Agent.StaleThresholdRaw, &cfg.Agent.StaleThreshold},
		{"delivery.dedupe_ttl", cfg.Delivery.DedupeTTLRaw, &cfg.Delivery.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
