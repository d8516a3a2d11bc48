// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and defaults

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./relay.db"

agent:
  idle_timeout: "45m"
  permission_ttl: "2m"
  stale_threshold: "90s"
  backlog_policy: "latest"
  guidance: "Keep replies short."
  pid_file: "/tmp/agent-relay.pid"

delivery:
  max_chunk_chars: 3000
  dedupe_ttl: "15m"
  dedupe_max: 5000

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "./relay.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./relay.db")
	}

	if cfg.Agent.IdleTimeout != 45*time.Minute {
		t.Errorf("Agent.IdleTimeout = %v, want %v", cfg.Agent.IdleTimeout, 45*time.Minute)
	}
	if cfg.Agent.PermissionTTL != 2*time.Minute {
		t.Errorf("Agent.PermissionTTL = %v, want %v", cfg.Agent.PermissionTTL, 2*time.Minute)
	}
	if cfg.Agent.StaleThreshold != 90*time.Second {
		t.Errorf("Agent.StaleThreshold = %v, want %v", cfg.Agent.StaleThreshold, 90*time.Second)
	}
	if cfg.Agent.BacklogPolicy != "latest" {
		t.Errorf("Agent.BacklogPolicy = %q, want %q", cfg.Agent.BacklogPolicy, "latest")
	}
	if cfg.Agent.Guidance != "Keep replies short." {
		t.Errorf("Agent.Guidance = %q, want %q", cfg.Agent.Guidance, "Keep replies short.")
	}
	if cfg.Agent.PidFile != "/tmp/agent-relay.pid" {
		t.Errorf("Agent.PidFile = %q, want %q", cfg.Agent.PidFile, "/tmp/agent-relay.pid")
	}

	if cfg.Delivery.MaxChunkChars != 3000 {
		t.Errorf("Delivery.MaxChunkChars = %d, want 3000", cfg.Delivery.MaxChunkChars)
	}
	if cfg.Delivery.DedupeTTL != 15*time.Minute {
		t.Errorf("Delivery.DedupeTTL = %v, want %v", cfg.Delivery.DedupeTTL, 15*time.Minute)
	}
	if cfg.Delivery.DedupeMax != 5000 {
		t.Errorf("Delivery.DedupeMax = %d, want 5000", cfg.Delivery.DedupeMax)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./relay.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Agent.IdleTimeout != DefaultIdleTimeout {
		t.Errorf("Agent.IdleTimeout = %v, want default %v", cfg.Agent.IdleTimeout, DefaultIdleTimeout)
	}
	if cfg.Agent.PermissionTTL != DefaultPermissionTTL {
		t.Errorf("Agent.PermissionTTL = %v, want default %v", cfg.Agent.PermissionTTL, DefaultPermissionTTL)
	}
	if cfg.Agent.StaleThreshold != DefaultStaleThreshold {
		t.Errorf("Agent.StaleThreshold = %v, want default %v", cfg.Agent.StaleThreshold, DefaultStaleThreshold)
	}
	if cfg.Agent.BacklogPolicy != "all" {
		t.Errorf("Agent.BacklogPolicy = %q, want %q", cfg.Agent.BacklogPolicy, "all")
	}
	if cfg.Delivery.DedupeTTL != DefaultDedupeTTL {
		t.Errorf("Delivery.DedupeTTL = %v, want default %v", cfg.Delivery.DedupeTTL, DefaultDedupeTTL)
	}
	if cfg.Delivery.DedupeMax != DefaultDedupeMax {
		t.Errorf("Delivery.DedupeMax = %d, want default %d", cfg.Delivery.DedupeMax, DefaultDedupeMax)
	}
	if cfg.Delivery.MaxChunkChars != DefaultMaxChunkChars {
		t.Errorf("Delivery.MaxChunkChars = %d, want default %d", cfg.Delivery.MaxChunkChars, DefaultMaxChunkChars)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "text")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_RELAY_DB", "/data/relay.db")
	t.Setenv("TEST_RELAY_GUIDANCE", "Be terse.")

	configPath := writeConfig(t, `
database:
  path: "${TEST_RELAY_DB}"

agent:
  guidance: "${TEST_RELAY_GUIDANCE}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/data/relay.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/data/relay.db")
	}
	if cfg.Agent.Guidance != "Be terse." {
		t.Errorf("Agent.Guidance = %q, want %q", cfg.Agent.Guidance, "Be terse.")
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	os.Unsetenv("UNSET_VAR_FOR_TEST")

	configPath := writeConfig(t, `
database:
  path: "./relay.db"

agent:
  guidance: "${UNSET_VAR_FOR_TEST}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Unset env vars should expand to empty string
	if cfg.Agent.Guidance != "" {
		t.Errorf("Agent.Guidance = %q, want empty string for unset env var", cfg.Agent.Guidance)
	}
}

func TestLoad_DurationParsing(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./relay.db"

agent:
  idle_timeout: "1h30m"
  permission_ttl: "90s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	expected := time.Hour + 30*time.Minute
	if cfg.Agent.IdleTimeout != expected {
		t.Errorf("Agent.IdleTimeout = %v, want %v", cfg.Agent.IdleTimeout, expected)
	}
	if cfg.Agent.PermissionTTL != 90*time.Second {
		t.Errorf("Agent.PermissionTTL = %v, want %v", cfg.Agent.PermissionTTL, 90*time.Second)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path "missing colon"
`)

	if _, err := Load(configPath); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./relay.db"

agent:
  idle_timeout: "invalid-duration"
`)

	if _, err := Load(configPath); err == nil {
		t.Error("Load() expected error for invalid duration, got nil")
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		wantErrSubstr string
	}{
		{
			name: "missing database path",
			configContent: `
database:
  path: ""
`,
			wantErrSubstr: "database.path is required",
		},
		{
			name: "bad backlog policy",
			configContent: `
database:
  path: "./relay.db"
agent:
  backlog_policy: "sometimes"
`,
			wantErrSubstr: "backlog_policy",
		},
		{
			name: "bad logging level",
			configContent: `
database:
  path: "./relay.db"
logging:
  level: "verbose"
`,
			wantErrSubstr: "logging.level",
		},
		{
			name: "bad logging format",
			configContent: `
database:
  path: "./relay.db"
logging:
  format: "xml"
`,
			wantErrSubstr: "logging.format",
		},
		{
			name: "negative chunk size",
			configContent: `
database:
  path: "./relay.db"
delivery:
  max_chunk_chars: -1
`,
			wantErrSubstr: "max_chunk_chars",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, tt.configContent)

			_, err := Load(configPath)
			if err == nil {
				t.Errorf("Load() expected error containing %q, got nil", tt.wantErrSubstr)
				return
			}
			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Load() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "single env var",
			input:    "${FOO}",
			expected: "bar",
		},
		{
			name:     "env var with surrounding text",
			input:    "prefix-${FOO}-suffix",
			expected: "prefix-bar-suffix",
		},
		{
			name:     "multiple env vars",
			input:    "${FOO}/${BAZ}",
			expected: "bar/qux",
		},
		{
			name:     "no env vars",
			input:    "no-vars-here",
			expected: "no-vars-here",
		},
		{
			name:     "unset env var",
			input:    "${UNSET_VAR}",
			expected: "",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}
