// Package config handles configuration loading for agent-relay.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${RELAY_DB_PATH}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agent:
//	  idle_timeout: "30m"
//	  permission_ttl: "5m"
//	  stale_threshold: "2m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Database:
//
//	database:
//	  path: "/var/lib/agent-relay/relay.db"
//
// Agent lifecycle:
//
//	agent:
//	  idle_timeout: "30m"       # evict warm contexts after this much inactivity
//	  permission_ttl: "5m"      # approval requests expire after this
//	  stale_threshold: "2m"     # messages older than this are flagged as backlog
//	  backlog_policy: "all"     # all, latest, ignore, override
//	  guidance: ""              # seeded into each context before its first prompt
//	  pid_file: ""              # single-instance lock, empty disables
//
// Delivery:
//
//	delivery:
//	  max_chunk_chars: 4000
//	  dedupe_ttl: "10m"
//	  dedupe_max: 10000
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
