// Package config handles configuration loading for hearthd.
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
//	providers:
//	  openai:
//	    api_key: "${OPENAI_API_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	channel:
//	  heartbeat_interval: "15s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "127.0.0.1:8321"   # API and observer channel
//
// Database:
//
//	database:
//	  path: "~/.local/share/hearth/hearth.db"
//
// Model providers:
//
//	providers:
//	  openai:
//	    api_key: "${OPENAI_API_KEY}"
//	  ollama:
//	    base_url: "http://127.0.0.1:11434"
//
// Observer channel:
//
//	channel:
//	  heartbeat_interval: "15s"
//
// Broadcast batching (optional, zero values keep the defaults):
//
//	batching:
//	  standard:
//	    max_size: 100
//	    wait: "100ms"
//	    max_attempts: 3
//	    base_wait: "1s"
//	  streaming:
//	    max_size: 10
//	    wait: "16ms"
//	    max_attempts: 2
//	    base_wait: "500ms"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/hearth/hearthd.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
