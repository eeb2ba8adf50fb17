// ABOUTME: Configuration loading and parsing for hearthd
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete hearthd configuration
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Database  DatabaseConfig            `yaml:"database"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Channel   ChannelConfig             `yaml:"channel"`
	Batching  BatchingConfig            `yaml:"batching"`
	Logging   LoggingConfig             `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ProviderConfig holds connection settings for one model provider
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ChannelConfig holds settings for the observer push channel
type ChannelConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
}

// BatchingConfig holds per-lane broadcast batching overrides. Zero values
// keep the built-in lane policies.
type BatchingConfig struct {
	Standard  LaneConfig `yaml:"standard"`
	Streaming LaneConfig `yaml:"streaming"`
}

// LaneConfig holds one lane's batching policy overrides
type LaneConfig struct {
	MaxSize     int           `yaml:"max_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	Wait        time.Duration `yaml:"-"`
	BaseWait    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	WaitRaw     string `yaml:"wait"`
	BaseWaitRaw string `yaml:"base_wait"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	for name, lane := range map[string]LaneConfig{
		"batching.standard":  c.Batching.Standard,
		"batching.streaming": c.Batching.Streaming,
	} {
		if lane.MaxSize < 0 {
			return fmt.Errorf("%s.max_size must not be negative", name)
		}
		if lane.MaxAttempts < 0 {
			return fmt.Errorf("%s.max_attempts must not be negative", name)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Channel.HeartbeatIntervalRaw != "" {
		cfg.Channel.HeartbeatInterval, err = time.ParseDuration(cfg.Channel.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Channel.HeartbeatIntervalRaw, err)
		}
	}

	for name, lane := range map[string]*LaneConfig{
		"standard":  &cfg.Batching.Standard,
		"streaming": &cfg.Batching.Streaming,
	} {
		if lane.WaitRaw != "" {
			lane.Wait, err = time.ParseDuration(lane.WaitRaw)
			if err != nil {
				return fmt.Errorf("parsing batching.%s.wait %q: %w", name, lane.WaitRaw, err)
			}
		}
		if lane.BaseWaitRaw != "" {
			lane.BaseWait, err = time.ParseDuration(lane.BaseWaitRaw)
			if err != nil {
				return fmt.Errorf("parsing batching.%s.base_wait %q: %w", name, lane.BaseWaitRaw, err)
			}
		}
	}

	return nil
}
