// ABOUTME: Configuration loading and parsing for agent-relay
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete agent-relay configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Agents   AgentsConfig   `yaml:"agents"`
	Channels ChannelsConfig `yaml:"channels"`
	Stream   StreamConfig   `yaml:"stream"`
	Routing  RoutingConfig  `yaml:"routing"`
	Triggers TriggersConfig `yaml:"triggers"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP listener address for the web viewer
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentsConfig holds the agent allow-list and turn timing
type AgentsConfig struct {
	Allowed     []string      `yaml:"allowed"`
	TurnTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TurnTimeoutRaw string `yaml:"turn_timeout"`
}

// ChannelsConfig holds configuration for all channel adapters
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Queue    QueueConfig    `yaml:"queue"`
	CLI      CLIConfig      `yaml:"cli"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Token        string  `yaml:"token"`
	AllowedChats []int64 `yaml:"allowed_chats"`
}

// QueueConfig holds NATS queue adapter configuration
type QueueConfig struct {
	Enabled           bool   `yaml:"enabled"`
	URL               string `yaml:"url"`
	InboundSubject    string `yaml:"inbound_subject"`
	OutboundSubject   string `yaml:"outbound_subject"`
	DeadLetterSubject string `yaml:"dead_letter_subject"`
}

// CLIConfig holds the interactive terminal adapter configuration
type CLIConfig struct {
	Enabled bool   `yaml:"enabled"`
	AgentID string `yaml:"agent_id"`
}

// StreamConfig holds streaming buffer configuration
type StreamConfig struct {
	BufferCapacity int `yaml:"buffer_capacity"`
}

// RoutingConfig controls fan-out behavior for unattributed responses
type RoutingConfig struct {
	BroadcastUnknownChats bool `yaml:"broadcast_unknown_chats"`
}

// TriggersConfig points at the scheduled trigger definitions file
type TriggersConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with working defaults for local development.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: ":8080"},
		Database: DatabaseConfig{Path: "agent-relay.db"},
		Agents: AgentsConfig{
			TurnTimeout: 5 * time.Minute,
		},
		Channels: ChannelsConfig{
			Queue: QueueConfig{
				URL:               "nats://127.0.0.1:4222",
				InboundSubject:    "relay.prompts",
				OutboundSubject:   "relay.responses",
				DeadLetterSubject: "relay.deadletter",
			},
		},
		Stream:  StreamConfig{BufferCapacity: 100},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
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

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
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

	if c.Stream.BufferCapacity <= 0 {
		return fmt.Errorf("stream.buffer_capacity must be positive")
	}

	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		return fmt.Errorf("channels.telegram.token is required when telegram is enabled")
	}

	if c.Channels.Queue.Enabled {
		if c.Channels.Queue.URL == "" {
			return fmt.Errorf("channels.queue.url is required when queue is enabled")
		}
		if c.Channels.Queue.InboundSubject == "" {
			return fmt.Errorf("channels.queue.inbound_subject is required when queue is enabled")
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agents.TurnTimeoutRaw != "" {
		cfg.Agents.TurnTimeout, err = time.ParseDuration(cfg.Agents.TurnTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing turn_timeout %q: %w", cfg.Agents.TurnTimeoutRaw, err)
		}
	}

	return nil
}
