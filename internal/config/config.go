// Package config loads and validates the relay server configuration
// from a YAML file with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the relay server.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	MCP       MCPConfig       `yaml:"mcp"`
	Redis     RedisConfig     `yaml:"redis"`
	Loop      LoopConfig      `yaml:"loop"`
	SSE       SSEConfig       `yaml:"sse"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Profile selects the agent system prompt: "research" or "browser".
	Profile string `yaml:"profile"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AuthToken       string        `yaml:"auth_token"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RunTimeout      time.Duration `yaml:"run_timeout"`
}

// AnthropicConfig configures the model client.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
}

// MCPEndpoint describes one MCP tool server.
type MCPEndpoint struct {
	Name     string        `yaml:"name"`
	URL      string        `yaml:"url"`
	Secret   string        `yaml:"secret"`
	Timeout  time.Duration `yaml:"timeout"`
	Required bool          `yaml:"required"`
}

// MCPConfig lists the MCP tool servers to aggregate.
type MCPConfig struct {
	Endpoints []MCPEndpoint `yaml:"endpoints"`
}

// RedisConfig configures the session store backing.
type RedisConfig struct {
	// Addr is the host:port of the Redis server. Empty disables Redis
	// and sessions live in process memory only.
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	SessionTTL time.Duration `yaml:"session_ttl"`
	MaxHistory int           `yaml:"max_history"`
}

// LoopConfig bounds the agent loop.
type LoopConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	HistoryTail   int           `yaml:"history_tail"`
	ToolTimeout   time.Duration `yaml:"tool_timeout"`
}

// SSEConfig configures the streaming channel.
type SSEConfig struct {
	MaxConnections    int           `yaml:"max_connections"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration populated with production defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			RunTimeout:      120 * time.Second,
		},
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-5",
			MaxTokens: 4096,
		},
		Redis: RedisConfig{
			SessionTTL: 24 * time.Hour,
			MaxHistory: 20,
		},
		Loop: LoopConfig{
			MaxIterations: 15,
			HistoryTail:   10,
			ToolTimeout:   60 * time.Second,
		},
		SSE: SSEConfig{
			MaxConnections:    50,
			KeepAliveInterval: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Profile: "research",
	}
}

// Load reads the config file at path, expands ${VAR} references from
// the environment, and validates the result. Missing fields keep their
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Anthropic.APIKey == "" {
		return fmt.Errorf("anthropic.api_key is required")
	}
	if c.Anthropic.MaxTokens <= 0 {
		return fmt.Errorf("anthropic.max_tokens must be positive")
	}
	if c.Loop.MaxIterations <= 0 {
		return fmt.Errorf("loop.max_iterations must be positive")
	}
	if c.SSE.MaxConnections <= 0 {
		return fmt.Errorf("sse.max_connections must be positive")
	}
	if c.Profile != "research" && c.Profile != "browser" {
		return fmt.Errorf("profile must be %q or %q, got %q", "research", "browser", c.Profile)
	}
	seen := map[string]bool{}
	for i, ep := range c.MCP.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("mcp.endpoints[%d].name is required", i)
		}
		if ep.URL == "" {
			return fmt.Errorf("mcp.endpoints[%d].url is required", i)
		}
		if seen[ep.Name] {
			return fmt.Errorf("duplicate mcp endpoint name %q", ep.Name)
		}
		seen[ep.Name] = true
	}
	return nil
}
