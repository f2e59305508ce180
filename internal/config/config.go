package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main Aria configuration
type Config struct {
	// AI provider credentials
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Assistant identity and model parameters
	Assistant AssistantConfig `json:"assistant" mapstructure:"assistant"`

	// Per-user lane queue limits
	Lanes LanesConfig `json:"lanes" mapstructure:"lanes"`

	// Scheduler
	Scheduler SchedulerConfig `json:"scheduler" mapstructure:"scheduler"`

	// Channels
	Channels ChannelsConfig `json:"channels" mapstructure:"channels"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Workspace path for file tools
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
}

// AssistantConfig holds the orchestration engine parameters
type AssistantConfig struct {
	Model         string  `json:"model" mapstructure:"model"`
	Temperature   float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens     int     `json:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt  string  `json:"system_prompt" mapstructure:"system_prompt"`
	MaxIterations int     `json:"max_iterations" mapstructure:"max_iterations"`
	MaxTools      int     `json:"max_tools" mapstructure:"max_tools"`
	ToolTimeout   int     `json:"tool_timeout" mapstructure:"tool_timeout"` // seconds
}

// LanesConfig holds lane queue limits
type LanesConfig struct {
	MaxDepth       int `json:"max_depth" mapstructure:"max_depth"`
	MaxActiveLanes int `json:"max_active_lanes" mapstructure:"max_active_lanes"`
}

// SchedulerConfig holds scheduler settings
type SchedulerConfig struct {
	Enabled    bool `json:"enabled" mapstructure:"enabled"`
	WatchStore bool `json:"watch_store" mapstructure:"watch_store"`
}

// ChannelsConfig holds channel configuration
type ChannelsConfig struct {
	WebSocket WebSocketConfig `json:"websocket" mapstructure:"websocket"`
}

// WebSocketConfig holds the WebSocket channel settings
type WebSocketConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Addr         string `json:"addr" mapstructure:"addr"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		AI: AIConfig{
			Provider: "anthropic",
		},
		Assistant: AssistantConfig{
			Model:         "claude-sonnet-4",
			Temperature:   0.7,
			MaxTokens:     4096,
			MaxIterations: 8,
			MaxTools:      20,
			ToolTimeout:   30,
		},
		Lanes: LanesConfig{
			MaxDepth:       16,
			MaxActiveLanes: 8,
		},
		Scheduler: SchedulerConfig{
			Enabled:    true,
			WatchStore: true,
		},
		Channels: ChannelsConfig{
			WebSocket: WebSocketConfig{
				Enabled: true,
				Addr:    ":8765",
			},
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Redaction: true,
		},
	}
}

// ToolTimeoutDuration returns the tool timeout as a duration
func (c *AssistantConfig) ToolTimeoutDuration() time.Duration {
	if c.ToolTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ToolTimeout) * time.Second
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.AI.Provider != "anthropic" && c.AI.Provider != "openai" {
		return fmt.Errorf("invalid AI provider %q (must be: anthropic, openai)", c.AI.Provider)
	}
	if c.AI.APIKey == "" {
		return fmt.Errorf("AI api_key is required")
	}
	if c.Assistant.Model == "" {
		return fmt.Errorf("assistant model is required")
	}
	if c.Assistant.MaxIterations <= 0 {
		return fmt.Errorf("assistant max_iterations must be positive")
	}
	if c.Lanes.MaxDepth <= 0 {
		return fmt.Errorf("lane max_depth must be positive")
	}
	if c.Lanes.MaxActiveLanes <= 0 {
		return fmt.Errorf("lane max_active_lanes must be positive")
	}
	if c.Channels.WebSocket.Enabled && c.Channels.WebSocket.Addr == "" {
		return fmt.Errorf("websocket addr is required when the websocket channel is enabled")
	}
	return nil
}
