package config

import "time"

// AgentConfig selects the capability serving one agent kind.
type AgentConfig struct {
	Provider     string   `mapstructure:"provider"`      // "claude" or "command"
	Model        string   `mapstructure:"model"`         // Anthropic model override
	MaxTokens    int64    `mapstructure:"max_tokens"`    // Response token cap for claude
	SystemPrompt string   `mapstructure:"system_prompt"` // Extra instructions for claude
	Command      string   `mapstructure:"command"`       // Executable for the command provider
	Args         []string `mapstructure:"args"`          // Arguments appended to Command
}

// RetryConfig configures backoff for recoverable agent errors.
type RetryConfig struct {
	MaxAttempts         int           `mapstructure:"max_attempts"`
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	Multiplier          float64       `mapstructure:"multiplier"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"`
}

// BreakerConfig configures the per-kind circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
}

// OrchestratorConfig controls scheduling of generation runs.
type OrchestratorConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	TaskTimeout    time.Duration `mapstructure:"task_timeout"`
	Retry          RetryConfig   `mapstructure:"retry"`
	Breaker        BreakerConfig `mapstructure:"breaker"`
}

type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"` // SQLite database file
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"` // DEBUG, INFO, WARN or ERROR
	Dir   string `mapstructure:"dir"`   // Empty logs to stderr
}

type PluginsConfig struct {
	Dir string `mapstructure:"dir"` // Directory of plugin manifests
}

// Config is the top-level application configuration.
type Config struct {
	Orchestrator OrchestratorConfig     `mapstructure:"orchestrator"`
	Agents       map[string]AgentConfig `mapstructure:"agents"`
	Anthropic    AnthropicConfig        `mapstructure:"anthropic"`
	Store        StoreConfig            `mapstructure:"store"`
	Server       ServerConfig           `mapstructure:"server"`
	Log          LogConfig              `mapstructure:"log"`
	Plugins      PluginsConfig          `mapstructure:"plugins"`
}
