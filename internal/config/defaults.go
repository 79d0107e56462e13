package config

import (
	"time"

	"github.com/spf13/viper"
)

// DefaultConfig returns the built-in configuration. Every agent kind uses the
// claude provider unless configured otherwise.
func DefaultConfig() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			MaxConcurrency: 3,
			TaskTimeout:    120 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:         3,
				InitialInterval:     500 * time.Millisecond,
				MaxInterval:         10 * time.Second,
				Multiplier:          2.0,
				RandomizationFactor: 0.5,
			},
			Breaker: BreakerConfig{
				ConsecutiveFailures: 5,
				OpenTimeout:         30 * time.Second,
			},
		},
		Agents: map[string]AgentConfig{},
		Store:  StoreConfig{Path: "~/.appforge/appforge.db"},
		Server: ServerConfig{Addr: "127.0.0.1:8420"},
		Log:    LogConfig{Level: "INFO"},
		Plugins: PluginsConfig{
			Dir: "~/.appforge/plugins",
		},
	}
}

// setDefaults registers every key so that environment overrides apply.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("orchestrator.max_concurrency", d.Orchestrator.MaxConcurrency)
	v.SetDefault("orchestrator.task_timeout", d.Orchestrator.TaskTimeout)
	v.SetDefault("orchestrator.retry.max_attempts", d.Orchestrator.Retry.MaxAttempts)
	v.SetDefault("orchestrator.retry.initial_interval", d.Orchestrator.Retry.InitialInterval)
	v.SetDefault("orchestrator.retry.max_interval", d.Orchestrator.Retry.MaxInterval)
	v.SetDefault("orchestrator.retry.multiplier", d.Orchestrator.Retry.Multiplier)
	v.SetDefault("orchestrator.retry.randomization_factor", d.Orchestrator.Retry.RandomizationFactor)
	v.SetDefault("orchestrator.breaker.consecutive_failures", d.Orchestrator.Breaker.ConsecutiveFailures)
	v.SetDefault("orchestrator.breaker.open_timeout", d.Orchestrator.Breaker.OpenTimeout)

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.dir", d.Log.Dir)
	v.SetDefault("plugins.dir", d.Plugins.Dir)
}
