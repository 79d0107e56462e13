package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Save writes cfg as YAML to path, creating parent directories.
// Durations are written in their string form so the file stays editable.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	o := cfg.Orchestrator
	v.Set("orchestrator.max_concurrency", o.MaxConcurrency)
	v.Set("orchestrator.task_timeout", o.TaskTimeout.String())
	v.Set("orchestrator.retry.max_attempts", o.Retry.MaxAttempts)
	v.Set("orchestrator.retry.initial_interval", o.Retry.InitialInterval.String())
	v.Set("orchestrator.retry.max_interval", o.Retry.MaxInterval.String())
	v.Set("orchestrator.retry.multiplier", o.Retry.Multiplier)
	v.Set("orchestrator.retry.randomization_factor", o.Retry.RandomizationFactor)
	v.Set("orchestrator.breaker.consecutive_failures", o.Breaker.ConsecutiveFailures)
	v.Set("orchestrator.breaker.open_timeout", o.Breaker.OpenTimeout.String())

	if len(cfg.Agents) > 0 {
		agents := make(map[string]any, len(cfg.Agents))
		for name, a := range cfg.Agents {
			entry := map[string]any{}
			if a.Provider != "" {
				entry["provider"] = a.Provider
			}
			if a.Model != "" {
				entry["model"] = a.Model
			}
			if a.MaxTokens > 0 {
				entry["max_tokens"] = a.MaxTokens
			}
			if a.SystemPrompt != "" {
				entry["system_prompt"] = a.SystemPrompt
			}
			if a.Command != "" {
				entry["command"] = a.Command
			}
			if len(a.Args) > 0 {
				entry["args"] = a.Args
			}
			agents[name] = entry
		}
		v.Set("agents", agents)
	}

	// The API key is left to the environment.
	v.Set("store.path", cfg.Store.Path)
	v.Set("server.addr", cfg.Server.Addr)
	v.Set("log.level", cfg.Log.Level)
	v.Set("log.dir", cfg.Log.Dir)
	v.Set("plugins.dir", cfg.Plugins.Dir)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
