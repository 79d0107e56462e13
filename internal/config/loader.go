package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/aristath/appforge/internal/agent"
	"github.com/aristath/appforge/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. APPFORGE_SERVER_ADDR.
const EnvPrefix = "APPFORGE"

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): environment, project config,
// global config, defaults. Missing files are not errors; malformed YAML
// returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if globalPath != "" {
		if err := mergeConfigFile(v, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(v, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("anthropic.api_key", EnvPrefix+"_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY"); err != nil {
		return nil, fmt.Errorf("binding api key: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if cfg.Agents == nil {
		cfg.Agents = map[string]AgentConfig{}
	}
	cfg.Store.Path = ExpandHome(cfg.Store.Path)
	cfg.Log.Dir = ExpandHome(cfg.Log.Dir)
	cfg.Plugins.Dir = ExpandHome(cfg.Plugins.Dir)
	return cfg, nil
}

// GlobalPath is ~/.appforge/config.yaml.
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".appforge", "config.yaml"), nil
}

// ProjectPath is .appforge/config.yaml relative to the working directory.
func ProjectPath() string {
	return filepath.Join(".appforge", "config.yaml")
}

// LoadDefault loads configuration from the conventional paths.
func LoadDefault() (*Config, error) {
	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, ProjectPath())
}

// mergeConfigFile reads a YAML config file and merges it over v.
// Missing files are silently skipped.
func mergeConfigFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	file := viper.New()
	file.SetConfigFile(path)
	file.SetConfigType("yaml")
	if err := file.ReadInConfig(); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return v.MergeConfigMap(file.AllSettings())
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path, "~"))
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	o := c.Orchestrator
	if o.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.max_concurrency must be at least 1, got %d", o.MaxConcurrency))
	}
	if o.TaskTimeout <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.task_timeout must be positive, got %s", o.TaskTimeout))
	}
	if o.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.retry.max_attempts must be at least 1, got %d", o.Retry.MaxAttempts))
	}
	if o.Retry.InitialInterval <= 0 || o.Retry.MaxInterval <= 0 {
		errs = append(errs, errors.New("orchestrator.retry intervals must be positive"))
	}
	if o.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.retry.multiplier must be at least 1, got %g", o.Retry.Multiplier))
	}
	if o.Retry.RandomizationFactor < 0 || o.Retry.RandomizationFactor > 1 {
		errs = append(errs, fmt.Errorf("orchestrator.retry.randomization_factor must be within 0..1, got %g", o.Retry.RandomizationFactor))
	}
	if o.Breaker.ConsecutiveFailures < 1 {
		errs = append(errs, errors.New("orchestrator.breaker.consecutive_failures must be at least 1"))
	}
	if o.Breaker.OpenTimeout <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.breaker.open_timeout must be positive, got %s", o.Breaker.OpenTimeout))
	}

	for name, a := range c.Agents {
		kind, err := agent.ParseKind(name)
		if err != nil || !kind.Schedulable() {
			errs = append(errs, fmt.Errorf("agents.%s: unknown agent kind", name))
			continue
		}
		switch a.Provider {
		case "", agent.ProviderClaude:
		case agent.ProviderCommand:
			if a.Command == "" {
				errs = append(errs, fmt.Errorf("agents.%s: command provider requires a command", name))
			}
		default:
			errs = append(errs, fmt.Errorf("agents.%s: unknown provider %q", name, a.Provider))
		}
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// AgentConfigs converts the agents section into capability configuration.
// Kinds without an entry use the returned default.
func (c *Config) AgentConfigs(workDir string) (map[agent.Kind]agent.Config, agent.Config) {
	def := agent.Config{Provider: agent.ProviderClaude, APIKey: c.Anthropic.APIKey, WorkDir: workDir}
	out := make(map[agent.Kind]agent.Config, len(c.Agents))
	for name, a := range c.Agents {
		kind, err := agent.ParseKind(name)
		if err != nil {
			continue
		}
		provider := a.Provider
		if provider == "" {
			provider = agent.ProviderClaude
		}
		out[kind] = agent.Config{
			Provider:     provider,
			Model:        a.Model,
			MaxTokens:    a.MaxTokens,
			SystemPrompt: a.SystemPrompt,
			APIKey:       c.Anthropic.APIKey,
			Command:      a.Command,
			Args:         a.Args,
			WorkDir:      workDir,
		}
	}
	return out, def
}
