package agent

import (
	"errors"
	"fmt"
	"log/slog"
)

// Set maps every schedulable kind to its capability. It is a struct rather
// than a map so that adding a kind forces every construction site to be revisited.
type Set struct {
	Database     Capability
	Backend      Capability
	Frontend     Capability
	Auth         Capability
	Integrations Capability
	DevOps       Capability
}

// Uniform returns a Set that uses c for every kind.
func Uniform(c Capability) Set {
	return Set{Database: c, Backend: c, Frontend: c, Auth: c, Integrations: c, DevOps: c}
}

// For returns the capability bound to kind.
func (s Set) For(kind Kind) (Capability, error) {
	var c Capability
	switch kind {
	case KindDatabase:
		c = s.Database
	case KindBackend:
		c = s.Backend
	case KindFrontend:
		c = s.Frontend
	case KindAuth:
		c = s.Auth
	case KindIntegrations:
		c = s.Integrations
	case KindDevOps:
		c = s.DevOps
	default:
		return nil, fmt.Errorf("agent kind %q is not schedulable", kind)
	}
	if c == nil {
		return nil, fmt.Errorf("no capability registered for agent kind %q", kind)
	}
	return c, nil
}

// Validate checks that every listed kind has a capability.
func (s Set) Validate(kinds []Kind) error {
	var errs []error
	for _, k := range kinds {
		if _, err := s.For(k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config selects and configures the capability for one kind.
type Config struct {
	Provider     string // "claude" or "command"
	Model        string
	MaxTokens    int64
	SystemPrompt string
	APIKey       string
	Command      string
	Args         []string
	WorkDir      string
}

// New creates a capability for kind from cfg.
func New(kind Kind, cfg Config, pm *ProcessManager, logger *slog.Logger) (Capability, error) {
	switch cfg.Provider {
	case "", ProviderClaude:
		return NewClaudeCapability(kind, ClaudeConfig{
			APIKey:       cfg.APIKey,
			Model:        cfg.Model,
			MaxTokens:    cfg.MaxTokens,
			SystemPrompt: cfg.SystemPrompt,
		}, logger)
	case ProviderCommand:
		return NewCommandCapability(CommandConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			WorkDir: cfg.WorkDir,
		}, pm)
	default:
		return nil, fmt.Errorf("unknown agent provider %q for %s", cfg.Provider, kind)
	}
}

// NewSet builds a Set from per-kind configuration. Kinds without an entry use def.
func NewSet(configs map[Kind]Config, def Config, pm *ProcessManager, logger *slog.Logger) (Set, error) {
	var set Set
	for _, kind := range Kinds() {
		cfg, ok := configs[kind]
		if !ok {
			cfg = def
		}
		c, err := New(kind, cfg, pm, logger)
		if err != nil {
			return Set{}, fmt.Errorf("creating %s agent: %w", kind, err)
		}
		switch kind {
		case KindDatabase:
			set.Database = c
		case KindBackend:
			set.Backend = c
		case KindFrontend:
			set.Frontend = c
		case KindAuth:
			set.Auth = c
		case KindIntegrations:
			set.Integrations = c
		case KindDevOps:
			set.DevOps = c
		}
	}
	return set, nil
}
