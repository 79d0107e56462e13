// Package project models the immutable configuration a generation run is built from.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// Config is the project configuration supplied once per generation run.
// The orchestrator treats it as read-only; callers that need to mutate a
// config after handing it off should work on a Clone.
type Config struct {
	Name         string            `yaml:"name" json:"name"`
	Description  string            `yaml:"description,omitempty" json:"description,omitempty"`
	Template     Template          `yaml:"template" json:"template"`
	Features     []Feature         `yaml:"features,omitempty" json:"features,omitempty"`
	Database     *DatabaseConfig   `yaml:"database,omitempty" json:"database,omitempty"`
	Auth         *AuthConfig       `yaml:"auth,omitempty" json:"auth,omitempty"`
	Integrations []Integration     `yaml:"integrations,omitempty" json:"integrations,omitempty"`
	Deployment   *DeploymentConfig `yaml:"deployment,omitempty" json:"deployment,omitempty"`
}

// HasDatabase reports whether a database engine is configured.
func (c Config) HasDatabase() bool {
	return c.Database != nil && c.Database.Type != ""
}

// AuthProviders returns the configured providers without duplicates, in input order.
func (c Config) AuthProviders() []AuthProvider {
	if c.Auth == nil {
		return nil
	}
	var out []AuthProvider
	for _, p := range c.Auth.Providers {
		if p == "" || slices.Contains(out, p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// EnabledIntegrations returns the integrations that are switched on.
func (c Config) EnabledIntegrations() []Integration {
	var out []Integration
	for _, in := range c.Integrations {
		if in.Enabled {
			out = append(out, in)
		}
	}
	return out
}

// FeatureEnabled reports whether the named feature is present and enabled.
func (c Config) FeatureEnabled(name string) bool {
	for _, f := range c.Features {
		if f.Name == name {
			return f.Enabled
		}
	}
	return false
}

// EnabledFeatures returns the names of all enabled features.
func (c Config) EnabledFeatures() []string {
	var out []string
	for _, f := range c.Features {
		if f.Enabled {
			out = append(out, f.Name)
		}
	}
	return out
}

// Validate checks enum membership of every configured value. An unrecognized
// template is left to the graph builder so it is reported as a build failure.
func (c Config) Validate() error {
	var errs []error
	if c.Database != nil && c.Database.Type != "" && !slices.Contains(DatabaseKinds(), c.Database.Type) {
		errs = append(errs, fmt.Errorf("unknown database type %q", c.Database.Type))
	}
	for _, p := range c.AuthProviders() {
		if !slices.Contains(AllAuthProviders(), p) {
			errs = append(errs, fmt.Errorf("unknown auth provider %q", p))
		}
	}
	for _, in := range c.Integrations {
		if !slices.Contains(IntegrationTypes(), in.Type) {
			errs = append(errs, fmt.Errorf("unknown integration type %q", in.Type))
		}
	}
	if c.Deployment != nil && c.Deployment.Platform != "" && !slices.Contains(DeploymentPlatforms(), c.Deployment.Platform) {
		errs = append(errs, fmt.Errorf("unknown deployment platform %q", c.Deployment.Platform))
	}
	return errors.Join(errs...)
}

// Clone returns a deep copy of the configuration.
func (c Config) Clone() Config {
	cp := c
	if c.Features != nil {
		cp.Features = make([]Feature, len(c.Features))
		for i, f := range c.Features {
			f.Config = cloneMap(f.Config)
			cp.Features[i] = f
		}
	}
	if c.Database != nil {
		db := *c.Database
		cp.Database = &db
	}
	if c.Auth != nil {
		auth := *c.Auth
		auth.Providers = slices.Clone(c.Auth.Providers)
		cp.Auth = &auth
	}
	if c.Integrations != nil {
		cp.Integrations = make([]Integration, len(c.Integrations))
		for i, in := range c.Integrations {
			in.Config = cloneMap(in.Config)
			cp.Integrations[i] = in
		}
	}
	if c.Deployment != nil {
		d := *c.Deployment
		cp.Deployment = &d
	}
	return cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// LoadFile reads a project configuration from a YAML (or JSON) file.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if cfg.Template != "" {
		if t, err := ParseTemplate(string(cfg.Template)); err == nil {
			cfg.Template = t
		}
	}
	return cfg, nil
}

// SaveFile writes the configuration as YAML, creating parent directories.
func SaveFile(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling project config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
