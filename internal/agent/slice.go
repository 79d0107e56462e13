package agent

import (
	"github.com/aristath/appforge/internal/project"
)

// ConfigSlice extracts the part of the project configuration that the given
// kind needs. The map is freshly allocated and safe to hand to a capability.
func ConfigSlice(kind Kind, cfg project.Config) map[string]any {
	slice := map[string]any{
		"name":     cfg.Name,
		"template": string(cfg.Template),
	}
	if cfg.Description != "" {
		slice["description"] = cfg.Description
	}

	switch kind {
	case KindDatabase:
		if cfg.Database != nil {
			slice["database"] = *cfg.Database
		}
		slice["features"] = cfg.EnabledFeatures()
	case KindBackend:
		slice["features"] = cfg.EnabledFeatures()
		if cfg.HasDatabase() {
			slice["database"] = string(cfg.Database.Type)
		}
		slice["auth_providers"] = providerNames(cfg.AuthProviders())
	case KindFrontend:
		slice["features"] = cfg.EnabledFeatures()
		slice["auth_providers"] = providerNames(cfg.AuthProviders())
	case KindAuth:
		slice["auth_providers"] = providerNames(cfg.AuthProviders())
		if cfg.Auth != nil {
			slice["auth_features"] = cfg.Auth.Features
		}
	case KindIntegrations:
		slice["integrations"] = cfg.EnabledIntegrations()
	case KindDevOps:
		if cfg.Deployment != nil {
			slice["deployment"] = *cfg.Deployment
		}
		if cfg.HasDatabase() {
			slice["database"] = string(cfg.Database.Type)
		}
	}
	return slice
}

func providerNames(providers []project.AuthProvider) []string {
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, string(p))
	}
	return names
}
