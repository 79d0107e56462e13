// Package plugins keeps the process-wide plugin and hook registry that runs
// around every generation.
package plugins

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aristath/appforge/internal/project"
)

// Type classifies what a plugin extends.
type Type string

const (
	TypeGenerator  Type = "generator"
	TypeTemplate   Type = "template"
	TypeAIModel    Type = "ai-model"
	TypeDeployment Type = "deployment"
	TypeMiddleware Type = "middleware"
)

// Valid reports whether t is a known plugin type.
func (t Type) Valid() bool {
	switch t {
	case TypeGenerator, TypeTemplate, TypeAIModel, TypeDeployment, TypeMiddleware:
		return true
	}
	return false
}

// Hook names a point in the generation lifecycle.
type Hook string

const (
	HookBeforeGenerate Hook = "before:generate"
	HookAfterGenerate  Hook = "after:generate"
)

var (
	ErrPluginExists   = errors.New("plugin already registered")
	ErrPluginNotFound = errors.New("plugin not found")
)

// Plugin describes a registered plugin.
type Plugin struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Author      string `yaml:"author,omitempty" json:"author,omitempty"`
	Type        Type   `yaml:"type" json:"type"`
	Enabled     bool   `yaml:"enabled" json:"enabled"`
}

// HookContext is passed to every hook invocation.
type HookContext struct {
	Hook      Hook           `json:"hook"`
	RunID     string         `json:"run_id"`
	ProjectID string         `json:"project_id"`
	UserID    string         `json:"user_id,omitempty"`
	Config    project.Config `json:"config"`
	// Set for after:generate only.
	Status       string   `json:"status,omitempty"`
	ErrorSummary string   `json:"error_summary,omitempty"`
	Files        []string `json:"files,omitempty"`
}

// HookFunc handles one hook invocation.
type HookFunc func(ctx context.Context, hc HookContext) error

type hookEntry struct {
	pluginID string
	fn       HookFunc
}

// Registry holds plugins and their hooks. All methods are safe for
// concurrent use; callers never see the underlying maps.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	hooks   map[Hook][]hookEntry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]Plugin),
		hooks:   make(map[Hook][]hookEntry),
	}
}

// Register installs a plugin. Returns ErrPluginExists if the ID is taken.
func (r *Registry) Register(p Plugin) error {
	if p.ID == "" {
		return fmt.Errorf("plugins: id is required")
	}
	if !p.Type.Valid() {
		return fmt.Errorf("plugins: %s has unknown type %q", p.ID, p.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrPluginExists, p.ID)
	}
	r.plugins[p.ID] = p
	return nil
}

// Unregister removes a plugin and every hook it registered.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[id]; !exists {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	delete(r.plugins, id)
	for hook, entries := range r.hooks {
		kept := entries[:0:0]
		for _, e := range entries {
			if e.pluginID != id {
				kept = append(kept, e)
			}
		}
		r.hooks[hook] = kept
	}
	return nil
}

// Get returns a plugin by ID.
func (r *Registry) Get(id string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	return p, ok
}

// List returns every plugin sorted by ID.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetEnabled switches a plugin on or off without dropping its hooks.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plugins[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	p.Enabled = enabled
	r.plugins[id] = p
	return nil
}

// RegisterHook attaches fn to hook on behalf of a registered plugin.
func (r *Registry) RegisterHook(pluginID string, hook Hook, fn HookFunc) error {
	if fn == nil {
		return fmt.Errorf("plugins: nil hook for %s", pluginID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[pluginID]; !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, pluginID)
	}
	r.hooks[hook] = append(r.hooks[hook], hookEntry{pluginID: pluginID, fn: fn})
	return nil
}

// Run invokes every hook registered for hook, in registration order, skipping
// disabled plugins. Every hook runs even if an earlier one fails; the errors
// are joined.
func (r *Registry) Run(ctx context.Context, hook Hook, hc HookContext) error {
	r.mu.RLock()
	var fns []hookEntry
	for _, e := range r.hooks[hook] {
		if r.plugins[e.pluginID].Enabled {
			fns = append(fns, e)
		}
	}
	r.mu.RUnlock()

	hc.Hook = hook
	var errs []error
	for _, e := range fns {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := e.fn(ctx, hc); err != nil {
			errs = append(errs, fmt.Errorf("plugin %s %s: %w", e.pluginID, hook, err))
		}
	}
	return errors.Join(errs...)
}
