package scheduler

import (
	"fmt"

	"github.com/aristath/appforge/internal/agent"
	"github.com/aristath/appforge/internal/project"
)

// ValidationError reports a project configuration that cannot be turned into
// a task graph. Nothing runs when Build returns one.
type ValidationError struct {
	Template project.Template
	Reason   string
	Err      error
}

func (e *ValidationError) Error() string {
	msg := "invalid project configuration"
	if e.Template != "" {
		msg += fmt.Sprintf(" (template %s)", e.Template)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// topologies lists the agent kinds each template can use, before pruning.
var topologies = map[project.Template][]agent.Kind{
	project.TemplateSaaS:      agent.Kinds(),
	project.TemplateEcommerce: agent.Kinds(),
	project.TemplateBlog:      agent.Kinds(),
	project.TemplateAPI: {
		agent.KindDatabase,
		agent.KindBackend,
		agent.KindAuth,
		agent.KindIntegrations,
		agent.KindDevOps,
	},
}

// Build turns a project configuration into a validated task graph. Task IDs
// are agent kind names.
//
// Nodes are pruned when the configuration does not need them: database
// without a database, auth without providers, integrations without enabled
// integrations.
func Build(cfg project.Config) (*DAG, error) {
	kinds, ok := topologies[cfg.Template]
	if !ok {
		return nil, &ValidationError{Template: cfg.Template, Reason: "unrecognized template"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ValidationError{Template: cfg.Template, Err: err}
	}

	present := make(map[agent.Kind]bool, len(kinds))
	for _, k := range kinds {
		present[k] = wanted(k, cfg)
	}

	dag := NewDAG()
	for _, k := range kinds {
		if !present[k] {
			continue
		}
		deps := dependencies(k, kinds, present)
		if k == agent.KindDevOps && len(deps) == 0 {
			return nil, &ValidationError{Template: cfg.Template, Reason: "devops has no upstream work"}
		}
		task := &Task{
			ID:        string(k),
			Name:      k.Title(),
			Kind:      k,
			DependsOn: deps,
		}
		if err := dag.AddTask(task); err != nil {
			return nil, &ValidationError{Template: cfg.Template, Err: err}
		}
	}

	if _, err := dag.Validate(); err != nil {
		return nil, &ValidationError{Template: cfg.Template, Reason: "task graph is not acyclic", Err: err}
	}
	return dag, nil
}

func wanted(k agent.Kind, cfg project.Config) bool {
	switch k {
	case agent.KindDatabase:
		return cfg.HasDatabase()
	case agent.KindAuth:
		return len(cfg.AuthProviders()) > 0
	case agent.KindIntegrations:
		return len(cfg.EnabledIntegrations()) > 0
	default:
		return true
	}
}

func dependencies(k agent.Kind, kinds []agent.Kind, present map[agent.Kind]bool) []string {
	var deps []string
	add := func(dep agent.Kind) {
		if present[dep] {
			deps = append(deps, string(dep))
		}
	}

	switch k {
	case agent.KindBackend:
		add(agent.KindDatabase)
	case agent.KindFrontend:
		add(agent.KindBackend)
	case agent.KindAuth:
		add(agent.KindDatabase)
		add(agent.KindBackend)
	case agent.KindIntegrations:
		add(agent.KindBackend)
	case agent.KindDevOps:
		for _, other := range kinds {
			if other != agent.KindDevOps {
				add(other)
			}
		}
	}
	return deps
}
