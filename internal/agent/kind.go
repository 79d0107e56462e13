package agent

import "fmt"

// Kind is the generation responsibility an agent is bound to.
type Kind string

const (
	KindDatabase     Kind = "database"
	KindBackend      Kind = "backend"
	KindFrontend     Kind = "frontend"
	KindAuth         Kind = "auth"
	KindIntegrations Kind = "integrations"
	KindDevOps       Kind = "devops"

	// KindOrchestrator attributes run-level log lines. It is never scheduled.
	KindOrchestrator Kind = "orchestrator"
)

// Kinds returns the schedulable kinds in canonical order.
func Kinds() []Kind {
	return []Kind{KindDatabase, KindBackend, KindFrontend, KindAuth, KindIntegrations, KindDevOps}
}

// ParseKind converts a string to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if k == KindOrchestrator || k.Schedulable() {
		return k, nil
	}
	return "", fmt.Errorf("unknown agent kind %q", s)
}

// Schedulable reports whether tasks of this kind can be dispatched.
func (k Kind) Schedulable() bool {
	switch k {
	case KindDatabase, KindBackend, KindFrontend, KindAuth, KindIntegrations, KindDevOps:
		return true
	default:
		return false
	}
}

// Title returns a human-readable label.
func (k Kind) Title() string {
	switch k {
	case KindDatabase:
		return "Database schema"
	case KindBackend:
		return "Backend API"
	case KindFrontend:
		return "Frontend"
	case KindAuth:
		return "Authentication"
	case KindIntegrations:
		return "Integrations"
	case KindDevOps:
		return "Deployment"
	case KindOrchestrator:
		return "Orchestrator"
	default:
		return string(k)
	}
}
