package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/appforge/internal/agent"
	"github.com/aristath/appforge/internal/aggregate"
	"github.com/aristath/appforge/internal/events"
	"github.com/aristath/appforge/internal/project"
	"github.com/aristath/appforge/internal/scheduler"
)

var (
	ErrRunActive    = errors.New("a generation run is already active for this project")
	ErrRunNotFound  = errors.New("generation run not found")
	ErrRunFinished  = errors.New("generation run already finished")
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// RunStatus is the overall state of a GenerationRun.
type RunStatus int

const (
	RunPending RunStatus = iota
	RunRunning
	RunCompleted
	RunFailed
	RunCancelled
)

var runStatusNames = [...]string{
	RunPending:   "pending",
	RunRunning:   "running",
	RunCompleted: "completed",
	RunFailed:    "failed",
	RunCancelled: "cancelled",
}

func (s RunStatus) String() string {
	if s < 0 || int(s) >= len(runStatusNames) {
		return fmt.Sprintf("RunStatus(%d)", int(s))
	}
	return runStatusNames[s]
}

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

func (s RunStatus) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(runStatusNames) {
		return nil, fmt.Errorf("unknown run status %d", int(s))
	}
	return []byte(runStatusNames[s]), nil
}

func (s *RunStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseRunStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseRunStatus is the inverse of RunStatus.String.
func ParseRunStatus(name string) (RunStatus, error) {
	for i, n := range runStatusNames {
		if n == name {
			return RunStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown run status %q", name)
}

// TaskSnapshot is an immutable view of one task.
type TaskSnapshot struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Kind        agent.Kind           `json:"agent_kind"`
	DependsOn   []string             `json:"depends_on"`
	Status      scheduler.TaskStatus `json:"status"`
	Progress    int                  `json:"progress"`
	RetryCount  int                  `json:"retry_count"`
	Error       string               `json:"error,omitempty"`
	Usage       agent.Usage          `json:"usage"`
	StartedAt   time.Time            `json:"started_at,omitzero"`
	CompletedAt time.Time            `json:"completed_at,omitzero"`
}

// Snapshot is an immutable view of a GenerationRun. Nothing in it aliases
// coordinator state.
type Snapshot struct {
	RunID        string           `json:"run_id"`
	ProjectID    string           `json:"project_id"`
	UserID       string           `json:"user_id,omitempty"`
	Config       project.Config   `json:"config"`
	Status       RunStatus        `json:"status"`
	Progress     int              `json:"progress"`
	Tasks        []TaskSnapshot   `json:"tasks"`
	Files        []aggregate.Info `json:"files"`
	Usage        agent.Usage      `json:"usage"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    time.Time        `json:"started_at,omitzero"`
	FinishedAt   time.Time        `json:"finished_at,omitzero"`
	ErrorSummary string           `json:"error_summary,omitempty"`
}

// Task returns the snapshot of one task.
func (s Snapshot) Task(id string) (TaskSnapshot, bool) {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return TaskSnapshot{}, false
}

// Record is everything the surrounding system persists once a run finishes.
type Record struct {
	Snapshot Snapshot
	Files    []aggregate.GeneratedFile
	Events   []events.Event
}

// Recorder persists finished runs.
type Recorder interface {
	SaveRun(ctx context.Context, rec Record) error
}

// StartRequest asks for a new run.
type StartRequest struct {
	ProjectID string
	UserID    string
	Config    project.Config
}
