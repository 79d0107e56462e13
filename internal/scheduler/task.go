package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/aristath/appforge/internal/agent"
)

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending   TaskStatus = iota // Waiting for dependencies
	TaskRunning                     // Dispatched to a worker
	TaskCompleted                   // Finished successfully, files merged
	TaskFailed                      // Finished with a terminal error
	TaskSkipped                     // Never ran because a dependency did not complete
	TaskCancelled                   // Run was cancelled before the task finished
)

var statusNames = [...]string{
	TaskPending:   "pending",
	TaskRunning:   "running",
	TaskCompleted: "completed",
	TaskFailed:    "failed",
	TaskSkipped:   "skipped",
	TaskCancelled: "cancelled",
}

func (s TaskStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("TaskStatus(%d)", int(s))
	}
	return statusNames[s]
}

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped, TaskCancelled:
		return true
	}
	return false
}

// MarshalText encodes the status as its lowercase name.
func (s TaskStatus) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(statusNames) {
		return nil, fmt.Errorf("unknown task status %d", int(s))
	}
	return []byte(statusNames[s]), nil
}

// UnmarshalText parses a lowercase status name.
func (s *TaskStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus is the inverse of TaskStatus.String.
func ParseStatus(name string) (TaskStatus, error) {
	for i, n := range statusNames {
		if n == name {
			return TaskStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown task status %q", name)
}

// ErrInvalidTransition is returned when a status change would violate the
// pending → running → {completed|failed} lifecycle.
var ErrInvalidTransition = errors.New("invalid task status transition")

// DependencyFailure is the error recorded on a task that was skipped because
// one of its dependencies did not complete.
type DependencyFailure struct {
	TaskID     string
	Dependency string
	Status     TaskStatus
	// Cause is set when the skip was not caused by a dependency, e.g. a
	// failed before_generate hook.
	Cause error
}

func (e *DependencyFailure) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("task %q skipped: %v", e.TaskID, e.Cause)
	}
	return fmt.Sprintf("task %q skipped: dependency %q is %s", e.TaskID, e.Dependency, e.Status)
}

func (e *DependencyFailure) Unwrap() error { return e.Cause }

// Task represents one unit of generation work in the DAG.
type Task struct {
	ID          string     // Unique identifier
	Name        string     // Human-readable name
	Kind        agent.Kind // Agent responsible for the task
	DependsOn   []string   // Task IDs this task depends on
	Status      TaskStatus
	RetryCount  int
	Err         error // Last error, if any
	Progress    int   // 0-100, never decreases
	StartedAt   time.Time
	CompletedAt time.Time
}
