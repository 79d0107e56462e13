package events

import (
	"time"

	"github.com/aristath/appforge/internal/agent"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
	Metadata() Meta
	withMeta(Meta) Event
}

// Meta is stamped onto every event by the run's Emitter.
type Meta struct {
	RunID     string
	Seq       uint64 // Strictly increasing per run, starting at 1
	Timestamp time.Time
}

// Metadata returns the stamped envelope fields.
func (m Meta) Metadata() Meta { return m }

// Topic constants
const (
	TopicRun  = "run"
	TopicTask = "task"
	TopicFile = "file"
	TopicLog  = "log"
)

// Event type constants
const (
	TypeRunStarted        = "run_started"
	TypeRunProgress       = "run_progress"
	TypeRunCompleted      = "run_completed"
	TypeRunFailed         = "run_failed"
	TypeRunCancelled      = "run_cancelled"
	TypeTaskStatusChanged = "task_status_changed"
	TypeTaskProgress      = "task_progress"
	TypeFileGenerated     = "file_generated"
	TypeLog               = "log"
)

// TopicOf returns the bus topic an event is published on.
func TopicOf(e Event) string {
	switch e.(type) {
	case TaskStatusChanged, TaskProgress:
		return TopicTask
	case FileGenerated:
		return TopicFile
	case Log:
		return TopicLog
	default:
		return TopicRun
	}
}

// IsTerminal reports whether e ends a run's event stream.
func IsTerminal(e Event) bool {
	switch e.(type) {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// RunStarted is emitted when the first task is about to be dispatched.
type RunStarted struct {
	Meta      `json:"-"`
	ProjectID string `json:"project_id"`
	Tasks     int    `json:"tasks"`
}

func (e RunStarted) EventType() string     { return TypeRunStarted }
func (e RunStarted) TaskID() string        { return "" }
func (e RunStarted) withMeta(m Meta) Event { e.Meta = m; return e }

// RunProgress is emitted when overall progress moves by at least one point.
type RunProgress struct {
	Meta           `json:"-"`
	OverallPercent int `json:"overall_percent"`
}

func (e RunProgress) EventType() string     { return TypeRunProgress }
func (e RunProgress) TaskID() string        { return "" }
func (e RunProgress) withMeta(m Meta) Event { e.Meta = m; return e }

// RunCompleted is emitted when every task completed.
type RunCompleted struct {
	Meta     `json:"-"`
	Files    int           `json:"files"`
	Duration time.Duration `json:"duration_ns"`
}

func (e RunCompleted) EventType() string     { return TypeRunCompleted }
func (e RunCompleted) TaskID() string        { return "" }
func (e RunCompleted) withMeta(m Meta) Event { e.Meta = m; return e }

// RunFailed is emitted when at least one task failed terminally.
type RunFailed struct {
	Meta         `json:"-"`
	ErrorSummary string        `json:"error_summary"`
	Duration     time.Duration `json:"duration_ns"`
}

func (e RunFailed) EventType() string     { return TypeRunFailed }
func (e RunFailed) TaskID() string        { return "" }
func (e RunFailed) withMeta(m Meta) Event { e.Meta = m; return e }

// RunCancelled is emitted when a user cancellation has been applied.
type RunCancelled struct {
	Meta     `json:"-"`
	Duration time.Duration `json:"duration_ns"`
}

func (e RunCancelled) EventType() string     { return TypeRunCancelled }
func (e RunCancelled) TaskID() string        { return "" }
func (e RunCancelled) withMeta(m Meta) Event { e.Meta = m; return e }

// TaskStatusChanged is emitted once per task status transition.
type TaskStatusChanged struct {
	Meta       `json:"-"`
	ID         string     `json:"task_id"`
	Kind       agent.Kind `json:"agent_kind"`
	Status     string     `json:"status"`
	Progress   int        `json:"progress"`
	RetryCount int        `json:"retry_count"`
	Error      string     `json:"error,omitempty"`
}

func (e TaskStatusChanged) EventType() string     { return TypeTaskStatusChanged }
func (e TaskStatusChanged) TaskID() string        { return e.ID }
func (e TaskStatusChanged) withMeta(m Meta) Event { e.Meta = m; return e }

// TaskProgress is emitted when a running task reports a higher percentage.
type TaskProgress struct {
	Meta     `json:"-"`
	ID       string     `json:"task_id"`
	Kind     agent.Kind `json:"agent_kind"`
	Progress int        `json:"progress"`
}

func (e TaskProgress) EventType() string     { return TypeTaskProgress }
func (e TaskProgress) TaskID() string        { return e.ID }
func (e TaskProgress) withMeta(m Meta) Event { e.Meta = m; return e }

// FileGenerated is emitted once per file merged into the aggregate.
type FileGenerated struct {
	Meta `json:"-"`
	ID   string `json:"task_id"`
	Path string `json:"path"`
	Size int    `json:"size"`
}

func (e FileGenerated) EventType() string     { return TypeFileGenerated }
func (e FileGenerated) TaskID() string        { return e.ID }
func (e FileGenerated) withMeta(m Meta) Event { e.Meta = m; return e }

// Log forwards a log line from an agent or from the orchestrator itself.
type Log struct {
	Meta     `json:"-"`
	Severity string     `json:"severity"`
	Kind     agent.Kind `json:"agent_kind"`
	ID       string     `json:"task_id,omitempty"`
	Message  string     `json:"message"`
}

func (e Log) EventType() string     { return TypeLog }
func (e Log) TaskID() string        { return e.ID }
func (e Log) withMeta(m Meta) Event { e.Meta = m; return e }
