package agent

import "context"

// File is one generated file as returned by a capability.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Usage records provider resource consumption for one task execution.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add returns the sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
	}
}

// Total returns input plus output tokens.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Severity levels for agent log lines.
const (
	SeverityDebug = "debug"
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Reporter receives progress and log output while a capability runs.
// Implementations must be safe to call from the capability's goroutine.
type Reporter interface {
	Progress(percent int)
	Log(severity, message string)
}

// NopReporter discards everything.
type NopReporter struct{}

func (NopReporter) Progress(int)        {}
func (NopReporter) Log(string, string) {}

// Request is the input handed to a capability for one task.
type Request struct {
	TaskID string
	Kind   Kind
	// Config is the slice of the project configuration relevant to Kind.
	Config map[string]any
	// Upstream holds the files produced by the task's completed dependencies.
	Upstream []File
	Reporter Reporter
}

// reporter returns the request's reporter, never nil.
func (r Request) reporter() Reporter {
	if r.Reporter == nil {
		return NopReporter{}
	}
	return r.Reporter
}

// Result is the output of a successful capability execution.
type Result struct {
	Files []File
	Usage Usage
}

// Capability generates the files for one task. Errors should be wrapped with
// Recoverable or Fatal; unclassified errors are retried.
type Capability interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// CapabilityFunc adapts a function to the Capability interface.
type CapabilityFunc func(ctx context.Context, req Request) (Result, error)

// Generate calls f.
func (f CapabilityFunc) Generate(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
