package agent

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a capability failure for the retry policy.
type ErrorKind int

const (
	// ErrorRecoverable failures (timeouts, transient provider errors, rate limits) are retried.
	ErrorRecoverable ErrorKind = iota
	// ErrorFatal failures (bad input, permanent rejection) fail the task immediately.
	ErrorFatal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorRecoverable:
		return "recoverable"
	case ErrorFatal:
		return "fatal"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// ExecutionError is a classified capability failure.
type ExecutionError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String() + " agent error"
	}
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Recoverable marks err as retryable.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &ExecutionError{Kind: ErrorRecoverable, Err: err}
}

// Fatal marks err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &ExecutionError{Kind: ErrorFatal, Err: err}
}

// Fatalf builds a fatal error from a format string.
func Fatalf(format string, args ...any) error {
	return &ExecutionError{Kind: ErrorFatal, Message: fmt.Sprintf(format, args...)}
}

// Recoverablef builds a recoverable error from a format string.
func Recoverablef(format string, args ...any) error {
	return &ExecutionError{Kind: ErrorRecoverable, Message: fmt.Sprintf(format, args...)}
}

// Classify returns the kind of err. Deadline overruns and unclassified errors
// are recoverable; cancellation is fatal because retrying cannot succeed.
func Classify(err error) ErrorKind {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return ErrorFatal
	}
	return ErrorRecoverable
}

// IsFatal reports whether err should not be retried.
func IsFatal(err error) bool {
	return err != nil && Classify(err) == ErrorFatal
}
