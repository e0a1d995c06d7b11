package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Class partitions engine failures into the categories the data adapter
// reacts to. Recoverable classes get one silent retry; the rest surface to
// the UI and disable fetching until the next reset.
type Class int

const (
	// ClassUnknown is any failure we cannot attribute. Logged in full,
	// surfaced with a generic message.
	ClassUnknown Class = iota

	// ClassEngineUnavailable means the underlying handle moved or became
	// unreadable (file deleted, database detached).
	ClassEngineUnavailable

	// ClassSchemaMismatch means the schema drifted underneath us while a
	// reader was open.
	ClassSchemaMismatch

	// ClassOutOfMemory means the engine ran out of memory materializing
	// the result.
	ClassOutOfMemory

	// ClassResourceExhausted means a pooled connection could not be
	// obtained in time.
	ClassResourceExhausted

	// ClassCancelled covers user- and system-initiated cancellation.
	// Never an error from the user's point of view.
	ClassCancelled
)

// String returns the class name for logging.
func (c Class) String() string {
	switch c {
	case ClassEngineUnavailable:
		return "engine_unavailable"
	case ClassSchemaMismatch:
		return "schema_mismatch"
	case ClassOutOfMemory:
		return "out_of_memory"
	case ClassResourceExhausted:
		return "resource_exhausted"
	case ClassCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Recoverable reports whether a failure class is worth one silent retry
// after resyncing the source handle.
func Recoverable(c Class) bool {
	return c == ClassEngineUnavailable || c == ClassSchemaMismatch
}

// UserMessage returns the message surfaced to the end user for a class.
// Cancellations are never surfaced.
func UserMessage(c Class) string {
	switch c {
	case ClassEngineUnavailable:
		return "data source has been moved or deleted"
	case ClassSchemaMismatch:
		return "schema has changed, refresh the tab"
	case ClassOutOfMemory:
		return "query ran out of memory; narrow the query or select fewer columns"
	case ClassResourceExhausted:
		return "too many concurrent tabs or operations, please wait and retry"
	default:
		return "an unexpected error occurred while reading data"
	}
}

// ClassifiedError attaches a Class to an underlying engine error.
type ClassifiedError struct {
	Class Class
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// WithClass wraps err with an explicit class.
func WithClass(c Class, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: c, Err: err}
}

// CancelledError is the rejection delivered to callers awaiting an operation
// that was cancelled. It is tagged with who cancelled; it is never shown to
// the end user.
type CancelledError struct {
	UserCancelled bool
	Reason        string
}

func (e *CancelledError) Error() string {
	who := "system"
	if e.UserCancelled {
		who = "user"
	}
	if e.Reason == "" {
		return fmt.Sprintf("operation cancelled by %s", who)
	}
	return fmt.Sprintf("operation cancelled by %s: %s", who, e.Reason)
}

// IsSystemCancelled reports whether the cancellation was system-initiated.
func (e *CancelledError) IsSystemCancelled() bool { return !e.UserCancelled }

// ErrBusy is returned when a second Next is issued while one is outstanding.
var ErrBusy = errors.New("stream: concurrent Next on reader")

// Classify maps an error to its failure class. Explicitly classified errors
// keep their class; context and CancelledError map to ClassCancelled; the
// rest is classified by inspecting the driver message.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	var cancelled *CancelledError
	if errors.As(err, &cancelled) {
		return ClassCancelled
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassCancelled
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "out of memory"),
		strings.Contains(msg, "memory limit"):
		return ClassOutOfMemory
	case strings.Contains(msg, "no such file"),
		strings.Contains(msg, "does not exist"),
		strings.Contains(msg, "no files found"),
		strings.Contains(msg, "database has been invalidated"),
		strings.Contains(msg, "connection was never established"),
		strings.Contains(msg, "bad file descriptor"):
		return ClassEngineUnavailable
	case strings.Contains(msg, "schema mismatch"),
		strings.Contains(msg, "catalog error"),
		strings.Contains(msg, "binder error"),
		strings.Contains(msg, "column count mismatch"):
		return ClassSchemaMismatch
	case strings.Contains(msg, "connection pool"),
		strings.Contains(msg, "too many connections"),
		strings.Contains(msg, "resource exhausted"),
		strings.Contains(msg, "timeout acquiring"):
		return ClassResourceExhausted
	default:
		return ClassUnknown
	}
}
