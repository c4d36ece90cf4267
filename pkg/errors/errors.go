// Package errors provides structured error handling for Relay
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeConflict represents conflict errors, e.g. a run request while
	// another run of the same pipeline is active
	ErrorTypeConflict ErrorType = "conflict"
	// ErrorTypeCancelled represents explicit cancellation
	ErrorTypeCancelled ErrorType = "cancelled"

	// ErrorTypeSourceUnreachable represents network or auth failures while
	// opening a source
	ErrorTypeSourceUnreachable ErrorType = "source_unreachable"
	// ErrorTypeSourceEmpty signals a zero-row source; not treated as a
	// failure by the load engine
	ErrorTypeSourceEmpty ErrorType = "source_empty"
	// ErrorTypeSchemaAmbiguous represents heterogeneous record shapes within
	// a sampled prefix
	ErrorTypeSchemaAmbiguous ErrorType = "schema_ambiguous"
	// ErrorTypeChunkWriteFailed represents a chunk write whose retries are
	// exhausted
	ErrorTypeChunkWriteFailed ErrorType = "chunk_write_failed"

	// ErrorTypeRelationNotFound represents a query naming an unknown or
	// not-yet-queryable pipeline alias
	ErrorTypeRelationNotFound ErrorType = "relation_not_found"
	// ErrorTypeQuerySyntax represents SQL the embedded engine rejected
	ErrorTypeQuerySyntax ErrorType = "query_syntax"
	// ErrorTypeEngineTimeout represents a statement timeout enforced by the
	// embedded engine
	ErrorTypeEngineTimeout ErrorType = "engine_timeout"

	// ErrorTypeNoCandidateKey means no column pair cleared the join overlap
	// threshold
	ErrorTypeNoCandidateKey ErrorType = "no_candidate_key"
	// ErrorTypeAmbiguousKey means multiple equally-ranked join candidates
	ErrorTypeAmbiguousKey ErrorType = "ambiguous_key"
	// ErrorTypeTypeMismatch means candidate join columns have incompatible
	// inferred types
	ErrorTypeTypeMismatch ErrorType = "type_mismatch"

	// ErrorTypeConnection represents transient connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeTimeout represents operation timeouts
	ErrorTypeTimeout ErrorType = "timeout"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsRetryable returns true if the error is retryable
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeConnection, ErrorTypeTimeout, ErrorTypeSourceUnreachable:
		return true
	default:
		return false
	}
}

// IsType checks if the error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// TypeOf returns the error type, or ErrorTypeInternal for foreign errors
func TypeOf(err error) ErrorType {
	var e *Error
	if !errors.As(err, &e) {
		return ErrorTypeInternal
	}
	return e.Type
}

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
