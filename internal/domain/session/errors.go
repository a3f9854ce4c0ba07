package session

import (
	"fmt"

	"github.com/google/uuid"
)

// ValidationError indicates a session config failed validation. Nothing is
// created when this error is returned; the fault lies with the caller.
type ValidationError struct {
	field  string
	reason string
}

// NewValidationError creates a new ValidationError for a single field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{field: field, reason: reason}
}

// Error returns a string representation of the error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid session config: field %q %s", e.field, e.reason)
}

// Field returns the offending config field.
func (e *ValidationError) Field() string { return e.field }

// NotFoundError indicates an unknown session or connection identifier.
type NotFoundError struct {
	kind string
	id   uuid.UUID
}

// NewSessionNotFoundError creates a NotFoundError for a session id.
func NewSessionNotFoundError(id uuid.UUID) *NotFoundError {
	return &NotFoundError{kind: "session", id: id}
}

// NewConnectionNotFoundError creates a NotFoundError for a connection id.
func NewConnectionNotFoundError(id uuid.UUID) *NotFoundError {
	return &NotFoundError{kind: "connection", id: id}
}

// Error returns a string representation of the error.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.kind, e.id)
}

// Is enables error classification with errors.Is by matching on the kind of
// entity that was missing.
func (e *NotFoundError) Is(target error) bool {
	t, ok := target.(*NotFoundError)
	if !ok {
		return false
	}
	return t.kind == "" || t.kind == e.kind
}

// ConflictError indicates an illegal state transition was attempted, such as
// starting a session that is not Pending.
type ConflictError struct {
	sessionID uuid.UUID
	current   Status
	attempted Status
}

// NewConflictError creates a new ConflictError.
func NewConflictError(sessionID uuid.UUID, current, attempted Status) *ConflictError {
	return &ConflictError{sessionID: sessionID, current: current, attempted: attempted}
}

// Error returns a string representation of the error.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %s cannot transition from %s to %s", e.sessionID, e.current, e.attempted)
}

// Current returns the session's status at the time of the conflict.
func (e *ConflictError) Current() Status { return e.current }

// ExecutionError indicates the external job exited with a failure. It is
// recorded into the session record rather than propagated to unrelated
// callers.
type ExecutionError struct {
	sessionID uuid.UUID
	exitCode  int
	output    string
}

// NewExecutionError creates a new ExecutionError capturing the worker's exit
// code and trailing error output.
func NewExecutionError(sessionID uuid.UUID, exitCode int, output string) *ExecutionError {
	return &ExecutionError{sessionID: sessionID, exitCode: exitCode, output: output}
}

// Error returns a string representation of the error.
func (e *ExecutionError) Error() string {
	if e.output == "" {
		return fmt.Sprintf("job for session %s exited with code %d", e.sessionID, e.exitCode)
	}
	return fmt.Sprintf("job for session %s exited with code %d: %s", e.sessionID, e.exitCode, e.output)
}

// ExitCode returns the worker's exit code.
func (e *ExecutionError) ExitCode() int { return e.exitCode }

// TimeoutError indicates the cancel grace period elapsed before the executor
// confirmed termination and the job was force-killed.
type TimeoutError struct {
	sessionID uuid.UUID
	grace     string
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(sessionID uuid.UUID, grace string) *TimeoutError {
	return &TimeoutError{sessionID: sessionID, grace: grace}
}

// Error returns a string representation of the error.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("forced termination of session %s: executor did not confirm cancellation within %s", e.sessionID, e.grace)
}

// TransportError indicates a send to one connection failed. Its effect is
// isolated to that connection.
type TransportError struct {
	connectionID uuid.UUID
	cause        error
}

// NewTransportError creates a new TransportError.
func NewTransportError(connectionID uuid.UUID, cause error) *TransportError {
	return &TransportError{connectionID: connectionID, cause: cause}
}

// Error returns a string representation of the error.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure on connection %s: %v", e.connectionID, e.cause)
}

// Unwrap returns the underlying transport failure.
func (e *TransportError) Unwrap() error { return e.cause }
