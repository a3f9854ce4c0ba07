package session

import (
	"fmt"
)

// Status represents the current state of a session. It enables tracking of
// the session lifecycle from creation through completion, failure or
// cancellation.
type Status string

const (
	// StatusPending indicates a session has been created but no job has
	// been submitted for it yet.
	StatusPending Status = "PENDING"

	// StatusRunning indicates a session's job is actively executing.
	StatusRunning Status = "RUNNING"

	// StatusCompleted indicates the session's job finished successfully.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed indicates the session encountered an unrecoverable error.
	StatusFailed Status = "FAILED"

	// StatusCancelled indicates the session was cancelled before or during
	// execution.
	StatusCancelled Status = "CANCELLED"
)

func (s Status) String() string { return string(s) }

// ParseStatus converts a string to a Status.
func ParseStatus(s string) Status {
	switch s {
	case "PENDING":
		return StatusPending
	case "RUNNING":
		return StatusRunning
	case "COMPLETED":
		return StatusCompleted
	case "FAILED":
		return StatusFailed
	case "CANCELLED":
		return StatusCancelled
	default:
		return "" // represents unspecified
	}
}

// IsTerminal reports whether the status is a sink with no outgoing
// transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ValidateTransition checks if a status transition is valid and returns an error if not.
func (s Status) ValidateTransition(target Status) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid session status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition checks if the current status can transition to the target status.
// It enforces the session lifecycle rules to prevent invalid state changes.
func (s Status) isValidTransition(target Status) bool {
	switch s {
	case StatusPending:
		// From Pending, can move to Running or be cancelled without ever
		// starting a job.
		return target == StatusRunning || target == StatusCancelled
	case StatusRunning:
		// From Running, can move to any terminal state.
		return target == StatusCompleted || target == StatusFailed || target == StatusCancelled
	case StatusCompleted, StatusFailed, StatusCancelled:
		// Terminal states - no further transitions allowed.
		return false
	default:
		return false
	}
}
