package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTransition_ValidTransitions(t *testing.T) {
	tests := []struct {
		name    string
		current Status
		target  Status
	}{
		{
			name:    "Pending to Running is valid",
			current: StatusPending,
			target:  StatusRunning,
		},
		{
			name:    "Pending to Cancelled is valid",
			current: StatusPending,
			target:  StatusCancelled,
		},
		{
			name:    "Running to Completed is valid",
			current: StatusRunning,
			target:  StatusCompleted,
		},
		{
			name:    "Running to Failed is valid",
			current: StatusRunning,
			target:  StatusFailed,
		},
		{
			name:    "Running to Cancelled is valid",
			current: StatusRunning,
			target:  StatusCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.current.ValidateTransition(tt.target)
			assert.NoError(t, err, "expected valid transition from %s to %s", tt.current, tt.target)
		})
	}
}

func TestValidateTransition_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name    string
		current Status
		target  Status
	}{
		{
			name:    "Pending to Completed is invalid",
			current: StatusPending,
			target:  StatusCompleted,
		},
		{
			name:    "Pending to Failed is invalid",
			current: StatusPending,
			target:  StatusFailed,
		},
		{
			name:    "Pending to Pending is invalid",
			current: StatusPending,
			target:  StatusPending,
		},
		{
			name:    "Running to Pending is invalid",
			current: StatusRunning,
			target:  StatusPending,
		},
		{
			name:    "Completed to Running is invalid",
			current: StatusCompleted,
			target:  StatusRunning,
		},
		{
			name:    "Failed to Running is invalid",
			current: StatusFailed,
			target:  StatusRunning,
		},
		{
			name:    "Cancelled to Running is invalid",
			current: StatusCancelled,
			target:  StatusRunning,
		},
		{
			name:    "Completed to Cancelled is invalid",
			current: StatusCompleted,
			target:  StatusCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.current.ValidateTransition(tt.target)
			assert.Error(t, err, "expected invalid transition from %s to %s", tt.current, tt.target)
		})
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		input string
		want  Status
	}{
		{"PENDING", StatusPending},
		{"RUNNING", StatusRunning},
		{"COMPLETED", StatusCompleted},
		{"FAILED", StatusFailed},
		{"CANCELLED", StatusCancelled},
		{"bogus", Status("")},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseStatus(tt.input))
		})
	}
}
