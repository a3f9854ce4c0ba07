// Package session defines the session aggregate and the lifecycle rules for
// long-running computational work (training runs, backtests, live runs).
// A session tracks exactly one unit of work from creation through a terminal
// state and owns the config handed to the external executor.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Session coordinates and tracks a single unit of long-running work.
// It enforces the lifecycle state machine and carries progress, metrics
// snapshots and error information for observers.
type Session struct {
	id           uuid.UUID
	kind         Kind
	status       Status
	config       Config
	progress     float64
	currentStep  int64
	totalSteps   int64
	jobHandleID  uuid.UUID
	finalMetrics map[string]float64
	errorMessage string
	timeline     *Timeline
}

// New creates a new Session in Pending with the provided kind and config.
// The config is assumed to have been validated by the caller.
func New(kind Kind, config Config) *Session {
	return &Session{
		id:       uuid.New(),
		kind:     kind,
		status:   StatusPending,
		config:   config,
		timeline: NewTimeline(new(realTimeProvider)),
	}
}

// Reconstruct creates a Session from stored fields, bypassing creation
// invariants. This should only be used by repositories when loading.
func Reconstruct(
	id uuid.UUID,
	kind Kind,
	status Status,
	config Config,
	progress float64,
	currentStep, totalSteps int64,
	jobHandleID uuid.UUID,
	finalMetrics map[string]float64,
	errorMessage string,
	timeline *Timeline,
) *Session {
	return &Session{
		id:           id,
		kind:         kind,
		status:       status,
		config:       config,
		progress:     progress,
		currentStep:  currentStep,
		totalSteps:   totalSteps,
		jobHandleID:  jobHandleID,
		finalMetrics: finalMetrics,
		errorMessage: errorMessage,
		timeline:     timeline,
	}
}

// ID returns the unique identifier for this session.
func (s *Session) ID() uuid.UUID { return s.id }

// Kind returns the category of work this session performs.
func (s *Session) Kind() Kind { return s.kind }

// Status returns the current lifecycle state.
func (s *Session) Status() Status { return s.status }

// Config returns the session's work definition.
func (s *Session) Config() Config { return s.config }

// Progress returns the completion percentage in [0,100]. It is meaningful
// only while the session is Running or terminal.
func (s *Session) Progress() float64 { return s.progress }

// CurrentStep returns the last reported step ordinal.
func (s *Session) CurrentStep() int64 { return s.currentStep }

// TotalSteps returns the total step count if known, 0 otherwise.
func (s *Session) TotalSteps() int64 { return s.totalSteps }

// JobHandleID returns the identifier of the in-flight job handle. The second
// return reports whether a live handle exists; a session has at most one.
func (s *Session) JobHandleID() (uuid.UUID, bool) {
	return s.jobHandleID, s.jobHandleID != uuid.Nil
}

// FinalMetrics returns the terminal metrics snapshot, nil before completion.
func (s *Session) FinalMetrics() map[string]float64 { return s.finalMetrics }

// ErrorMessage returns the failure description. Set only in Failed.
func (s *Session) ErrorMessage() string { return s.errorMessage }

// Timeline provides access to the session's temporal information.
func (s *Session) Timeline() *Timeline { return s.timeline }

// CreatedAt returns when this session was created.
func (s *Session) CreatedAt() time.Time { return s.timeline.CreatedAt() }

// StartedAt returns when job execution began, zero if it never started.
func (s *Session) StartedAt() time.Time { return s.timeline.StartedAt() }

// CompletedAt returns when the session reached a terminal state.
// The second return is false while the session is still live.
func (s *Session) CompletedAt() (time.Time, bool) {
	if s.status.IsTerminal() {
		return s.timeline.CompletedAt(), true
	}
	return time.Time{}, false
}

// TransitionToRunning moves the session from Pending to Running and records
// the job handle. Any other starting state signals a double-start and
// returns a ConflictError.
func (s *Session) TransitionToRunning(jobHandleID uuid.UUID) error {
	if s.status != StatusPending {
		return NewConflictError(s.id, s.status, StatusRunning)
	}

	s.status = StatusRunning
	s.jobHandleID = jobHandleID
	s.timeline.MarkStarted()
	return nil
}

// ApplyProgress records a progress observation while Running. Progress is
// clamped into [0,100] and never decreases; regressions are dropped rather
// than surfaced, since replayed or late worker output is expected.
// Observations against a terminal session are ignored (they race with
// natural completion); observations against a Pending session are a
// protocol violation and return a ConflictError.
func (s *Session) ApplyProgress(step, total int64, pct float64) error {
	switch {
	case s.status == StatusRunning:
	case s.status.IsTerminal():
		return nil
	default:
		return NewConflictError(s.id, s.status, StatusRunning)
	}

	if step > s.currentStep {
		s.currentStep = step
	}
	if total > 0 {
		s.totalSteps = total
	}

	if pct > 100 {
		pct = 100
	}
	if pct > s.progress {
		s.progress = pct
	}
	s.timeline.UpdateLastUpdate()
	return nil
}

// Complete moves a Running session to Completed with its final metrics
// snapshot. Calling Complete on an already-terminal session is a no-op;
// completion races with cancellation are expected. Completing a Pending
// session returns a ConflictError since no job ever ran.
func (s *Session) Complete(finalMetrics map[string]float64) error {
	if s.status.IsTerminal() {
		return nil
	}
	if s.status != StatusRunning {
		return NewConflictError(s.id, s.status, StatusCompleted)
	}

	s.status = StatusCompleted
	s.progress = 100
	s.finalMetrics = finalMetrics
	s.jobHandleID = uuid.Nil
	s.timeline.MarkCompleted()
	return nil
}

// Fail moves a Running session to Failed and records the error message.
// Calling Fail on an already-terminal session is a no-op.
func (s *Session) Fail(errorMessage string) error {
	if s.status.IsTerminal() {
		return nil
	}
	if s.status != StatusRunning {
		return NewConflictError(s.id, s.status, StatusFailed)
	}

	s.status = StatusFailed
	s.errorMessage = errorMessage
	s.jobHandleID = uuid.Nil
	s.timeline.MarkCompleted()
	return nil
}

// Cancel moves the session to Cancelled. Legal from Running and also from
// Pending, where it transitions directly without a job ever starting.
// Calling Cancel on an already-terminal session is a no-op.
func (s *Session) Cancel() error {
	if s.status.IsTerminal() {
		return nil
	}

	s.status = StatusCancelled
	s.jobHandleID = uuid.Nil
	s.timeline.MarkCompleted()
	return nil
}
