package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/runstream/internal/domain/events"
)

// Event types relevant to sessions:
const (
	EventTypeSessionCreated         events.EventType = "SessionCreated"
	EventTypeSessionStatusChanged   events.EventType = "SessionStatusChanged"
	EventTypeSessionMetricsRecorded events.EventType = "SessionMetricsRecorded"
)

// SessionCreatedEvent signals that a new session record was created.
type SessionCreatedEvent struct {
	occurredAt time.Time
	SessionID  uuid.UUID
	Kind       Kind
}

// NewSessionCreatedEvent creates a new session created event.
func NewSessionCreatedEvent(sessionID uuid.UUID, kind Kind) SessionCreatedEvent {
	return SessionCreatedEvent{
		occurredAt: time.Now(),
		SessionID:  sessionID,
		Kind:       kind,
	}
}

func (e SessionCreatedEvent) EventType() events.EventType { return EventTypeSessionCreated }
func (e SessionCreatedEvent) OccurredAt() time.Time       { return e.occurredAt }

// SessionStatusChangedEvent signals a lifecycle transition. Subscribers use
// it to push status updates to live clients.
type SessionStatusChangedEvent struct {
	occurredAt   time.Time
	SessionID    uuid.UUID
	Status       Status
	Progress     float64
	ErrorMessage string
}

// NewSessionStatusChangedEvent creates a new session status changed event.
func NewSessionStatusChangedEvent(sessionID uuid.UUID, status Status, progress float64, errorMessage string) SessionStatusChangedEvent {
	return SessionStatusChangedEvent{
		occurredAt:   time.Now(),
		SessionID:    sessionID,
		Status:       status,
		Progress:     progress,
		ErrorMessage: errorMessage,
	}
}

func (e SessionStatusChangedEvent) EventType() events.EventType { return EventTypeSessionStatusChanged }
func (e SessionStatusChangedEvent) OccurredAt() time.Time       { return e.occurredAt }

// SessionMetricsRecordedEvent signals that one parsed line of worker output
// was persisted. Metrics holds every name/value pair the line carried so a
// single line fans out as a single update.
type SessionMetricsRecordedEvent struct {
	occurredAt time.Time
	SessionID  uuid.UUID
	Metrics    map[string]float64
	Step       int64
	Progress   float64
}

// NewSessionMetricsRecordedEvent creates a new session metrics recorded event.
func NewSessionMetricsRecordedEvent(sessionID uuid.UUID, metrics map[string]float64, step int64, progress float64) SessionMetricsRecordedEvent {
	return SessionMetricsRecordedEvent{
		occurredAt: time.Now(),
		SessionID:  sessionID,
		Metrics:    metrics,
		Step:       step,
		Progress:   progress,
	}
}

func (e SessionMetricsRecordedEvent) EventType() events.EventType {
	return EventTypeSessionMetricsRecorded
}
func (e SessionMetricsRecordedEvent) OccurredAt() time.Time { return e.occurredAt }
