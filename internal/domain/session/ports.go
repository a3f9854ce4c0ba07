package session

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the persistence contract for session aggregates.
// The storage technology is an infrastructure concern; the domain only
// depends on these operations.
type Repository interface {
	// Create persists a new session. Returns an error if a session with the
	// same id already exists.
	Create(ctx context.Context, s *Session) error

	// Get loads a session by id. Returns a NotFoundError for unknown ids.
	Get(ctx context.Context, id uuid.UUID) (*Session, error)

	// Update persists the current state of an existing session.
	Update(ctx context.Context, s *Session) error

	// List returns a snapshot of all sessions.
	List(ctx context.Context) ([]*Session, error)
}

// MetricRepository stores the append-only stream of metric samples.
type MetricRepository interface {
	// Append persists a sample at the end of its session's stream.
	Append(ctx context.Context, sample MetricSample) error

	// Recent returns up to limit of the most recently appended samples for a
	// session, oldest first. Used to replay state to new subscribers.
	Recent(ctx context.Context, sessionID uuid.UUID, limit int) ([]MetricSample, error)
}
