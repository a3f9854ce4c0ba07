package events

import (
	"context"
	"time"
)

// DomainEvent is implemented by every event emitted from the domain layer.
// Concrete events carry their own payload fields; the interface exposes just
// enough for routing and temporal ordering.
type DomainEvent interface {
	// EventType identifies the category of this event for routing and handling.
	EventType() EventType

	// OccurredAt reports when the event was created.
	OccurredAt() time.Time
}

// EventMetadata carries transport-level position information for an envelope.
// In-memory transports leave it zeroed; partitioned transports populate it so
// consumers can reason about ordering and replay.
type EventMetadata struct {
	Partition int32
	Offset    int64
}

// EventEnvelope is the wire-level wrapper that moves events through the bus.
// It decouples subscribers from the publishing side: handlers receive the
// envelope and assert the Payload to the concrete event type they expect.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically containing a business
	// identifier like a SessionID that events can be grouped or partitioned by.
	Key string

	// Timestamp records when this envelope was created.
	Timestamp time.Time

	// Payload contains the actual event data. The concrete type depends on
	// the EventType.
	Payload any

	// Metadata holds transport position details when the bus provides them.
	Metadata EventMetadata
}

// AckFunc acknowledges processing of an event. Passing a non-nil error signals
// the transport that processing failed and the event may be redelivered.
type AckFunc func(error)

// HandlerFunc processes a single event envelope. Implementations must call ack
// exactly once when processing finishes.
type HandlerFunc func(ctx context.Context, evt EventEnvelope, ack AckFunc) error
