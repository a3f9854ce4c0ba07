package events

import "context"

// EventHandler is implemented by components that consume domain events from
// the bus. A handler names the event types it wants up front and receives
// each matching envelope together with an acknowledgment callback.
type EventHandler interface {
	// HandleEvent processes one event envelope. The handler must invoke ack
	// exactly once.
	HandleEvent(ctx context.Context, evt EventEnvelope, ack AckFunc) error

	// SupportedEvents returns the event types this handler subscribes to.
	SupportedEvents() []EventType
}
