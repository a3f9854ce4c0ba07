package gateway

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/runstream/internal/domain/events"
	"github.com/ahrav/runstream/internal/domain/session"
	"github.com/ahrav/runstream/pkg/common/logger"
)

// Broadcaster is the slice of the connection registry the router needs.
type Broadcaster interface {
	Broadcast(ctx context.Context, sessionID uuid.UUID, msg ServerEnvelope)
}

// BroadcastRouter subscribes to session domain events and translates them
// into protocol envelopes for fan-out. It is the only bridge between the
// event bus and the live channel; nothing else in the gateway sees domain
// events.
type BroadcastRouter struct {
	broadcaster Broadcaster

	logger *logger.Logger
	tracer trace.Tracer
}

var _ events.EventHandler = (*BroadcastRouter)(nil)

// NewBroadcastRouter creates a router over the given broadcaster.
func NewBroadcastRouter(broadcaster Broadcaster, logger *logger.Logger, tracer trace.Tracer) *BroadcastRouter {
	logger = logger.With("component", "broadcast_router")
	return &BroadcastRouter{broadcaster: broadcaster, logger: logger, tracer: tracer}
}

// SupportedEvents lists the domain events the router translates for the
// live channel.
func (r *BroadcastRouter) SupportedEvents() []events.EventType {
	return []events.EventType{
		session.EventTypeSessionMetricsRecorded,
		session.EventTypeSessionStatusChanged,
	}
}

// Register subscribes the router to the session event stream.
func (r *BroadcastRouter) Register(ctx context.Context, bus events.EventBus) error {
	return bus.Subscribe(ctx, r.SupportedEvents(), r.HandleEvent)
}

// HandleEvent translates one domain event into its protocol envelope. The
// bus delivers events for a given session in order and this handler queues
// synchronously, so per-session ordering survives into each connection's
// outbound queue.
func (r *BroadcastRouter) HandleEvent(ctx context.Context, envelope events.EventEnvelope, ack events.AckFunc) error {
	switch evt := envelope.Payload.(type) {
	case session.SessionMetricsRecordedEvent:
		r.broadcaster.Broadcast(ctx, evt.SessionID, ServerEnvelope{
			Type:      MessageTypeSessionMetricsUpdate,
			SessionID: evt.SessionID.String(),
			Payload: MetricsUpdatePayload{
				Metrics:   evt.Metrics,
				Step:      evt.Step,
				Progress:  evt.Progress,
				Timestamp: evt.OccurredAt(),
			},
		})

	case session.SessionStatusChangedEvent:
		r.broadcaster.Broadcast(ctx, evt.SessionID, ServerEnvelope{
			Type:      MessageTypeSessionStatusUpdate,
			SessionID: evt.SessionID.String(),
			Payload: StatusUpdatePayload{
				State:        evt.Status.String(),
				Progress:     evt.Progress,
				ErrorMessage: evt.ErrorMessage,
				Timestamp:    evt.OccurredAt(),
			},
		})

	default:
		r.logger.Warn(ctx, "unexpected event type on live channel subscription",
			"event_type", envelope.Type)
	}

	ack(nil)
	return nil
}
