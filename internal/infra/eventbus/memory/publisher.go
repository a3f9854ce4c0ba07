package memory

import (
	"context"
	"time"

	"github.com/ahrav/runstream/internal/domain/events"
)

// DomainEventPublisher adapts the event bus to the domain-facing
// events.DomainEventPublisher port. It wraps each domain event in an
// envelope so subscribers stay decoupled from the publishing side.
type DomainEventPublisher struct{ bus events.EventBus }

// NewDomainEventPublisher creates a publisher backed by the provided bus.
func NewDomainEventPublisher(bus events.EventBus) *DomainEventPublisher {
	return &DomainEventPublisher{bus: bus}
}

// PublishDomainEvent wraps the domain event in an EventEnvelope and publishes
// it on the bus.
func (p *DomainEventPublisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	envelope := events.EventEnvelope{
		Type:      event.EventType(),
		Timestamp: time.Now(),
		Payload:   event,
	}
	return p.bus.Publish(ctx, envelope, opts...)
}
