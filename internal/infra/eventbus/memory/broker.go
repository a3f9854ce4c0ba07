// Package memory provides an in-memory implementation of the event bus.
// It offers a lightweight, non-persistent broker suitable for single-process
// deployments where durability is not required. Publishing is synchronous,
// which preserves per-key ordering end to end.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ahrav/runstream/internal/domain/events"
)

// EventBus provides an in-memory implementation of the events.EventBus
// interface. It enables decoupled communication between components through
// synchronous message passing.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[events.EventType][]events.HandlerFunc
	closed   bool
}

// NewEventBus creates and initializes a new in-memory event bus with no
// registered handlers.
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[events.EventType][]events.HandlerFunc)}
}

// Subscribe registers a handler function for the given event types.
// Multiple handlers can be registered for the same type and will all receive
// published events.
func (b *EventBus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New("event bus is closed")
	}
	for _, et := range eventTypes {
		b.handlers[et] = append(b.handlers[et], handler)
	}
	return nil
}

// Publish delivers an envelope to every handler registered for its type,
// stopping at the first error. Handlers are copied before iteration so no
// lock is held while they execute; delivery happens on the caller's
// goroutine, so events published from a single goroutine arrive in order.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := events.PublishParams{}
	for _, opt := range opts {
		opt(&params)
	}
	if params.Key != "" {
		event.Key = params.Key
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.New("event bus is closed")
	}
	registered := b.handlers[event.Type]
	handlersCopy := make([]events.HandlerFunc, len(registered))
	copy(handlersCopy, registered)
	b.mu.RUnlock()

	// Delivery is synchronous; acknowledgment carries no redelivery
	// semantics here.
	ack := func(error) {}

	for _, handler := range handlersCopy {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := handler(ctx, event, ack); err != nil {
			return fmt.Errorf("handling event %s: %w", event.Type, err)
		}
	}
	return nil
}

// Close shuts down the bus. Subsequent publishes and subscriptions fail.
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[events.EventType][]events.HandlerFunc)
	return nil
}
