package gateway

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const namespace = "live_gateway"

// GatewayMetrics defines the metrics surface of the live channel.
type GatewayMetrics interface {
	// Connection metrics.
	IncConnectedClients(ctx context.Context)
	DecConnectedClients(ctx context.Context)

	// Subscription metrics.
	IncSubscriptions(ctx context.Context)
	DecSubscriptions(ctx context.Context)

	// Message metrics.
	IncMessagesSent(ctx context.Context, messageType string)
	IncMessagesReceived(ctx context.Context, messageType string)

	// Eviction metrics.
	IncSlowConsumerEvictions(ctx context.Context)
	IncHeartbeatEvictions(ctx context.Context)
}

type gatewayMetrics struct {
	connectedClients metric.Int64UpDownCounter
	subscriptions    metric.Int64UpDownCounter
	messagesSent     metric.Int64Counter
	messagesReceived metric.Int64Counter

	slowConsumerEvictions metric.Int64Counter
	heartbeatEvictions    metric.Int64Counter
}

// NewGatewayMetrics creates the otel-backed GatewayMetrics implementation.
func NewGatewayMetrics(mp metric.MeterProvider) (GatewayMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(gatewayMetrics)
	var err error

	if m.connectedClients, err = meter.Int64UpDownCounter(
		"connected_clients",
		metric.WithDescription("Number of currently connected websocket clients"),
	); err != nil {
		return nil, err
	}

	if m.subscriptions, err = meter.Int64UpDownCounter(
		"active_subscriptions",
		metric.WithDescription("Number of active session subscriptions"),
	); err != nil {
		return nil, err
	}

	if m.messagesSent, err = meter.Int64Counter(
		"messages_sent_total",
		metric.WithDescription("Total number of messages queued to clients"),
	); err != nil {
		return nil, err
	}

	if m.messagesReceived, err = meter.Int64Counter(
		"messages_received_total",
		metric.WithDescription("Total number of messages received from clients"),
	); err != nil {
		return nil, err
	}

	if m.slowConsumerEvictions, err = meter.Int64Counter(
		"slow_consumer_evictions_total",
		metric.WithDescription("Total number of connections evicted for a full outbound queue"),
	); err != nil {
		return nil, err
	}

	if m.heartbeatEvictions, err = meter.Int64Counter(
		"heartbeat_evictions_total",
		metric.WithDescription("Total number of connections evicted for missed heartbeats"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *gatewayMetrics) IncConnectedClients(ctx context.Context) {
	m.connectedClients.Add(ctx, 1)
}

func (m *gatewayMetrics) DecConnectedClients(ctx context.Context) {
	m.connectedClients.Add(ctx, -1)
}

func (m *gatewayMetrics) IncSubscriptions(ctx context.Context) {
	m.subscriptions.Add(ctx, 1)
}

func (m *gatewayMetrics) DecSubscriptions(ctx context.Context) {
	m.subscriptions.Add(ctx, -1)
}

func (m *gatewayMetrics) IncMessagesSent(ctx context.Context, messageType string) {
	m.messagesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("message_type", messageType)))
}

func (m *gatewayMetrics) IncMessagesReceived(ctx context.Context, messageType string) {
	m.messagesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("message_type", messageType)))
}

func (m *gatewayMetrics) IncSlowConsumerEvictions(ctx context.Context) {
	m.slowConsumerEvictions.Add(ctx, 1)
}

func (m *gatewayMetrics) IncHeartbeatEvictions(ctx context.Context) {
	m.heartbeatEvictions.Add(ctx, 1)
}

// noopMetrics discards every observation; used in tests.
type noopMetrics struct{}

// NewNoopMetrics returns a GatewayMetrics that records nothing.
func NewNoopMetrics() GatewayMetrics { return noopMetrics{} }

func (noopMetrics) IncConnectedClients(context.Context)         {}
func (noopMetrics) DecConnectedClients(context.Context)         {}
func (noopMetrics) IncSubscriptions(context.Context)            {}
func (noopMetrics) DecSubscriptions(context.Context)            {}
func (noopMetrics) IncMessagesSent(context.Context, string)     {}
func (noopMetrics) IncMessagesReceived(context.Context, string) {}
func (noopMetrics) IncSlowConsumerEvictions(context.Context)    {}
func (noopMetrics) IncHeartbeatEvictions(context.Context)       {}
