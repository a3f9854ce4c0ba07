// Package gateway implements the live channel: websocket connections,
// per-session subscriptions, and fan-out of session events to subscribers.
//
// The protocol is a closed set of tagged JSON envelopes. Clients subscribe
// to individual sessions and receive every metric and status update for
// those sessions in emission order. Delivery is best effort per connection:
// a subscriber that cannot keep up is evicted rather than allowed to stall
// the rest.
package gateway

import (
	"time"

	"github.com/google/uuid"
)

// MessageType tags one protocol envelope.
type MessageType string

// Client to server message types.
const (
	MessageTypeSubscribeSession   MessageType = "subscribe_session"
	MessageTypeUnsubscribeSession MessageType = "unsubscribe_session"
	MessageTypePong               MessageType = "pong"
)

// Server to client message types.
const (
	MessageTypeConnectionEstablished MessageType = "connection_established"
	MessageTypeSessionSubscribed     MessageType = "session_subscribed"
	MessageTypeSessionUnsubscribed   MessageType = "session_unsubscribed"
	MessageTypeSessionMetricsUpdate  MessageType = "session_metrics_update"
	MessageTypeSessionStatusUpdate   MessageType = "session_status_update"
	MessageTypePing                  MessageType = "ping"
	MessageTypeError                 MessageType = "error"
)

// ClientEnvelope is the shape of every client to server message.
type ClientEnvelope struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
}

// ServerEnvelope is the shape of every server to client message.
type ServerEnvelope struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Payload   any         `json:"payload,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// ConnectionEstablishedPayload acknowledges a new connection with its
// server-assigned identity.
type ConnectionEstablishedPayload struct {
	ConnectionID uuid.UUID `json:"connection_id"`
}

// MetricsUpdatePayload carries one batch of metric samples from a single
// worker output line.
type MetricsUpdatePayload struct {
	Metrics   map[string]float64 `json:"metrics"`
	Step      int64              `json:"step,omitempty"`
	Progress  float64            `json:"progress"`
	Timestamp time.Time          `json:"timestamp"`
}

// StatusUpdatePayload carries a lifecycle state change.
type StatusUpdatePayload struct {
	State        string    `json:"state"`
	Progress     float64   `json:"progress"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
