package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	registrysvc "github.com/ahrav/runstream/internal/app/registry"
	"github.com/ahrav/runstream/internal/domain/session"
	"github.com/ahrav/runstream/pkg/common/logger"
)

const (
	// writeWait bounds how long a single websocket write may take.
	writeWait = 10 * time.Second

	// maxMessageSize bounds inbound client messages. Client envelopes are
	// tiny; anything larger is a misbehaving peer.
	maxMessageSize = 4 * 1024
)

// SessionReader provides the status view replayed to newly subscribing
// clients. The session registry service satisfies it.
type SessionReader interface {
	Status(ctx context.Context, id uuid.UUID) (registrysvc.StatusView, error)
}

// Handler upgrades HTTP requests to websocket connections and runs the
// per-connection read and write loops.
type Handler struct {
	registry *ConnectionRegistry
	sessions SessionReader

	upgrader websocket.Upgrader

	metrics GatewayMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewHandler creates the websocket handler.
func NewHandler(
	registry *ConnectionRegistry,
	sessions SessionReader,
	metrics GatewayMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Handler {
	logger = logger.With("component", "ws_handler")
	return &Handler{
		registry: registry,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		metrics: metrics,
		logger:  logger,
		tracer:  tracer,
	}
}

// ServeHTTP upgrades the request, registers the connection and runs the
// read loop until the peer goes away. The write loop runs on its own
// goroutine and exits when the connection's outbound queue closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(r.Context(), "websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(maxMessageSize)

	ctx := context.WithoutCancel(r.Context())
	conn := h.registry.Connect(ctx, r.RemoteAddr)

	go h.writeLoop(ctx, ws, conn)

	conn.Queue(ServerEnvelope{
		Type:    MessageTypeConnectionEstablished,
		Payload: ConnectionEstablishedPayload{ConnectionID: conn.ID()},
	})

	h.readLoop(ctx, ws, conn)
}

// writeLoop drains the outbound queue onto the wire. Any write failure
// tears the connection down; the queue close (from Disconnect) ends the
// loop and sends the websocket close frame.
func (h *Handler) writeLoop(ctx context.Context, ws *websocket.Conn, conn *Connection) {
	defer func() { _ = ws.Close() }()

	for msg := range conn.Outbound() {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteJSON(msg); err != nil {
			transportErr := session.NewTransportError(conn.ID(), err)
			h.logger.Warn(ctx, "websocket write failed, disconnecting",
				"connection_id", conn.ID(), "error", transportErr)
			h.registry.Disconnect(ctx, conn.ID())
			// Drain so queued senders never block on a dead connection.
			for range conn.Outbound() {
			}
			return
		}
	}

	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readLoop dispatches inbound client envelopes until the peer disconnects.
func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, conn *Connection) {
	defer h.registry.Disconnect(ctx, conn.ID())

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) && !websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Debug(ctx, "websocket read ended", "connection_id", conn.ID(), "error", err)
			}
			return
		}

		var msg ClientEnvelope
		if err := json.Unmarshal(raw, &msg); err != nil {
			conn.Queue(ServerEnvelope{Type: MessageTypeError, Message: "invalid message"})
			continue
		}
		h.metrics.IncMessagesReceived(ctx, string(msg.Type))

		switch msg.Type {
		case MessageTypeSubscribeSession:
			h.handleSubscribe(ctx, conn, msg.SessionID)

		case MessageTypeUnsubscribeSession:
			h.handleUnsubscribe(ctx, conn, msg.SessionID)

		case MessageTypePong:
			conn.MarkPong()

		default:
			conn.Queue(ServerEnvelope{Type: MessageTypeError, Message: "unsupported message type"})
		}
	}
}

// handleSubscribe registers the subscription and replays the session's
// current status so a late subscriber is not blind until the next update.
// Subscribing to a session that does not exist yet is legal; the ack is
// sent without a replay payload.
func (h *Handler) handleSubscribe(ctx context.Context, conn *Connection, rawSessionID string) {
	sessionID, err := uuid.Parse(rawSessionID)
	if err != nil {
		conn.Queue(ServerEnvelope{Type: MessageTypeError, Message: "invalid session id"})
		return
	}

	if err := h.registry.Subscribe(ctx, conn.ID(), sessionID); err != nil {
		conn.Queue(ServerEnvelope{Type: MessageTypeError, Message: "subscription failed"})
		return
	}

	ack := ServerEnvelope{Type: MessageTypeSessionSubscribed, SessionID: rawSessionID}
	if view, err := h.sessions.Status(ctx, sessionID); err == nil {
		ack.Payload = view
	}
	conn.Queue(ack)
}

func (h *Handler) handleUnsubscribe(ctx context.Context, conn *Connection, rawSessionID string) {
	sessionID, err := uuid.Parse(rawSessionID)
	if err != nil {
		conn.Queue(ServerEnvelope{Type: MessageTypeError, Message: "invalid session id"})
		return
	}

	if err := h.registry.Unsubscribe(ctx, conn.ID(), sessionID); err != nil {
		conn.Queue(ServerEnvelope{Type: MessageTypeError, Message: "unsubscribe failed"})
		return
	}
	conn.Queue(ServerEnvelope{Type: MessageTypeSessionUnsubscribed, SessionID: rawSessionID})
}
