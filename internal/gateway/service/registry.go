package gateway

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/runstream/internal/domain/session"
	"github.com/ahrav/runstream/pkg/common/logger"
	"github.com/ahrav/runstream/pkg/common/timeutil"
)

// sessionSubscribers is the subscriber set for one session. It carries its
// own mutex so broadcasts to different sessions never contend.
type sessionSubscribers struct {
	mu      sync.Mutex
	members map[uuid.UUID]*Connection
}

func (s *sessionSubscribers) add(conn *Connection) {
	s.mu.Lock()
	s.members[conn.ID()] = conn
	s.mu.Unlock()
}

// remove drops one member and reports how many remain.
func (s *sessionSubscribers) remove(connID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, connID)
	return len(s.members)
}

// snapshot copies the member set so sends happen without the lock held.
func (s *sessionSubscribers) snapshot() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Connection, 0, len(s.members))
	for _, conn := range s.members {
		out = append(out, conn)
	}
	return out
}

// ConnectionRegistry tracks live connections and their session
// subscriptions, and fans session events out to subscribers.
//
// Locking is deliberately fine-grained: the registry mutex guards map
// membership and every two-sided index mutation, each session's subscriber
// set has its own mutex for broadcast snapshots, and each connection guards
// its own subscription set. No lock is ever held across a queue send.
type ConnectionRegistry struct {
	queueSize int

	mu          sync.RWMutex
	connections map[uuid.UUID]*Connection
	sessions    map[uuid.UUID]*sessionSubscribers

	timeProvider timeutil.Provider
	metrics      GatewayMetrics
	logger       *logger.Logger
	tracer       trace.Tracer
}

// NewConnectionRegistry creates an empty registry. A non-positive queueSize
// selects the per-connection default.
func NewConnectionRegistry(
	queueSize int,
	timeProvider timeutil.Provider,
	metrics GatewayMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *ConnectionRegistry {
	logger = logger.With("component", "connection_registry")
	return &ConnectionRegistry{
		queueSize:    queueSize,
		connections:  make(map[uuid.UUID]*Connection),
		sessions:     make(map[uuid.UUID]*sessionSubscribers),
		timeProvider: timeProvider,
		metrics:      metrics,
		logger:       logger,
		tracer:       tracer,
	}
}

// Connect registers a new connection with an empty subscription set.
func (r *ConnectionRegistry) Connect(ctx context.Context, identity string) *Connection {
	ctx, span := r.tracer.Start(ctx, "connection_registry.connect",
		trace.WithAttributes(attribute.String("identity", identity)))
	defer span.End()

	conn := NewConnection(identity, r.queueSize, r.timeProvider)

	r.mu.Lock()
	r.connections[conn.ID()] = conn
	total := len(r.connections)
	r.mu.Unlock()

	r.metrics.IncConnectedClients(ctx)
	r.logger.Info(ctx, "connection established",
		"connection_id", conn.ID(), "identity", identity, "total_connections", total)
	span.SetAttributes(attribute.String("connection_id", conn.ID().String()))
	span.SetStatus(codes.Ok, "connected")
	return conn
}

// Get returns a live connection by id.
func (r *ConnectionRegistry) Get(connID uuid.UUID) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connID]
	if !ok {
		return nil, session.NewConnectionNotFoundError(connID)
	}
	return conn, nil
}

// Subscribe adds a connection to a session's subscriber set. Subscribing to
// a session that does not exist yet is legal; updates simply start flowing
// once the session produces them.
func (r *ConnectionRegistry) Subscribe(ctx context.Context, connID, sessionID uuid.UUID) error {
	ctx, span := r.tracer.Start(ctx, "connection_registry.subscribe",
		trace.WithAttributes(
			attribute.String("connection_id", connID.String()),
			attribute.String("session_id", sessionID.String()),
		))
	defer span.End()

	r.mu.Lock()
	conn, ok := r.connections[connID]
	if !ok {
		r.mu.Unlock()
		err := session.NewConnectionNotFoundError(connID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown connection")
		return err
	}
	subs, ok := r.sessions[sessionID]
	if !ok {
		subs = &sessionSubscribers{members: make(map[uuid.UUID]*Connection)}
		r.sessions[sessionID] = subs
	}
	// Both index directions are written under the registry lock so a
	// concurrent Disconnect observes either none of this subscription or
	// all of it.
	subs.add(conn)
	conn.addSubscription(sessionID)
	r.mu.Unlock()

	r.metrics.IncSubscriptions(ctx)
	r.logger.Debug(ctx, "subscribed", "connection_id", connID, "session_id", sessionID)
	span.SetStatus(codes.Ok, "subscribed")
	return nil
}

// Unsubscribe removes a connection from a session's subscriber set.
func (r *ConnectionRegistry) Unsubscribe(ctx context.Context, connID, sessionID uuid.UUID) error {
	ctx, span := r.tracer.Start(ctx, "connection_registry.unsubscribe",
		trace.WithAttributes(
			attribute.String("connection_id", connID.String()),
			attribute.String("session_id", sessionID.String()),
		))
	defer span.End()

	r.mu.Lock()
	conn, ok := r.connections[connID]
	if !ok {
		r.mu.Unlock()
		err := session.NewConnectionNotFoundError(connID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown connection")
		return err
	}
	if subs := r.sessions[sessionID]; subs != nil {
		if subs.remove(connID) == 0 {
			delete(r.sessions, sessionID)
		}
	}
	conn.removeSubscription(sessionID)
	r.mu.Unlock()

	r.metrics.DecSubscriptions(ctx)
	r.logger.Debug(ctx, "unsubscribed", "connection_id", connID, "session_id", sessionID)
	span.SetStatus(codes.Ok, "unsubscribed")
	return nil
}

// Disconnect is the single cleanup path for a connection: explicit close,
// transport failure, slow-consumer eviction and heartbeat timeout all end
// here. It prunes every subscription in both directions and closes the
// outbound queue. Disconnecting an unknown connection is a no-op.
func (r *ConnectionRegistry) Disconnect(ctx context.Context, connID uuid.UUID) {
	ctx, span := r.tracer.Start(ctx, "connection_registry.disconnect",
		trace.WithAttributes(attribute.String("connection_id", connID.String())))
	defer span.End()

	r.mu.Lock()
	conn, ok := r.connections[connID]
	if !ok {
		r.mu.Unlock()
		span.AddEvent("already_disconnected")
		span.SetStatus(codes.Ok, "no-op")
		return
	}
	delete(r.connections, connID)

	watched := conn.subscriptionSnapshot()
	for _, sessionID := range watched {
		subs := r.sessions[sessionID]
		if subs == nil {
			continue
		}
		if subs.remove(connID) == 0 {
			delete(r.sessions, sessionID)
		}
	}
	r.mu.Unlock()

	for range watched {
		r.metrics.DecSubscriptions(ctx)
	}

	conn.Close()
	r.metrics.DecConnectedClients(ctx)
	r.logger.Info(ctx, "connection closed",
		"connection_id", connID, "identity", conn.Identity(), "subscriptions_pruned", len(watched))
	span.SetAttributes(attribute.Int("subscriptions_pruned", len(watched)))
	span.SetStatus(codes.Ok, "disconnected")
}

// Broadcast queues a message to every subscriber of a session. The
// subscriber set is snapshotted first so no lock is held during sends. A
// connection that cannot accept the message is evicted; other subscribers
// are unaffected.
func (r *ConnectionRegistry) Broadcast(ctx context.Context, sessionID uuid.UUID, msg ServerEnvelope) {
	r.mu.RLock()
	subs := r.sessions[sessionID]
	r.mu.RUnlock()
	if subs == nil {
		return
	}

	for _, conn := range subs.snapshot() {
		if conn.Queue(msg) {
			r.metrics.IncMessagesSent(ctx, string(msg.Type))
			continue
		}
		r.logger.Warn(ctx, "evicting slow consumer",
			"connection_id", conn.ID(), "session_id", sessionID, "message_type", msg.Type)
		r.metrics.IncSlowConsumerEvictions(ctx)
		r.Disconnect(ctx, conn.ID())
	}
}

// Connections returns a snapshot of all live connections.
func (r *ConnectionRegistry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		out = append(out, conn)
	}
	return out
}

// SubscriberCount returns how many connections watch a session.
func (r *ConnectionRegistry) SubscriberCount(sessionID uuid.UUID) int {
	r.mu.RLock()
	subs := r.sessions[sessionID]
	r.mu.RUnlock()
	if subs == nil {
		return 0
	}
	subs.mu.Lock()
	defer subs.mu.Unlock()
	return len(subs.members)
}
