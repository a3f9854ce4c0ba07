package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/runstream/pkg/common/timeutil"
)

// defaultOutboundQueueSize bounds each connection's outbound queue. A full
// queue marks the consumer as too slow to keep.
const defaultOutboundQueueSize = 64

// Connection tracks the state of one connected observer: its identity, the
// sessions it watches and a bounded outbound queue drained by the
// connection's write loop. All methods are safe for concurrent use.
type Connection struct {
	id        uuid.UUID
	identity  string
	connected time.Time

	outbound  chan ServerEnvelope
	closeOnce sync.Once
	closed    atomic.Bool

	mu            sync.Mutex
	subscriptions map[uuid.UUID]struct{}
	lastPong      time.Time

	timeProvider timeutil.Provider
}

// NewConnection creates a connection with an empty subscription set. A
// non-positive queueSize selects the default.
func NewConnection(identity string, queueSize int, timeProvider timeutil.Provider) *Connection {
	if queueSize <= 0 {
		queueSize = defaultOutboundQueueSize
	}
	now := timeProvider.Now()
	return &Connection{
		id:            uuid.New(),
		identity:      identity,
		connected:     now,
		outbound:      make(chan ServerEnvelope, queueSize),
		subscriptions: make(map[uuid.UUID]struct{}),
		lastPong:      now,
		timeProvider:  timeProvider,
	}
}

// ID identifies this connection.
func (c *Connection) ID() uuid.UUID { return c.id }

// Identity returns the caller-supplied identity, typically the remote address.
func (c *Connection) Identity() string { return c.identity }

// ConnectedAt returns when the connection was established.
func (c *Connection) ConnectedAt() time.Time { return c.connected }

// Outbound returns the queue the write loop drains. The channel is closed
// when the connection closes.
func (c *Connection) Outbound() <-chan ServerEnvelope { return c.outbound }

// Queue enqueues a message without blocking. It returns false when the
// connection is closed or the queue is full; the caller decides whether
// that evicts the connection.
func (c *Connection) Queue(msg ServerEnvelope) (queued bool) {
	// Close can race the send below; the recover keeps that race from
	// escaping as a panic.
	defer func() {
		if r := recover(); r != nil {
			queued = false
		}
	}()

	if c.closed.Load() {
		return false
	}
	select {
	case c.outbound <- msg:
		return true
	default:
		return false
	}
}

// Close closes the outbound queue exactly once. Safe to call repeatedly.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.outbound)
	})
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool { return c.closed.Load() }

// MarkPong records a heartbeat response.
func (c *Connection) MarkPong() {
	c.mu.Lock()
	c.lastPong = c.timeProvider.Now()
	c.mu.Unlock()
}

// LastPong returns the time of the most recent heartbeat response.
func (c *Connection) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

func (c *Connection) addSubscription(sessionID uuid.UUID) {
	c.mu.Lock()
	c.subscriptions[sessionID] = struct{}{}
	c.mu.Unlock()
}

func (c *Connection) removeSubscription(sessionID uuid.UUID) {
	c.mu.Lock()
	delete(c.subscriptions, sessionID)
	c.mu.Unlock()
}

// subscriptionSnapshot returns a copy of the watched session set.
func (c *Connection) subscriptionSnapshot() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uuid.UUID, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		out = append(out, id)
	}
	return out
}
