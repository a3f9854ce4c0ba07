package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/runstream/internal/domain/session"
	"github.com/ahrav/runstream/pkg/common/logger"
)

// mutableTime is a hand-rolled clock for deterministic liveness tests.
type mutableTime struct {
	mu  sync.Mutex
	now time.Time
}

func newMutableTime() *mutableTime {
	return &mutableTime{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (m *mutableTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mutableTime) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func newTestRegistry(queueSize int) *ConnectionRegistry {
	return NewConnectionRegistry(
		queueSize,
		newMutableTime(),
		NewNoopMetrics(),
		logger.Noop(),
		noop.NewTracerProvider().Tracer("test"),
	)
}

// drain collects every envelope currently sitting in the outbound queue.
func drain(conn *Connection) []ServerEnvelope {
	var out []ServerEnvelope
	for {
		select {
		case msg, ok := <-conn.Outbound():
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestRegistry_BroadcastReachesEverySubscriber(t *testing.T) {
	registry := newTestRegistry(0)
	ctx := context.Background()
	sessionID := uuid.New()

	first := registry.Connect(ctx, "client-1")
	second := registry.Connect(ctx, "client-2")
	bystander := registry.Connect(ctx, "client-3")

	require.NoError(t, registry.Subscribe(ctx, first.ID(), sessionID))
	require.NoError(t, registry.Subscribe(ctx, second.ID(), sessionID))

	registry.Broadcast(ctx, sessionID, ServerEnvelope{Type: MessageTypeSessionMetricsUpdate})

	assert.Len(t, drain(first), 1)
	assert.Len(t, drain(second), 1)
	assert.Empty(t, drain(bystander), "non-subscribers must not receive session updates")
}

func TestRegistry_UnsubscribeStopsDelivery(t *testing.T) {
	registry := newTestRegistry(0)
	ctx := context.Background()
	sessionID := uuid.New()

	conn := registry.Connect(ctx, "client")
	require.NoError(t, registry.Subscribe(ctx, conn.ID(), sessionID))

	registry.Broadcast(ctx, sessionID, ServerEnvelope{Type: MessageTypeSessionMetricsUpdate})
	require.Len(t, drain(conn), 1)

	require.NoError(t, registry.Unsubscribe(ctx, conn.ID(), sessionID))
	registry.Broadcast(ctx, sessionID, ServerEnvelope{Type: MessageTypeSessionMetricsUpdate})
	assert.Empty(t, drain(conn))
}

func TestRegistry_SubscribeToUnknownSessionIsLegal(t *testing.T) {
	registry := newTestRegistry(0)
	ctx := context.Background()

	conn := registry.Connect(ctx, "client")
	require.NoError(t, registry.Subscribe(ctx, conn.ID(), uuid.New()))
}

func TestRegistry_SubscribeUnknownConnection(t *testing.T) {
	registry := newTestRegistry(0)

	err := registry.Subscribe(context.Background(), uuid.New(), uuid.New())

	var notFoundErr *session.NotFoundError
	require.ErrorAs(t, err, &notFoundErr)
}

func TestRegistry_DisconnectPrunesEverySubscription(t *testing.T) {
	registry := newTestRegistry(0)
	ctx := context.Background()
	sessionA, sessionB := uuid.New(), uuid.New()

	conn := registry.Connect(ctx, "client")
	require.NoError(t, registry.Subscribe(ctx, conn.ID(), sessionA))
	require.NoError(t, registry.Subscribe(ctx, conn.ID(), sessionB))
	require.Equal(t, 1, registry.SubscriberCount(sessionA))
	require.Equal(t, 1, registry.SubscriberCount(sessionB))

	registry.Disconnect(ctx, conn.ID())

	assert.Zero(t, registry.SubscriberCount(sessionA))
	assert.Zero(t, registry.SubscriberCount(sessionB))
	assert.True(t, conn.IsClosed())

	_, err := registry.Get(conn.ID())
	var notFoundErr *session.NotFoundError
	assert.ErrorAs(t, err, &notFoundErr)

	// A second disconnect for the same id must be harmless.
	registry.Disconnect(ctx, conn.ID())
}

func TestRegistry_SlowConsumerEvictionDoesNotAffectOthers(t *testing.T) {
	registry := newTestRegistry(1)
	ctx := context.Background()
	sessionID := uuid.New()

	slow := registry.Connect(ctx, "slow")
	healthy := registry.Connect(ctx, "healthy")
	require.NoError(t, registry.Subscribe(ctx, slow.ID(), sessionID))
	require.NoError(t, registry.Subscribe(ctx, healthy.ID(), sessionID))

	// First broadcast fills the slow consumer's single-slot queue; the
	// healthy consumer drains between broadcasts.
	registry.Broadcast(ctx, sessionID, ServerEnvelope{Type: MessageTypeSessionMetricsUpdate})
	require.Len(t, drain(healthy), 1)

	registry.Broadcast(ctx, sessionID, ServerEnvelope{Type: MessageTypeSessionMetricsUpdate})
	assert.Len(t, drain(healthy), 1, "healthy subscriber keeps receiving")

	assert.True(t, slow.IsClosed(), "slow consumer must be evicted")
	_, err := registry.Get(slow.ID())
	assert.Error(t, err)
	assert.Equal(t, 1, registry.SubscriberCount(sessionID))
}

func TestRegistry_BroadcastToSessionWithoutSubscribers(t *testing.T) {
	registry := newTestRegistry(0)
	registry.Broadcast(context.Background(), uuid.New(), ServerEnvelope{Type: MessageTypePing})
}

func TestConnection_QueueAfterCloseReturnsFalse(t *testing.T) {
	conn := NewConnection("client", 4, newMutableTime())
	require.True(t, conn.Queue(ServerEnvelope{Type: MessageTypePing}))

	conn.Close()
	conn.Close() // idempotent

	assert.False(t, conn.Queue(ServerEnvelope{Type: MessageTypePing}))
}

func TestConnection_QueueOverflowReturnsFalse(t *testing.T) {
	conn := NewConnection("client", 2, newMutableTime())
	require.True(t, conn.Queue(ServerEnvelope{Type: MessageTypePing}))
	require.True(t, conn.Queue(ServerEnvelope{Type: MessageTypePing}))

	assert.False(t, conn.Queue(ServerEnvelope{Type: MessageTypePing}))
}

func TestConnection_MarkPongAdvancesLastPong(t *testing.T) {
	clock := newMutableTime()
	conn := NewConnection("client", 0, clock)
	initial := conn.LastPong()

	clock.Advance(time.Minute)
	conn.MarkPong()

	assert.Equal(t, initial.Add(time.Minute), conn.LastPong())
}

func TestRegistry_SubscribeRacingDisconnectLeavesNoStaleSubscribers(t *testing.T) {
	registry := newTestRegistry(4)
	sessionID := uuid.New()

	for i := 0; i < 500; i++ {
		conn := registry.Connect(context.Background(), "racer")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = registry.Subscribe(context.Background(), conn.ID(), sessionID)
		}()
		go func() {
			defer wg.Done()
			registry.Disconnect(context.Background(), conn.ID())
		}()
		wg.Wait()

		// Whichever side won, the dead connection must not linger in the
		// session's subscriber set.
		require.Zero(t, registry.SubscriberCount(sessionID), "iteration %d", i)
		registry.Disconnect(context.Background(), conn.ID())
	}
}

func TestRegistry_EmptySubscriberSetsArePruned(t *testing.T) {
	registry := newTestRegistry(4)
	sessionID := uuid.New()

	hasSessionEntry := func() bool {
		registry.mu.RLock()
		defer registry.mu.RUnlock()
		_, ok := registry.sessions[sessionID]
		return ok
	}

	conn := registry.Connect(context.Background(), "cli")
	require.NoError(t, registry.Subscribe(context.Background(), conn.ID(), sessionID))
	require.True(t, hasSessionEntry())

	require.NoError(t, registry.Unsubscribe(context.Background(), conn.ID(), sessionID))
	assert.False(t, hasSessionEntry(), "empty subscriber set must be dropped on unsubscribe")

	require.NoError(t, registry.Subscribe(context.Background(), conn.ID(), sessionID))
	registry.Disconnect(context.Background(), conn.ID())
	assert.False(t, hasSessionEntry(), "empty subscriber set must be dropped on disconnect")
}
