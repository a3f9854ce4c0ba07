package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/runstream/pkg/common/logger"
	"github.com/ahrav/runstream/pkg/common/timeutil"
)

const (
	// defaultSweepInterval is how often the monitor pings live connections.
	defaultSweepInterval = 30 * time.Second

	// defaultPongTimeout is how stale a connection's last pong may be
	// before it is considered dead.
	defaultPongTimeout = 90 * time.Second
)

// LivenessMonitor periodically pings every live connection and evicts the
// ones that stopped answering. Eviction goes through the registry's
// Disconnect path so subscriptions are fully pruned.
type LivenessMonitor struct {
	registry *ConnectionRegistry

	interval time.Duration
	timeout  time.Duration

	timeProvider timeutil.Provider
	metrics      GatewayMetrics
	logger       *logger.Logger
	tracer       trace.Tracer
}

// NewLivenessMonitor creates a monitor over the registry's connections.
// Non-positive interval or timeout select the defaults.
func NewLivenessMonitor(
	registry *ConnectionRegistry,
	interval, timeout time.Duration,
	timeProvider timeutil.Provider,
	metrics GatewayMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *LivenessMonitor {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if timeout <= 0 {
		timeout = defaultPongTimeout
	}
	logger = logger.With("component", "liveness_monitor")
	return &LivenessMonitor{
		registry:     registry,
		interval:     interval,
		timeout:      timeout,
		timeProvider: timeProvider,
		metrics:      metrics,
		logger:       logger,
		tracer:       tracer,
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (m *LivenessMonitor) Start(ctx context.Context) {
	m.logger.Info(ctx, "liveness monitor started",
		"interval", m.interval, "timeout", m.timeout)

	ticker := time.NewTicker(m.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.logger.Info(ctx, "liveness monitor stopped")
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
}

// sweep pings every connection and evicts the ones whose last pong is older
// than the timeout window.
func (m *LivenessMonitor) sweep(ctx context.Context) {
	ctx, span := m.tracer.Start(ctx, "liveness_monitor.sweep")
	defer span.End()

	now := m.timeProvider.Now()
	connections := m.registry.Connections()
	evicted := 0

	for _, conn := range connections {
		if now.Sub(conn.LastPong()) > m.timeout {
			m.logger.Warn(ctx, "evicting unresponsive connection",
				"connection_id", conn.ID(), "identity", conn.Identity(), "last_pong", conn.LastPong())
			m.metrics.IncHeartbeatEvictions(ctx)
			m.registry.Disconnect(ctx, conn.ID())
			evicted++
			continue
		}

		if !conn.Queue(ServerEnvelope{Type: MessageTypePing}) {
			m.metrics.IncSlowConsumerEvictions(ctx)
			m.registry.Disconnect(ctx, conn.ID())
			evicted++
		}
	}

	span.SetAttributes(
		attribute.Int("connections_swept", len(connections)),
		attribute.Int("connections_evicted", evicted),
	)
}
