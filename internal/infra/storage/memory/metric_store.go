package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/runstream/internal/domain/session"
	"github.com/ahrav/runstream/internal/infra/storage"
)

// defaultWindowSize bounds how many samples are retained per session.
// Historical querying beyond the replay window is not a goal; older samples
// are discarded as new ones arrive.
const defaultWindowSize = 256

// MetricStore provides an in-memory implementation of
// session.MetricRepository. Each session's samples form an append-only,
// arrival-ordered window.
type MetricStore struct {
	mu      sync.RWMutex
	samples map[uuid.UUID][]session.MetricSample

	windowSize int
	tracer     trace.Tracer
}

// NewMetricStore creates a new in-memory metric store retaining up to
// windowSize samples per session. A non-positive windowSize selects the
// default.
func NewMetricStore(windowSize int, tracer trace.Tracer) *MetricStore {
	if windowSize <= 0 {
		windowSize = defaultWindowSize
	}
	return &MetricStore{
		samples:    make(map[uuid.UUID][]session.MetricSample),
		windowSize: windowSize,
		tracer:     tracer,
	}
}

// Append persists a sample at the end of its session's stream, evicting the
// oldest sample once the retention window is full.
func (m *MetricStore) Append(ctx context.Context, sample session.MetricSample) error {
	return storage.ExecuteAndTrace(ctx, m.tracer, "memory.metric_store.append", []attribute.KeyValue{
		attribute.String("session_id", sample.SessionID().String()),
		attribute.String("metric_name", sample.Name()),
	}, func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		window := append(m.samples[sample.SessionID()], sample)
		if len(window) > m.windowSize {
			window = window[len(window)-m.windowSize:]
		}
		m.samples[sample.SessionID()] = window
		return nil
	})
}

// Recent returns up to limit of the most recently appended samples for a
// session, oldest first.
func (m *MetricStore) Recent(ctx context.Context, sessionID uuid.UUID, limit int) ([]session.MetricSample, error) {
	var result []session.MetricSample
	err := storage.ExecuteAndTrace(ctx, m.tracer, "memory.metric_store.recent", []attribute.KeyValue{
		attribute.String("session_id", sessionID.String()),
		attribute.Int("limit", limit),
	}, func(ctx context.Context) error {
		m.mu.RLock()
		defer m.mu.RUnlock()

		window := m.samples[sessionID]
		if limit <= 0 || limit > len(window) {
			limit = len(window)
		}
		result = make([]session.MetricSample, limit)
		copy(result, window[len(window)-limit:])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
