// Package memory provides in-memory implementations of the session
// repositories for single-process deployments and tests. Durable storage
// engines live behind the same ports.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/runstream/internal/domain/session"
	"github.com/ahrav/runstream/internal/infra/storage"
	"github.com/ahrav/runstream/pkg/common/timeutil"
)

// SessionStore provides an in-memory implementation of session.Repository.
// Sessions are deep-copied on both write and read so callers can never
// mutate stored state through a shared pointer.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*session.Session

	timeProvider timeutil.Provider
	tracer       trace.Tracer
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore(timeProvider timeutil.Provider, tracer trace.Tracer) *SessionStore {
	return &SessionStore{
		sessions:     make(map[uuid.UUID]*session.Session),
		timeProvider: timeProvider,
		tracer:       tracer,
	}
}

// Create persists a new session.
func (s *SessionStore) Create(ctx context.Context, sess *session.Session) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "memory.session_store.create", []attribute.KeyValue{
		attribute.String("session_id", sess.ID().String()),
		attribute.String("kind", sess.Kind().String()),
	}, func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if _, exists := s.sessions[sess.ID()]; exists {
			return fmt.Errorf("session %s already exists", sess.ID())
		}
		s.sessions[sess.ID()] = s.clone(sess)
		return nil
	})
}

// Get loads a session by id.
func (s *SessionStore) Get(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	var result *session.Session
	err := storage.ExecuteAndTrace(ctx, s.tracer, "memory.session_store.get", []attribute.KeyValue{
		attribute.String("session_id", id.String()),
	}, func(ctx context.Context) error {
		s.mu.RLock()
		defer s.mu.RUnlock()

		stored, exists := s.sessions[id]
		if !exists {
			return session.NewSessionNotFoundError(id)
		}
		result = s.clone(stored)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Update persists the current state of an existing session. A snapshot that
// was loaded before a terminal transition landed cannot replace the terminal
// record; terminal states are sinks all the way down to storage.
func (s *SessionStore) Update(ctx context.Context, sess *session.Session) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "memory.session_store.update", []attribute.KeyValue{
		attribute.String("session_id", sess.ID().String()),
		attribute.String("status", sess.Status().String()),
	}, func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		stored, exists := s.sessions[sess.ID()]
		if !exists {
			return session.NewSessionNotFoundError(sess.ID())
		}
		if stored.Status().IsTerminal() && sess.Status() != stored.Status() {
			return session.NewConflictError(sess.ID(), stored.Status(), sess.Status())
		}
		s.sessions[sess.ID()] = s.clone(sess)
		return nil
	})
}

// List returns a snapshot of all sessions.
func (s *SessionStore) List(ctx context.Context) ([]*session.Session, error) {
	var result []*session.Session
	err := storage.ExecuteAndTrace(ctx, s.tracer, "memory.session_store.list", nil,
		func(ctx context.Context) error {
			s.mu.RLock()
			defer s.mu.RUnlock()

			result = make([]*session.Session, 0, len(s.sessions))
			for _, stored := range s.sessions {
				result = append(result, s.clone(stored))
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// clone rebuilds a session through the reconstruction path so the returned
// aggregate shares no mutable state with the input.
func (s *SessionStore) clone(sess *session.Session) *session.Session {
	handleID, _ := sess.JobHandleID()

	var finalMetrics map[string]float64
	if fm := sess.FinalMetrics(); fm != nil {
		finalMetrics = make(map[string]float64, len(fm))
		for k, v := range fm {
			finalMetrics[k] = v
		}
	}

	tl := sess.Timeline()
	return session.Reconstruct(
		sess.ID(),
		sess.Kind(),
		sess.Status(),
		sess.Config(),
		sess.Progress(),
		sess.CurrentStep(),
		sess.TotalSteps(),
		handleID,
		finalMetrics,
		sess.ErrorMessage(),
		session.ReconstructTimeline(tl.CreatedAt(), tl.StartedAt(), tl.CompletedAt(), tl.LastUpdate(), s.timeProvider),
	)
}
