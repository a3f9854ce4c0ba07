// Package registry provides the application service that owns session
// records and enforces the lifecycle state machine. All session mutations
// flow through it so transitions are validated and observers are notified
// exactly once per change.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/runstream/internal/domain/events"
	"github.com/ahrav/runstream/internal/domain/session"
	"github.com/ahrav/runstream/pkg/common/logger"
)

// defaultRecentMetrics bounds how many samples a status view replays.
const defaultRecentMetrics = 50

// MetricPoint is one sample in a status view.
type MetricPoint struct {
	Name       string    `json:"name"`
	Value      float64   `json:"value"`
	Step       int64     `json:"step,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// StatusView is the read model returned by Status. It carries everything an
// observer needs without exposing the aggregate itself.
type StatusView struct {
	SessionID     uuid.UUID      `json:"session_id"`
	Kind          session.Kind   `json:"kind"`
	State         session.Status `json:"state"`
	Progress      float64        `json:"progress"`
	CurrentStep   int64          `json:"current_step"`
	TotalSteps    int64          `json:"total_steps"`
	RecentMetrics []MetricPoint  `json:"recent_metrics"`
	ErrorMessage  string         `json:"error_message,omitempty"`
}

// Service implements the session registry. It is the only writer of session
// state; the dispatcher and ingestion pipeline mutate sessions through it.
type Service struct {
	repo       session.Repository
	metricRepo session.MetricRepository
	publisher  events.DomainEventPublisher

	recentLimit int

	// mu guards locks; each session gets its own mutex serializing the
	// load-mutate-persist cycle so concurrent writers never clobber each
	// other with stale reads.
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex

	logger *logger.Logger
	tracer trace.Tracer
}

// NewService creates a session registry service.
func NewService(
	repo session.Repository,
	metricRepo session.MetricRepository,
	publisher events.DomainEventPublisher,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Service {
	logger = logger.With("component", "session_registry")
	return &Service{
		repo:        repo,
		metricRepo:  metricRepo,
		publisher:   publisher,
		recentLimit: defaultRecentMetrics,
		locks:       make(map[uuid.UUID]*sync.Mutex),
		logger:      logger,
		tracer:      tracer,
	}
}

// lockSession acquires the per-session write lock and returns its release
// func. Once a writer loads a session it holds this lock until the update is
// persisted; a terminal transition can therefore never be overwritten by a
// writer that read the session before the transition landed.
func (s *Service) lockSession(id uuid.UUID) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Create validates the config and persists a new Pending session.
// Validation failures create nothing.
func (s *Service) Create(ctx context.Context, kind session.Kind, cfg session.Config) (*session.Session, error) {
	ctx, span := s.tracer.Start(ctx, "session_registry.create",
		trace.WithAttributes(attribute.String("kind", kind.String())))
	defer span.End()

	if session.ParseKind(kind.String()) == session.KindUnspecified {
		err := session.NewValidationError("kind", fmt.Sprintf("has unknown value %q", kind))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	sess := session.New(kind, cfg)
	if err := s.repo.Create(ctx, sess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist session")
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	if err := s.publisher.PublishDomainEvent(ctx,
		session.NewSessionCreatedEvent(sess.ID(), sess.Kind()),
		events.WithKey(sess.ID().String()),
	); err != nil {
		span.RecordError(err)
		s.logger.Error(ctx, "failed to publish session created event", "session_id", sess.ID(), "error", err)
	}

	s.logger.Info(ctx, "session created", "session_id", sess.ID(), "kind", kind)
	span.AddEvent("session_created", trace.WithAttributes(attribute.String("session_id", sess.ID().String())))
	span.SetStatus(codes.Ok, "session created")
	return sess, nil
}

// TransitionToRunning moves a Pending session to Running and records its job
// handle. Any other starting state returns a ConflictError.
func (s *Service) TransitionToRunning(ctx context.Context, id, jobHandleID uuid.UUID) (*session.Session, error) {
	ctx, span := s.tracer.Start(ctx, "session_registry.transition_to_running",
		trace.WithAttributes(
			attribute.String("session_id", id.String()),
			attribute.String("job_handle_id", jobHandleID.String()),
		))
	defer span.End()

	unlock := s.lockSession(id)
	defer unlock()

	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session not found")
		return nil, err
	}

	if err := sess.TransitionToRunning(jobHandleID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition rejected")
		return nil, err
	}

	if err := s.repo.Update(ctx, sess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist transition")
		return nil, fmt.Errorf("failed to persist transition: %w", err)
	}

	s.publishStatusChanged(ctx, sess)
	s.logger.Info(ctx, "session running", "session_id", id, "job_handle_id", jobHandleID)
	span.SetStatus(codes.Ok, "session running")
	return sess, nil
}

// RecordProgress applies a progress observation to a Running session.
// Regressions are clamped inside the aggregate; terminal sessions ignore
// late observations.
func (s *Service) RecordProgress(ctx context.Context, id uuid.UUID, step, total int64, pct float64) error {
	ctx, span := s.tracer.Start(ctx, "session_registry.record_progress",
		trace.WithAttributes(
			attribute.String("session_id", id.String()),
			attribute.Int64("step", step),
			attribute.Float64("progress_pct", pct),
		))
	defer span.End()

	unlock := s.lockSession(id)
	defer unlock()

	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session not found")
		return err
	}

	if err := sess.ApplyProgress(step, total, pct); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "progress rejected")
		return err
	}

	if err := s.repo.Update(ctx, sess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist progress")
		return fmt.Errorf("failed to persist progress: %w", err)
	}

	span.SetStatus(codes.Ok, "progress recorded")
	return nil
}

// RecordSample appends one metric sample to the session's stream.
func (s *Service) RecordSample(ctx context.Context, sample session.MetricSample) error {
	ctx, span := s.tracer.Start(ctx, "session_registry.record_sample",
		trace.WithAttributes(
			attribute.String("session_id", sample.SessionID().String()),
			attribute.String("metric_name", sample.Name()),
		))
	defer span.End()

	if err := s.metricRepo.Append(ctx, sample); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to append sample")
		return fmt.Errorf("failed to append sample: %w", err)
	}

	span.SetStatus(codes.Ok, "sample recorded")
	return nil
}

// Complete moves a Running session to Completed. Calling it on an
// already-terminal session returns the unchanged record.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, finalMetrics map[string]float64) (*session.Session, error) {
	return s.finish(ctx, "session_registry.complete", id, func(sess *session.Session) error {
		return sess.Complete(finalMetrics)
	})
}

// Fail moves a Running session to Failed and records the error message.
// Calling it on an already-terminal session returns the unchanged record.
func (s *Service) Fail(ctx context.Context, id uuid.UUID, errorMessage string) (*session.Session, error) {
	return s.finish(ctx, "session_registry.fail", id, func(sess *session.Session) error {
		return sess.Fail(errorMessage)
	})
}

// Cancel moves a Pending or Running session to Cancelled. Calling it on an
// already-terminal session returns the unchanged record.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	return s.finish(ctx, "session_registry.cancel", id, func(sess *session.Session) error {
		return sess.Cancel()
	})
}

// finish applies a terminal transition. Transitions that change state are
// persisted and broadcast; terminal no-ops return the record untouched so
// cancellation races never surface as failures.
func (s *Service) finish(ctx context.Context, spanName string, id uuid.UUID, apply func(*session.Session) error) (*session.Session, error) {
	ctx, span := s.tracer.Start(ctx, spanName,
		trace.WithAttributes(attribute.String("session_id", id.String())))
	defer span.End()

	unlock := s.lockSession(id)
	defer unlock()

	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session not found")
		return nil, err
	}

	before := sess.Status()
	if err := apply(sess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition rejected")
		return nil, err
	}

	if sess.Status() == before {
		span.AddEvent("terminal_noop")
		span.SetStatus(codes.Ok, "already terminal")
		return sess, nil
	}

	if err := s.repo.Update(ctx, sess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist transition")
		return nil, fmt.Errorf("failed to persist transition: %w", err)
	}

	s.publishStatusChanged(ctx, sess)
	s.logger.Info(ctx, "session reached terminal state",
		"session_id", id, "status", sess.Status(), "error_message", sess.ErrorMessage())
	span.SetStatus(codes.Ok, "transition applied")
	return sess, nil
}

// Get loads a session by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	return s.repo.Get(ctx, id)
}

// List returns a snapshot of all sessions.
func (s *Service) List(ctx context.Context) ([]*session.Session, error) {
	return s.repo.List(ctx)
}

// Status builds the observer-facing view of one session, including a bounded
// replay of its most recent metric samples.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (StatusView, error) {
	ctx, span := s.tracer.Start(ctx, "session_registry.status",
		trace.WithAttributes(attribute.String("session_id", id.String())))
	defer span.End()

	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session not found")
		return StatusView{}, err
	}

	samples, err := s.metricRepo.Recent(ctx, id, s.recentLimit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load recent samples")
		return StatusView{}, fmt.Errorf("failed to load recent samples: %w", err)
	}

	points := make([]MetricPoint, 0, len(samples))
	for _, sample := range samples {
		points = append(points, MetricPoint{
			Name:       sample.Name(),
			Value:      sample.Value(),
			Step:       sample.Step(),
			RecordedAt: sample.RecordedAt(),
		})
	}

	span.SetStatus(codes.Ok, "status built")
	return StatusView{
		SessionID:     sess.ID(),
		Kind:          sess.Kind(),
		State:         sess.Status(),
		Progress:      sess.Progress(),
		CurrentStep:   sess.CurrentStep(),
		TotalSteps:    sess.TotalSteps(),
		RecentMetrics: points,
		ErrorMessage:  sess.ErrorMessage(),
	}, nil
}

func (s *Service) publishStatusChanged(ctx context.Context, sess *session.Session) {
	evt := session.NewSessionStatusChangedEvent(sess.ID(), sess.Status(), sess.Progress(), sess.ErrorMessage())
	if err := s.publisher.PublishDomainEvent(ctx, evt, events.WithKey(sess.ID().String())); err != nil {
		s.logger.Error(ctx, "failed to publish status changed event",
			"session_id", sess.ID(), "status", sess.Status(), "error", err)
	}
}
