// Package dispatch submits sessions to the external executor and owns the
// job lifecycle from start through exit. It is the single authoritative
// cancellation path: every termination request flows through the dispatcher,
// and session state only reaches a terminal value once the executor's actual
// exit is observed (or the grace period forces the issue).
package dispatch

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/runstream/internal/domain/session"
	"github.com/ahrav/runstream/internal/infra/executor"
	"github.com/ahrav/runstream/pkg/common/logger"
)

// defaultCancelGrace is how long a cancelled job may take to exit before the
// dispatcher escalates to a forced kill.
const defaultCancelGrace = 10 * time.Second

// stderrTailSize bounds how much trailing error output is captured for the
// failure message.
const stderrTailSize = 2048

// SessionRegistry is the slice of the registry the dispatcher drives.
type SessionRegistry interface {
	Get(ctx context.Context, id uuid.UUID) (*session.Session, error)
	TransitionToRunning(ctx context.Context, id, jobHandleID uuid.UUID) (*session.Session, error)
	Complete(ctx context.Context, id uuid.UUID, finalMetrics map[string]float64) (*session.Session, error)
	Fail(ctx context.Context, id uuid.UUID, errorMessage string) (*session.Session, error)
	Cancel(ctx context.Context, id uuid.UUID) (*session.Session, error)
}

// MetricPipeline consumes a worker's output stream and returns the final
// last-value-per-metric snapshot.
type MetricPipeline interface {
	Run(ctx context.Context, sessionID uuid.UUID, output io.Reader, totalSteps int64) (map[string]float64, error)
}

// runningJob tracks one in-flight execution.
type runningJob struct {
	handle          executor.Handle
	cancelRequested atomic.Bool
	done            chan struct{}
}

// Dispatcher starts and cancels jobs. It guarantees at most one outstanding
// handle per session and never retries a failed job; a retry is a new
// session created by the caller.
type Dispatcher struct {
	registry SessionRegistry
	executor executor.Executor
	pipeline MetricPipeline

	cancelGrace time.Duration

	mu      sync.Mutex
	running map[uuid.UUID]*runningJob

	logger *logger.Logger
	tracer trace.Tracer
}

// NewDispatcher creates a job dispatcher. A non-positive cancelGrace selects
// the default.
func NewDispatcher(
	registry SessionRegistry,
	exec executor.Executor,
	pipeline MetricPipeline,
	cancelGrace time.Duration,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Dispatcher {
	if cancelGrace <= 0 {
		cancelGrace = defaultCancelGrace
	}
	logger = logger.With("component", "dispatcher")
	return &Dispatcher{
		registry:    registry,
		executor:    exec,
		pipeline:    pipeline,
		cancelGrace: cancelGrace,
		running:     make(map[uuid.UUID]*runningJob),
		logger:      logger,
		tracer:      tracer,
	}
}

// Start submits a Pending session to the executor and transitions it to
// Running. The returned session carries the new job handle id. Monitoring
// of the execution continues on a background goroutine after Start returns.
func (d *Dispatcher) Start(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.start",
		trace.WithAttributes(attribute.String("session_id", id.String())))
	defer span.End()

	sess, err := d.registry.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session not found")
		return nil, err
	}
	if sess.Status() != session.StatusPending {
		err := session.NewConflictError(id, sess.Status(), session.StatusRunning)
		span.RecordError(err)
		span.SetStatus(codes.Error, "double start rejected")
		return nil, err
	}

	// Reserve the session before forking so two concurrent starts cannot
	// both reach the executor.
	job := &runningJob{done: make(chan struct{})}
	d.mu.Lock()
	if _, exists := d.running[id]; exists {
		d.mu.Unlock()
		err := session.NewConflictError(id, session.StatusRunning, session.StatusRunning)
		span.RecordError(err)
		span.SetStatus(codes.Error, "handle already outstanding")
		return nil, err
	}
	d.running[id] = job
	d.mu.Unlock()

	handle, err := d.executor.Start(ctx, id, sess.Config())
	if err != nil {
		d.release(id)
		span.RecordError(err)
		span.SetStatus(codes.Error, "executor start failed")
		return nil, err
	}
	job.handle = handle

	running, err := d.registry.TransitionToRunning(ctx, id, handle.ID())
	if err != nil {
		_ = handle.Kill()
		d.release(id)
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition rejected")
		return nil, err
	}

	watchCtx := context.WithoutCancel(ctx)
	go d.watch(watchCtx, id, job, sess.Config())

	d.logger.Info(ctx, "job dispatched", "session_id", id, "job_handle_id", handle.ID())
	span.AddEvent("job_dispatched", trace.WithAttributes(attribute.String("job_handle_id", handle.ID().String())))
	span.SetStatus(codes.Ok, "job dispatched")
	return running, nil
}

// Cancel requests termination of a session's work and returns immediately
// with the current record. Pending sessions cancel directly since no job
// ever started. Running sessions get an advisory stop; the session reaches
// Cancelled only once the executor confirms, or Failed if the grace period
// expires and the job is force-killed. Terminal sessions are a no-op.
func (d *Dispatcher) Cancel(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.cancel",
		trace.WithAttributes(attribute.String("session_id", id.String())))
	defer span.End()

	d.mu.Lock()
	job, inFlight := d.running[id]
	d.mu.Unlock()

	if !inFlight {
		// Nothing executing: Pending cancels directly, terminal states
		// no-op inside the registry.
		sess, err := d.registry.Cancel(ctx, id)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "cancel rejected")
			return nil, err
		}
		span.SetStatus(codes.Ok, "cancelled without execution")
		return sess, nil
	}

	if job.cancelRequested.CompareAndSwap(false, true) {
		if err := job.handle.Terminate(); err != nil {
			d.logger.Warn(ctx, "terminate request failed", "session_id", id, "error", err)
		}
		span.AddEvent("termination_requested")
		go d.enforceGrace(ctx, id, job)
	}

	sess, err := d.registry.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session not found")
		return nil, err
	}
	span.SetStatus(codes.Ok, "termination requested")
	return sess, nil
}

// enforceGrace force-kills the job if the executor has not confirmed exit
// within the grace period and marks the session Failed with a forced
// termination error.
func (d *Dispatcher) enforceGrace(ctx context.Context, id uuid.UUID, job *runningJob) {
	timer := time.NewTimer(d.cancelGrace)
	defer timer.Stop()

	select {
	case <-job.done:
		// Executor confirmed within the grace period.
	case <-timer.C:
		d.logger.Warn(ctx, "cancel grace period expired, killing job",
			"session_id", id, "grace", d.cancelGrace)

		// Failed is recorded before the kill so the watcher's cancel path
		// lands on an already-terminal session.
		timeoutErr := session.NewTimeoutError(id, d.cancelGrace.String())
		if _, err := d.registry.Fail(ctx, id, timeoutErr.Error()); err != nil {
			d.logger.Error(ctx, "failed to record forced termination", "session_id", id, "error", err)
		}
		_ = job.handle.Kill()
	}
}

// watch observes one execution to completion: drains stdout through the
// ingestion pipeline, captures the stderr tail, waits for exit and records
// the terminal state. The registry's terminal no-op semantics make the
// unavoidable races (natural exit vs cancel vs forced kill) converge.
func (d *Dispatcher) watch(ctx context.Context, id uuid.UUID, job *runningJob, cfg session.Config) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.watch",
		trace.WithAttributes(attribute.String("session_id", id.String())))
	defer span.End()

	defer func() {
		close(job.done)
		d.release(id)
	}()

	var stderrTail string
	var stderrWG sync.WaitGroup
	stderrWG.Add(1)
	go func() {
		defer stderrWG.Done()
		stderrTail = readTail(job.handle.Stderr(), stderrTailSize)
	}()

	totalSteps := cfg.TotalSteps
	if totalSteps == 0 {
		totalSteps = int64(cfg.Epochs)
	}

	snapshot, pipelineErr := d.pipeline.Run(ctx, id, job.handle.Stdout(), totalSteps)
	if pipelineErr != nil {
		d.logger.Error(ctx, "ingestion pipeline aborted", "session_id", id, "error", pipelineErr)
		span.RecordError(pipelineErr)
		// The worker may still be writing; keep the pipe moving so it can
		// reach exit instead of blocking on a full buffer.
		_, _ = io.Copy(io.Discard, job.handle.Stdout())
	}

	exitCode, waitErr := job.handle.Wait()
	stderrWG.Wait()

	switch {
	case waitErr != nil:
		span.RecordError(waitErr)
		span.SetStatus(codes.Error, "wait failed")
		if _, err := d.registry.Fail(ctx, id, "job could not be observed to completion: "+waitErr.Error()); err != nil {
			d.logger.Error(ctx, "failed to record job failure", "session_id", id, "error", err)
		}

	case job.cancelRequested.Load():
		span.AddEvent("exit_after_cancel", trace.WithAttributes(attribute.Int("exit_code", exitCode)))
		span.SetStatus(codes.Ok, "cancelled")
		if _, err := d.registry.Cancel(ctx, id); err != nil {
			d.logger.Error(ctx, "failed to record cancellation", "session_id", id, "error", err)
		}

	case exitCode == 0:
		span.SetStatus(codes.Ok, "completed")
		if _, err := d.registry.Complete(ctx, id, snapshot); err != nil {
			d.logger.Error(ctx, "failed to record completion", "session_id", id, "error", err)
		}

	default:
		execErr := session.NewExecutionError(id, exitCode, stderrTail)
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "job failed")
		if _, err := d.registry.Fail(ctx, id, execErr.Error()); err != nil {
			d.logger.Error(ctx, "failed to record job failure", "session_id", id, "error", err)
		}
	}

	d.logger.Info(ctx, "job finished", "session_id", id, "exit_code", exitCode,
		"cancelled", job.cancelRequested.Load())
}

func (d *Dispatcher) release(id uuid.UUID) {
	d.mu.Lock()
	delete(d.running, id)
	d.mu.Unlock()
}

// readTail drains r and keeps only the trailing max bytes.
func readTail(r io.Reader, max int) string {
	buf := make([]byte, 0, max)
	chunk := make([]byte, 512)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if len(buf) > max {
				buf = buf[len(buf)-max:]
			}
		}
		if err != nil {
			break
		}
	}
	return string(buf)
}
