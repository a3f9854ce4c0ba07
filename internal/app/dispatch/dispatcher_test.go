package dispatch

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/runstream/internal/domain/session"
	"github.com/ahrav/runstream/internal/infra/executor"
	"github.com/ahrav/runstream/pkg/common/logger"
)

type fakeHandle struct {
	id     uuid.UUID
	stdout io.Reader
	stderr io.Reader

	exitCode int
	waitErr  error

	// exit gates Wait; nil means Wait returns immediately.
	exit     chan struct{}
	exitOnce sync.Once

	// terminateExits makes Terminate release Wait, modeling a worker that
	// honors the advisory stop.
	terminateExits bool

	mu         sync.Mutex
	terminated bool
	killed     bool
}

func newFakeHandle(stdout, stderr string) *fakeHandle {
	return &fakeHandle{
		id:     uuid.New(),
		stdout: strings.NewReader(stdout),
		stderr: strings.NewReader(stderr),
	}
}

func (h *fakeHandle) ID() uuid.UUID     { return h.id }
func (h *fakeHandle) Stdout() io.Reader { return h.stdout }
func (h *fakeHandle) Stderr() io.Reader { return h.stderr }

func (h *fakeHandle) Wait() (int, error) {
	if h.exit != nil {
		<-h.exit
	}
	return h.exitCode, h.waitErr
}

func (h *fakeHandle) Terminate() error {
	h.mu.Lock()
	h.terminated = true
	h.mu.Unlock()
	if h.terminateExits {
		h.releaseWait()
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.releaseWait()
	return nil
}

func (h *fakeHandle) releaseWait() {
	if h.exit != nil {
		h.exitOnce.Do(func() { close(h.exit) })
	}
}

func (h *fakeHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

func (h *fakeHandle) wasTerminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

type fakeExecutor struct {
	handle   *fakeHandle
	startErr error

	mu      sync.Mutex
	started int
}

func (e *fakeExecutor) Start(ctx context.Context, sessionID uuid.UUID, cfg session.Config) (executor.Handle, error) {
	e.mu.Lock()
	e.started++
	e.mu.Unlock()
	if e.startErr != nil {
		return nil, e.startErr
	}
	return e.handle, nil
}

// stubRegistry applies transitions to real aggregates so the dispatcher is
// tested against the actual state machine semantics.
type stubRegistry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*session.Session
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{sessions: make(map[uuid.UUID]*session.Session)}
}

func (r *stubRegistry) add(sess *session.Session) { r.sessions[sess.ID()] = sess }

func (r *stubRegistry) Get(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, session.NewSessionNotFoundError(id)
	}
	return sess, nil
}

func (r *stubRegistry) TransitionToRunning(ctx context.Context, id, jobHandleID uuid.UUID) (*session.Session, error) {
	return r.apply(id, func(sess *session.Session) error {
		return sess.TransitionToRunning(jobHandleID)
	})
}

func (r *stubRegistry) Complete(ctx context.Context, id uuid.UUID, finalMetrics map[string]float64) (*session.Session, error) {
	return r.apply(id, func(sess *session.Session) error { return sess.Complete(finalMetrics) })
}

func (r *stubRegistry) Fail(ctx context.Context, id uuid.UUID, errorMessage string) (*session.Session, error) {
	return r.apply(id, func(sess *session.Session) error { return sess.Fail(errorMessage) })
}

func (r *stubRegistry) Cancel(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	return r.apply(id, func(sess *session.Session) error { return sess.Cancel() })
}

func (r *stubRegistry) apply(id uuid.UUID, fn func(*session.Session) error) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, session.NewSessionNotFoundError(id)
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (r *stubRegistry) status(id uuid.UUID) session.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id].Status()
}

func (r *stubRegistry) errorMessage(id uuid.UUID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id].ErrorMessage()
}

func (r *stubRegistry) finalMetrics(id uuid.UUID) map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id].FinalMetrics()
}

// stubPipeline drains the stream and returns a canned snapshot.
type stubPipeline struct {
	snapshot map[string]float64
	runErr   error
}

func (p *stubPipeline) Run(ctx context.Context, sessionID uuid.UUID, output io.Reader, totalSteps int64) (map[string]float64, error) {
	_, _ = io.Copy(io.Discard, output)
	return p.snapshot, p.runErr
}

func newTestDispatcher(registry *stubRegistry, exec *fakeExecutor, pipeline MetricPipeline, grace time.Duration) *Dispatcher {
	return NewDispatcher(
		registry,
		exec,
		pipeline,
		grace,
		logger.Noop(),
		noop.NewTracerProvider().Tracer("test"),
	)
}

func pendingSession(t *testing.T, registry *stubRegistry) *session.Session {
	t.Helper()
	sess := session.New(session.KindTraining, session.Config{Epochs: 10})
	registry.add(sess)
	return sess
}

func TestDispatcher_StartRunsToCompletion(t *testing.T) {
	registry := newStubRegistry()
	sess := pendingSession(t, registry)

	handle := newFakeHandle(`{"epoch":10,"loss":0.1}`+"\n", "")
	handle.exit = make(chan struct{})
	exec := &fakeExecutor{handle: handle}
	pipeline := &stubPipeline{snapshot: map[string]float64{"loss": 0.1}}
	dispatcher := newTestDispatcher(registry, exec, pipeline, 0)

	running, err := dispatcher.Start(context.Background(), sess.ID())
	require.NoError(t, err)

	// The worker has not exited yet, so the record is safe to inspect.
	assert.Equal(t, session.StatusRunning, running.Status())
	handleID, ok := running.JobHandleID()
	require.True(t, ok)
	assert.Equal(t, handle.ID(), handleID)

	handle.releaseWait()
	require.Eventually(t, func() bool {
		return registry.status(sess.ID()) == session.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, map[string]float64{"loss": 0.1}, registry.finalMetrics(sess.ID()))
}

func TestDispatcher_StartRejectsNonPending(t *testing.T) {
	registry := newStubRegistry()
	sess := pendingSession(t, registry)
	require.NoError(t, sess.TransitionToRunning(uuid.New()))

	exec := &fakeExecutor{handle: newFakeHandle("", "")}
	dispatcher := newTestDispatcher(registry, exec, &stubPipeline{}, 0)

	_, err := dispatcher.Start(context.Background(), sess.ID())

	var conflictErr *session.ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, session.StatusRunning, conflictErr.Current())
	assert.Zero(t, exec.started, "executor must not be reached for a non-Pending session")
}

func TestDispatcher_StartUnknownSession(t *testing.T) {
	dispatcher := newTestDispatcher(newStubRegistry(), &fakeExecutor{}, &stubPipeline{}, 0)

	_, err := dispatcher.Start(context.Background(), uuid.New())

	var notFoundErr *session.NotFoundError
	require.ErrorAs(t, err, &notFoundErr)
}

func TestDispatcher_NonzeroExitFailsWithStderrTail(t *testing.T) {
	registry := newStubRegistry()
	sess := pendingSession(t, registry)

	handle := newFakeHandle("", "CUDA out of memory\n")
	handle.exitCode = 3
	exec := &fakeExecutor{handle: handle}
	dispatcher := newTestDispatcher(registry, exec, &stubPipeline{}, 0)

	_, err := dispatcher.Start(context.Background(), sess.ID())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return registry.status(sess.ID()) == session.StatusFailed
	}, time.Second, 5*time.Millisecond)

	msg := registry.errorMessage(sess.ID())
	assert.Contains(t, msg, "exited with code 3")
	assert.Contains(t, msg, "CUDA out of memory")
}

func TestDispatcher_CancelPendingSession(t *testing.T) {
	registry := newStubRegistry()
	sess := pendingSession(t, registry)
	exec := &fakeExecutor{handle: newFakeHandle("", "")}
	dispatcher := newTestDispatcher(registry, exec, &stubPipeline{}, 0)

	cancelled, err := dispatcher.Cancel(context.Background(), sess.ID())
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, cancelled.Status())
	assert.Zero(t, exec.started)
}

func TestDispatcher_CancelRunningJobConfirmsWithinGrace(t *testing.T) {
	registry := newStubRegistry()
	sess := pendingSession(t, registry)

	handle := newFakeHandle("", "")
	handle.exit = make(chan struct{})
	handle.terminateExits = true
	handle.exitCode = 143
	exec := &fakeExecutor{handle: handle}
	dispatcher := newTestDispatcher(registry, exec, &stubPipeline{}, time.Second)

	_, err := dispatcher.Start(context.Background(), sess.ID())
	require.NoError(t, err)

	_, err = dispatcher.Cancel(context.Background(), sess.ID())
	require.NoError(t, err)
	assert.True(t, handle.wasTerminated())

	require.Eventually(t, func() bool {
		return registry.status(sess.ID()) == session.StatusCancelled
	}, time.Second, 5*time.Millisecond)

	assert.False(t, handle.wasKilled(), "a worker that exits within the grace period is not killed")
}

func TestDispatcher_CancelEscalatesToKillAfterGrace(t *testing.T) {
	registry := newStubRegistry()
	sess := pendingSession(t, registry)

	// Terminate is ignored; only Kill releases Wait.
	handle := newFakeHandle("", "")
	handle.exit = make(chan struct{})
	handle.exitCode = 137
	exec := &fakeExecutor{handle: handle}
	dispatcher := newTestDispatcher(registry, exec, &stubPipeline{}, 20*time.Millisecond)

	_, err := dispatcher.Start(context.Background(), sess.ID())
	require.NoError(t, err)

	_, err = dispatcher.Cancel(context.Background(), sess.ID())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return registry.status(sess.ID()) == session.StatusFailed
	}, time.Second, 5*time.Millisecond)

	assert.True(t, handle.wasKilled())
	assert.Contains(t, registry.errorMessage(sess.ID()), "forced termination")
}

func TestDispatcher_CancelTerminalSessionIsNoop(t *testing.T) {
	registry := newStubRegistry()
	sess := pendingSession(t, registry)
	require.NoError(t, sess.TransitionToRunning(uuid.New()))
	require.NoError(t, sess.Complete(nil))

	dispatcher := newTestDispatcher(registry, &fakeExecutor{}, &stubPipeline{}, 0)

	current, err := dispatcher.Cancel(context.Background(), sess.ID())
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, current.Status())
}

func TestDispatcher_SecondStartWhileRunningIsRejected(t *testing.T) {
	registry := newStubRegistry()
	sess := pendingSession(t, registry)

	handle := newFakeHandle("", "")
	handle.exit = make(chan struct{})
	exec := &fakeExecutor{handle: handle}
	dispatcher := newTestDispatcher(registry, exec, &stubPipeline{}, 0)

	_, err := dispatcher.Start(context.Background(), sess.ID())
	require.NoError(t, err)

	_, err = dispatcher.Start(context.Background(), sess.ID())
	var conflictErr *session.ConflictError
	require.ErrorAs(t, err, &conflictErr)

	handle.releaseWait()
}

// eofNotifyingReader releases the handle's Wait once the stream is fully
// consumed, modeling a worker blocked on a full pipe until someone drains it.
type eofNotifyingReader struct {
	r     io.Reader
	onEOF func()
	once  sync.Once
}

func (n *eofNotifyingReader) Read(p []byte) (int, error) {
	m, err := n.r.Read(p)
	if err == io.EOF {
		n.once.Do(n.onEOF)
	}
	return m, err
}

// abortingPipeline fails without consuming the stream.
type abortingPipeline struct{}

func (abortingPipeline) Run(ctx context.Context, sessionID uuid.UUID, output io.Reader, totalSteps int64) (map[string]float64, error) {
	return nil, errors.New("persisting sample: disk full")
}

func TestDispatcher_PipelineAbortStillDrainsStdout(t *testing.T) {
	registry := newStubRegistry()
	sess := pendingSession(t, registry)

	handle := newFakeHandle(strings.Repeat("x", 1<<16), "")
	handle.exit = make(chan struct{})
	handle.stdout = &eofNotifyingReader{r: handle.stdout, onEOF: handle.releaseWait}
	exec := &fakeExecutor{handle: handle}
	dispatcher := newTestDispatcher(registry, exec, abortingPipeline{}, 0)

	_, err := dispatcher.Start(context.Background(), sess.ID())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return registry.status(sess.ID()) == session.StatusCompleted
	}, time.Second, 5*time.Millisecond, "an undrained worker must still be observed to exit")
}
