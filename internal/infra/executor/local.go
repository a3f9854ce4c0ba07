package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/runstream/internal/domain/session"
	"github.com/ahrav/runstream/pkg/common/logger"
)

// sessionEnvID and sessionEnvConfig are how the worker process receives its
// assignment: the session id and the config blob, passed verbatim.
const (
	sessionEnvID     = "RUNSTREAM_SESSION_ID"
	sessionEnvConfig = "RUNSTREAM_SESSION_CONFIG"
)

// LocalConfig holds configuration for launching worker processes.
type LocalConfig struct {
	Command     string
	Args        []string
	WorkingDir  string
	Environment map[string]string
}

// Local runs workers as child processes on the same host. Each Start forks
// the configured command with the session config in its environment.
type Local struct {
	config LocalConfig
	logger *logger.Logger
	tracer trace.Tracer
}

// NewLocal creates a process-backed executor.
func NewLocal(config LocalConfig, logger *logger.Logger, tracer trace.Tracer) *Local {
	return &Local{config: config, logger: logger, tracer: tracer}
}

// Start launches a worker process with stdout/stderr pipes.
func (l *Local) Start(ctx context.Context, sessionID uuid.UUID, cfg session.Config) (Handle, error) {
	ctx, span := l.tracer.Start(ctx, "executor.start",
		trace.WithAttributes(
			attribute.String("session_id", sessionID.String()),
			attribute.String("command", l.config.Command),
		))
	defer span.End()

	if l.config.Command == "" {
		err := errors.New("command cannot be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	rawCfg, err := cfg.MarshalBinary()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("encoding session config: %w", err)
	}

	cmd := exec.Command(l.config.Command, l.config.Args...)
	if l.config.WorkingDir != "" {
		cmd.Dir = l.config.WorkingDir
	}

	cmd.Env = os.Environ()
	for k, v := range l.config.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env,
		sessionEnvID+"="+sessionID.String(),
		sessionEnvConfig+"="+string(rawCfg),
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	handleID := uuid.New()
	l.logger.Info(ctx, "worker process started",
		"session_id", sessionID, "handle_id", handleID, "pid", cmd.Process.Pid)
	span.AddEvent("worker_started", trace.WithAttributes(attribute.Int("pid", cmd.Process.Pid)))
	span.SetStatus(codes.Ok, "worker started")

	return &localHandle{id: handleID, cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// localHandle wraps a running child process.
type localHandle struct {
	id     uuid.UUID
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (h *localHandle) ID() uuid.UUID { return h.id }

func (h *localHandle) Stdout() io.Reader { return h.stdout }

func (h *localHandle) Stderr() io.Reader { return h.stderr }

// Wait blocks until the process exits and returns its exit code.
func (h *localHandle) Wait() (int, error) {
	err := h.cmd.Wait()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Terminate sends SIGTERM for a graceful stop. The process may ignore it;
// the caller observes the outcome through Wait.
func (h *localHandle) Terminate() error {
	if h.cmd.Process == nil {
		return nil
	}
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process might already be dead.
		return nil
	}
	return nil
}

// Kill forcibly ends the process with SIGKILL.
func (h *localHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}
