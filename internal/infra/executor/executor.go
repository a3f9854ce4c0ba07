// Package executor abstracts the external worker that performs a session's
// actual computation. The subsystem never interprets the work itself; it
// hands over the session config, observes the worker's output stream and
// reacts to its exit status.
package executor

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/ahrav/runstream/internal/domain/session"
)

// Handle is an opaque reference to one in-flight execution. A session has at
// most one live handle at any time; the dispatcher enforces that invariant.
type Handle interface {
	// ID identifies this execution.
	ID() uuid.UUID

	// Stdout returns the worker's output stream. Progress and metric lines
	// are read from here in emission order.
	Stdout() io.Reader

	// Stderr returns the worker's error stream.
	Stderr() io.Reader

	// Wait blocks until the worker exits and returns its exit code.
	// A nil error with a nonzero code is a normal worker failure; a non-nil
	// error means the execution could not be observed to completion.
	Wait() (int, error)

	// Terminate requests a graceful stop. The worker is not assumed to
	// respond synchronously; callers observe the actual exit through Wait.
	Terminate() error

	// Kill forcibly ends the execution.
	Kill() error
}

// Executor starts external work for a session.
type Executor interface {
	// Start launches the worker for the given session, handing it the
	// session's config verbatim. It returns once the worker is running.
	Start(ctx context.Context, sessionID uuid.UUID, cfg session.Config) (Handle, error)
}
