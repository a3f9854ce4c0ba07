package memory

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/runstream/internal/domain/session"
	"github.com/ahrav/runstream/internal/infra/storage"
	"github.com/ahrav/runstream/pkg/common/timeutil"
)

func newTestSessionStore() *SessionStore {
	return NewSessionStore(timeutil.Default(), storage.NoOpTracer())
}

func TestSessionStore_CreateAndGet(t *testing.T) {
	store := newTestSessionStore()
	ctx := context.Background()

	sess := session.New(session.KindTraining, session.Config{Epochs: 10})
	require.NoError(t, store.Create(ctx, sess))

	loaded, err := store.Get(ctx, sess.ID())
	require.NoError(t, err)
	assert.Equal(t, sess.ID(), loaded.ID())
	assert.Equal(t, session.StatusPending, loaded.Status())
	assert.Equal(t, sess.Config(), loaded.Config())
}

func TestSessionStore_CreateDuplicateFails(t *testing.T) {
	store := newTestSessionStore()
	ctx := context.Background()

	sess := session.New(session.KindTraining, session.Config{Epochs: 1})
	require.NoError(t, store.Create(ctx, sess))
	assert.Error(t, store.Create(ctx, sess))
}

func TestSessionStore_GetUnknownReturnsNotFound(t *testing.T) {
	store := newTestSessionStore()

	_, err := store.Get(context.Background(), uuid.New())
	var notFound *session.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestSessionStore_UpdatePersistsTransitions(t *testing.T) {
	store := newTestSessionStore()
	ctx := context.Background()

	sess := session.New(session.KindBacktest, session.Config{Epochs: 5})
	require.NoError(t, store.Create(ctx, sess))

	require.NoError(t, sess.TransitionToRunning(uuid.New()))
	require.NoError(t, store.Update(ctx, sess))

	loaded, err := store.Get(ctx, sess.ID())
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, loaded.Status())

	_, hasHandle := loaded.JobHandleID()
	assert.True(t, hasHandle)
}

func TestSessionStore_UpdateUnknownReturnsNotFound(t *testing.T) {
	store := newTestSessionStore()

	sess := session.New(session.KindTraining, session.Config{Epochs: 1})
	err := store.Update(context.Background(), sess)
	var notFound *session.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestSessionStore_LoadedSessionIsIsolatedCopy(t *testing.T) {
	store := newTestSessionStore()
	ctx := context.Background()

	sess := session.New(session.KindTraining, session.Config{Epochs: 10})
	require.NoError(t, store.Create(ctx, sess))

	loaded, err := store.Get(ctx, sess.ID())
	require.NoError(t, err)

	// Mutating the loaded copy must not leak into the stored record.
	require.NoError(t, loaded.Cancel())

	stored, err := store.Get(ctx, sess.ID())
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, stored.Status())
}

func TestSessionStore_List(t *testing.T) {
	store := newTestSessionStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Create(ctx, session.New(session.KindTraining, session.Config{Epochs: 1})))
	}

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSessionStore_UpdateRefusesStaleWriteOverTerminal(t *testing.T) {
	store := newTestSessionStore()
	ctx := context.Background()

	sess := session.New(session.KindTraining, session.Config{Epochs: 3})
	require.NoError(t, store.Create(ctx, sess))
	require.NoError(t, sess.TransitionToRunning(uuid.New()))
	require.NoError(t, store.Update(ctx, sess))

	// A writer loads the session while it is still Running.
	stale, err := store.Get(ctx, sess.ID())
	require.NoError(t, err)
	require.NoError(t, stale.ApplyProgress(1, 3, 33.3))

	// The session fails before that writer persists.
	require.NoError(t, sess.Fail("worker crashed"))
	require.NoError(t, store.Update(ctx, sess))

	err = store.Update(ctx, stale)
	var conflict *session.ConflictError
	require.ErrorAs(t, err, &conflict)

	loaded, err := store.Get(ctx, sess.ID())
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, loaded.Status())
	assert.Equal(t, "worker crashed", loaded.ErrorMessage())
}
