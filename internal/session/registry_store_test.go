package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuswell/counselchat/internal/session"
	"github.com/campuswell/counselchat/internal/testutil"
)

func TestRegistryCreateWritesThrough(t *testing.T) {
	store := &testutil.MockStore{}
	r := session.NewRegistry(store, zerolog.Nop())

	sess, err := r.Create(context.Background(), "student-1", session.CategoryAcademic)
	require.NoError(t, err)

	assert.True(t, store.CreateSessionCalled)
	require.Len(t, store.CreatedSessions, 1)
	assert.Equal(t, sess.ID, store.CreatedSessions[0].ID)
}

func TestRegistryCreateStoreFailure(t *testing.T) {
	store := &testutil.MockStore{CreateSessionError: errors.New("connection reset")}
	r := session.NewRegistry(store, zerolog.Nop())

	_, err := r.Create(context.Background(), "student-1", session.CategoryAcademic)
	require.Error(t, err)

	// A session the store rejected must not linger in memory.
	assert.Equal(t, 0, r.Count())
}

func TestRegistryClaimDelegatesToStore(t *testing.T) {
	store := &testutil.MockStore{}
	r := session.NewRegistry(store, zerolog.Nop())

	claimed, err := r.Claim(context.Background(), "sess-1", "counselor-1")
	require.NoError(t, err)

	assert.True(t, store.ClaimSessionCalled)
	assert.Equal(t, "sess-1", store.ClaimedSessionID)
	assert.Equal(t, "counselor-1", store.ClaimedCounselorID)
	assert.Equal(t, session.StatusActive, claimed.Status)

	// The claimed session is cached for subsequent reads.
	got, err := r.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "counselor-1", got.CounselorID)
}

func TestRegistryClaimStoreLosesRace(t *testing.T) {
	store := &testutil.MockStore{ClaimSessionError: session.ErrAlreadyAssigned}
	r := session.NewRegistry(store, zerolog.Nop())

	_, err := r.Claim(context.Background(), "sess-1", "counselor-1")
	assert.ErrorIs(t, err, session.ErrAlreadyAssigned)
}

func TestRegistryRehydrate(t *testing.T) {
	open := []*session.ChatSession{
		testutil.CreateTestSession("student-1", "sess-1"),
		testutil.CreateTestSession("student-2", "sess-2"),
	}
	store := &testutil.MockStore{OpenSessions: open}
	r := session.NewRegistry(store, zerolog.Nop())

	require.NoError(t, r.Rehydrate(context.Background()))
	assert.Equal(t, 2, r.Count())

	got, err := r.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "student-1", got.StudentID)
}

func TestRegistryRehydrateFailure(t *testing.T) {
	store := &testutil.MockStore{LoadOpenSessionsError: errors.New("server selection timeout")}
	r := session.NewRegistry(store, zerolog.Nop())

	assert.Error(t, r.Rehydrate(context.Background()))
	assert.Equal(t, 0, r.Count())
}

func TestRegistryGetFallsBackToStore(t *testing.T) {
	closedAt := time.Now().Add(-time.Hour)
	closed := testutil.CreateTestSession("student-1", "sess-old")
	closed.Status = session.StatusClosed
	closed.ClosedAt = &closedAt

	// A restarted instance rehydrates open sessions only; closed history must
	// still be reachable through the store.
	store := &testutil.MockStore{
		Sessions: map[string]*session.ChatSession{closed.ID: closed},
	}
	r := session.NewRegistry(store, zerolog.Nop())
	require.NoError(t, r.Rehydrate(context.Background()))
	require.Equal(t, 0, r.Count())

	got, err := r.Get(context.Background(), closed.ID)
	require.NoError(t, err)
	assert.True(t, store.GetSessionCalled)
	assert.Equal(t, session.StatusClosed, got.Status)
	assert.Equal(t, "student-1", got.StudentID)

	// The faulted-in record is cached; the next read stays in memory.
	store.Reset()
	again, err := r.Get(context.Background(), closed.ID)
	require.NoError(t, err)
	assert.False(t, store.GetSessionCalled)
	assert.Equal(t, session.StatusClosed, again.Status)
}

func TestRegistryGetStoreMiss(t *testing.T) {
	store := &testutil.MockStore{}
	r := session.NewRegistry(store, zerolog.Nop())

	_, err := r.Get(context.Background(), "unknown")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	assert.True(t, store.GetSessionCalled)
}

func TestRegistryCloseStoreFailureKeepsMemoryOpen(t *testing.T) {
	store := &testutil.MockStore{CloseSessionError: errors.New("connection reset")}
	r := session.NewRegistry(store, zerolog.Nop())
	created, err := r.Create(context.Background(), "student-1", session.CategoryPersonal)
	require.NoError(t, err)

	_, err = r.Close(context.Background(), created.ID)
	require.Error(t, err)

	// The store rejected the close, so memory must still show the session
	// open; otherwise this instance refuses writes the store still accepts.
	got, err := r.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusUnassigned, got.Status)
	assert.Nil(t, got.ClosedAt)
}

func TestRegistryCloseStoreConflictPassesThrough(t *testing.T) {
	store := &testutil.MockStore{CloseSessionError: session.ErrSessionClosed}
	r := session.NewRegistry(store, zerolog.Nop())
	created, err := r.Create(context.Background(), "student-1", session.CategoryPersonal)
	require.NoError(t, err)

	_, err = r.Close(context.Background(), created.ID)
	assert.ErrorIs(t, err, session.ErrSessionClosed)
}

func TestRegistryCloseUnknownLocallyUsesStore(t *testing.T) {
	// The session lives on another instance; the store arbitrates the close
	// and the result is read back from it.
	remote := testutil.CreateTestSession("student-1", "sess-remote")
	remote.Status = session.StatusClosed
	store := &testutil.MockStore{
		Sessions: map[string]*session.ChatSession{remote.ID: remote},
	}
	r := session.NewRegistry(store, zerolog.Nop())

	closed, err := r.Close(context.Background(), remote.ID)
	require.NoError(t, err)
	assert.True(t, store.CloseSessionCalled)
	assert.Equal(t, session.StatusClosed, closed.Status)
}

func TestRegistryCloseWritesThrough(t *testing.T) {
	store := &testutil.MockStore{}
	r := session.NewRegistry(store, zerolog.Nop())
	created, err := r.Create(context.Background(), "student-1", session.CategoryPersonal)
	require.NoError(t, err)

	before := time.Now()
	closed, err := r.Close(context.Background(), created.ID)
	require.NoError(t, err)

	assert.True(t, store.CloseSessionCalled)
	assert.Equal(t, created.ID, store.ClosedSessionID)
	require.NotNil(t, closed.ClosedAt)
	assert.False(t, closed.ClosedAt.Before(before))
}
