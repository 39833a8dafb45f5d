package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/endpointguard/agent/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := store.Open(store.Config{Driver: store.DriverSQLite, Path: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cs, err := NewStore(st, zap.NewNop())
	require.NoError(t, err)
	return cs
}

func TestStore_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &Entry{ID: "cmd-1", Module: "mod", Command: "restart", Status: StatusUnknown}
	require.NoError(t, s.Store(ctx, e))

	got, err := s.Get(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.Module, got.Module)
	assert.Equal(t, e.Command, got.Command)
	assert.Equal(t, e.Status, got.Status)
}

func TestStore_IdempotentOnID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &Entry{ID: "dup-1", Command: "restart"}
	require.NoError(t, s.Store(ctx, e))

	err := s.Store(ctx, &Entry{ID: "dup-1", Command: "restart"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestStore_Update(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, &Entry{ID: "u-1", Status: StatusUnknown}))
	require.NoError(t, s.Update(ctx, "u-1", StatusSuccess, "done"))

	got, err := s.Get(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, "done", got.ResultMessage)
}

func TestStore_GetByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, &Entry{ID: "a", Status: StatusInProgress}))
	require.NoError(t, s.Store(ctx, &Entry{ID: "b", Status: StatusInProgress}))
	require.NoError(t, s.Store(ctx, &Entry{ID: "c", Status: StatusSuccess}))

	rows, err := s.GetByStatus(ctx, StatusInProgress)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRecoverInProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, &Entry{ID: "stuck-1", Status: StatusInProgress}))

	ids, err := s.RecoverInProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"stuck-1"}, ids)

	got, err := s.Get(ctx, "stuck-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, got.Status)
	assert.Equal(t, "Agent stopped during execution", got.ResultMessage)
}

func TestDeleteAndClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, &Entry{ID: "x"}))
	require.NoError(t, s.Delete(ctx, "x"))
	_, err := s.Get(ctx, "x")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Store(ctx, &Entry{ID: "y"}))
	require.NoError(t, s.Store(ctx, &Entry{ID: "z"}))
	require.NoError(t, s.Clear(ctx))
	rows, err := s.GetByStatus(ctx, StatusUnknown)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
