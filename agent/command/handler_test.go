package command

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/endpointguard/agent/agent/queue"
	"github.com/endpointguard/agent/internal/store"
)

func newHandlerFixture(t *testing.T, dispatch Dispatcher) (*Handler, *Store, *queue.Queue) {
	t.Helper()
	st, err := store.Open(store.Config{Driver: store.DriverSQLite, Path: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cs, err := NewStore(st, zap.NewNop())
	require.NoError(t, err)

	q, err := queue.New(st, queue.Config{WaitTimeout: time.Second}, zap.NewNop())
	require.NoError(t, err)

	h := NewHandler(cs, q, dispatch, zap.NewNop())
	h.idlePoll = 10 * time.Millisecond
	return h, cs, q
}

func pushCommand(t *testing.T, q *queue.Queue, id, command string, params any) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	payload, err := json.Marshal(incoming{ID: id, Command: command, Parameters: raw})
	require.NoError(t, err)
	_, err = q.Push(context.Background(), queue.Command, []queue.Message{{Payload: payload}}, false)
	require.NoError(t, err)
}

func TestHandler_InvalidCommand_StoredAsFailure(t *testing.T) {
	h, cs, q := newHandlerFixture(t, func(ctx context.Context, module, command string, params json.RawMessage) (Status, string) {
		t.Fatal("dispatch must not be called for an invalid command")
		return StatusFailure, ""
	})
	ctx := context.Background()

	pushCommand(t, q, "1", "set-group", map[string]any{"groups": "not-an-array"})

	handled, err := h.processOne(ctx)
	require.NoError(t, err)
	assert.True(t, handled)

	got, err := cs.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, got.Status)
	assert.Equal(t, "Command is not valid", got.ResultMessage)

	empty, err := q.IsEmpty(ctx, queue.Command)
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestHandler_ValidSyncCommand_Dispatched(t *testing.T) {
	h, cs, q := newHandlerFixture(t, func(ctx context.Context, module, command string, params json.RawMessage) (Status, string) {
		return StatusSuccess, "ok"
	})
	ctx := context.Background()

	pushCommand(t, q, "2", "update-group", map[string]any{})

	handled, err := h.processOne(ctx)
	require.NoError(t, err)
	assert.True(t, handled)

	got, err := cs.Get(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, "ok", got.ResultMessage)
}

func TestHandler_AsyncCommand_EventuallyTerminal(t *testing.T) {
	done := make(chan struct{})
	h, cs, q := newHandlerFixture(t, func(ctx context.Context, module, command string, params json.RawMessage) (Status, string) {
		defer close(done)
		return StatusSuccess, "async-ok"
	})
	ctx := context.Background()

	pushCommand(t, q, "3", "restart", map[string]any{})

	handled, err := h.processOne(ctx)
	require.NoError(t, err)
	assert.True(t, handled)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async dispatch never ran")
	}

	require.Eventually(t, func() bool {
		got, err := cs.Get(ctx, "3")
		return err == nil && got.Status == StatusSuccess
	}, time.Second, 10*time.Millisecond)
}

func TestHandler_NoMessage_ReturnsNotHandled(t *testing.T) {
	h, _, _ := newHandlerFixture(t, nil)
	handled, err := h.processOne(context.Background())
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestHandler_CrashRecovery(t *testing.T) {
	h, cs, _ := newHandlerFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, cs.Store(ctx, &Entry{ID: "stuck", Status: StatusInProgress}))

	require.NoError(t, h.recoverInProgress(ctx))

	got, err := cs.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, got.Status)
	assert.Equal(t, "Agent stopped during execution", got.ResultMessage)
}
