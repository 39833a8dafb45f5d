package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedisTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg.Backend = "redis"
	cfg.RedisCfg = RedisConfig{Addr: mr.Addr(), KeyPrefix: "test:queue"}

	q, err := New(nil, cfg, zap.NewNop())
	require.NoError(t, err)
	return q
}

func TestRedisBackend_PushAndGetNext_FIFO(t *testing.T) {
	q := newRedisTestQueue(t, unboundedConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		n, err := q.Push(ctx, Stateful, []Message{{ModuleName: "mod-a", Payload: []byte("m")}}, false)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	items, err := q.StoredItems(ctx, Stateful)
	require.NoError(t, err)
	assert.Equal(t, 3, items)

	msg, ok, err := q.GetNext(ctx, Stateful, "mod-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "m", string(msg.Payload))
}

func TestRedisBackend_PopNAndSize(t *testing.T) {
	q := newRedisTestQueue(t, unboundedConfig())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := q.Push(ctx, Command, []Message{{ModuleName: "m", Payload: []byte("cmd")}}, false)
		require.NoError(t, err)
	}

	require.NoError(t, q.PopN(ctx, Command, 3, ""))
	items, err := q.StoredItems(ctx, Command)
	require.NoError(t, err)
	assert.Equal(t, 1, items)

	sizes, err := q.SizePerType(ctx)
	require.NoError(t, err)
	assert.Greater(t, sizes[Command], int64(0))
}

func TestRedisBackend_BudgetEnforced(t *testing.T) {
	cfg := unboundedConfig()
	cfg.Stateless = Budget{MaxCount: 1}
	q := newRedisTestQueue(t, cfg)
	ctx := context.Background()

	n, err := q.Push(ctx, Stateless, []Message{{ModuleName: "m", Payload: []byte("one")}}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = q.Push(ctx, Stateless, []Message{{ModuleName: "m", Payload: []byte("two")}}, false)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRedisBackend_ModuleFilteredPop(t *testing.T) {
	q := newRedisTestQueue(t, unboundedConfig())
	ctx := context.Background()

	_, err := q.Push(ctx, Stateful, []Message{{ModuleName: "a", Payload: []byte("a1")}}, false)
	require.NoError(t, err)
	_, err = q.Push(ctx, Stateful, []Message{{ModuleName: "b", Payload: []byte("b1")}}, false)
	require.NoError(t, err)

	require.NoError(t, q.PopN(ctx, Stateful, 1, "a"))

	msg, ok, err := q.GetNext(ctx, Stateful, "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b1", string(msg.Payload))

	_, ok, err = q.GetNext(ctx, Stateful, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisBackend_GetNextBytesAwaitable_WaitsThenReturns(t *testing.T) {
	q := newRedisTestQueue(t, unboundedConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(150 * time.Millisecond)
		_, _ = q.Push(context.Background(), Stateless, []Message{{ModuleName: "m", Payload: []byte("late")}}, false)
	}()

	msgs, err := q.GetNextBytesAwaitable(ctx, Stateless, 1000, "")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "late", string(msgs[0].Payload))
}
