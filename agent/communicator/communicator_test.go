package communicator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/endpointguard/agent/agent/queue"
	"github.com/endpointguard/agent/agent/transport"
	"github.com/endpointguard/agent/internal/store"
	"github.com/endpointguard/agent/internal/tlsutil"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	st, err := store.Open(store.Config{Driver: store.DriverSQLite, Path: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	q, err := queue.New(st, queue.Config{
		Stateful:    queue.Budget{MaxCount: 1000, MaxBytes: 10 << 20},
		Stateless:   queue.Budget{MaxCount: 1000, MaxBytes: 10 << 20},
		Command:     queue.Budget{MaxCount: 1000, MaxBytes: 10 << 20},
		WaitTimeout: time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	return q
}

func baseParamsFor(t *testing.T, srv *httptest.Server) transport.Params {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, _ := strconv.Atoi(u.Port())
	return transport.Params{Host: u.Hostname(), Port: port, VerificationMode: tlsutil.ModeFull}
}

func TestCommandFetch_PushesIntoQueue(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/commands", r.URL.Path)
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"commands": []map[string]any{{"id": "c1", "command": "restart", "parameters": map[string]any{}}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"commands": []any{}})
	}))
	defer srv.Close()

	q := newTestQueue(t)
	client := transport.New(0, zap.NewNop())
	comm := New(client, q, baseParamsFor(t, srv), Credentials{User: "u", Password: "p"}, Config{
		RetryInterval: 10 * time.Millisecond,
		BatchInterval: time.Second,
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	comm.auth.cell.Store(&Token{Bearer: "tok", Expiry: time.Now().Add(time.Hour)})
	go comm.runCommandFetch(ctx)

	require.Eventually(t, func() bool {
		n, err := q.StoredItems(context.Background(), queue.Command)
		return err == nil && n == 1
	}, time.Second, 10*time.Millisecond)
}

func TestStatefulPush_PopsOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events/stateful", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := newTestQueue(t)
	ctx := context.Background()
	n, err := q.Push(ctx, queue.Stateful, []queue.Message{{ModuleName: "m1", Payload: []byte(`{"a":1}`)}}, false)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	client := transport.New(0, zap.NewNop())
	comm := New(client, q, baseParamsFor(t, srv), Credentials{User: "u", Password: "p"}, Config{
		RetryInterval: 10 * time.Millisecond,
		BatchInterval: 10 * time.Millisecond,
	}, zap.NewNop())
	comm.auth.cell.Store(&Token{Bearer: "tok", Expiry: time.Now().Add(time.Hour)})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go comm.runPush(runCtx, queue.Stateful, "/events/stateful")

	require.Eventually(t, func() bool {
		empty, err := q.IsEmpty(ctx, queue.Stateful)
		return err == nil && empty
	}, time.Second, 10*time.Millisecond)
}

func TestStatelessPush_DoesNotPopOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	q := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Push(ctx, queue.Stateless, []queue.Message{{ModuleName: "m1", Payload: []byte(`{"a":1}`)}}, false)
	require.NoError(t, err)

	client := transport.New(0, zap.NewNop())
	comm := New(client, q, baseParamsFor(t, srv), Credentials{User: "u", Password: "p"}, Config{
		RetryInterval: 10 * time.Millisecond,
		BatchInterval: 10 * time.Millisecond,
	}, zap.NewNop())
	comm.auth.cell.Store(&Token{Bearer: "tok", Expiry: time.Now().Add(time.Hour)})

	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	comm.runPush(runCtx, queue.Stateless, "/events/stateless")

	n, err := q.StoredItems(ctx, queue.Stateless)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTokenLifecycle_Reauthenticates(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"token": "T" + strconv.Itoa(int(n))}})
	}))
	defer srv.Close()

	q := newTestQueue(t)
	client := transport.New(0, zap.NewNop())
	comm := New(client, q, baseParamsFor(t, srv), Credentials{User: "u", Password: "p"}, Config{
		RetryInterval:   10 * time.Millisecond,
		BatchInterval:   time.Second,
		DefaultTokenTTL: 20 * time.Millisecond,
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := comm.auth.authenticate(ctx)
	require.NoError(t, err)
	go comm.auth.waitForTokenExpirationAndAuthenticate(ctx)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 2
	}, 500*time.Millisecond, 10*time.Millisecond)
}
