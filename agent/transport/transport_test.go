package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/endpointguard/agent/internal/tlsutil"
)

func paramsFor(t *testing.T, srv *httptest.Server) Params {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return Params{
		Host:             u.Hostname(),
		Port:             port,
		TLS:              false,
		VerificationMode: tlsutil.ModeFull,
		UserAgent:        "test-agent/1.0",
		RequestTimeout:   2 * time.Second,
	}
}

func TestAuthenticateWithUserPassword_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/security/user/authenticate", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "alice", user)
		assert.Equal(t, "secret", pass)
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"token": "T1"}})
	}))
	defer srv.Close()

	c := New(0, zap.NewNop())
	token, ok := c.AuthenticateWithUserPassword(context.Background(), paramsFor(t, srv), "alice", "secret")
	require.True(t, ok)
	assert.Equal(t, "T1", token)
}

func TestAuthenticateWithUserPassword_NonJSONIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := New(0, zap.NewNop())
	_, ok := c.AuthenticateWithUserPassword(context.Background(), paramsFor(t, srv), "a", "b")
	assert.False(t, ok)
}

func TestAuthenticateWithUserPassword_NonTwoXXIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(0, zap.NewNop())
	_, ok := c.AuthenticateWithUserPassword(context.Background(), paramsFor(t, srv), "a", "b")
	assert.False(t, ok)
}

func TestPerform_SetsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "test-agent/1.0", r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(0, zap.NewNop())
	p := paramsFor(t, srv)
	p.Method = http.MethodGet
	p.Endpoint = "/commands"
	p.BearerToken = "tok"

	status, _, err := c.Perform(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
}

func TestCoPerform_TriggersOnUnauthorizedThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"commands": []any{}})
	}))
	defer srv.Close()

	c := New(0, zap.NewNop())
	p := paramsFor(t, srv)
	p.Method = http.MethodGet
	p.Endpoint = "/commands"

	var unauthCount int
	var successCount int
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c.CoPerform(ctx, func() string { return "tok" }, CoPerformParams{
		Base:          p,
		RetryInterval: 10 * time.Millisecond,
		OnUnauthorized: func() {
			unauthCount++
		},
		OnSuccess: func(body []byte) {
			successCount++
			cancel()
		},
		LoopCondition: func() bool { return true },
	})

	assert.Equal(t, 1, unauthCount)
	assert.Equal(t, 1, successCount)
}
