package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/endpointguard/agent/config"
)

func testConfig(t *testing.T, serverURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Agent.ServerURL = serverURL
	cfg.Agent.Path.Data = dir
	cfg.Agent.Path.Run = dir
	cfg.Agent.Name = "host1"
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(dir, "agent.db")
	cfg.Control.SocketName = "agent-socket"
	return cfg
}

func TestNew_WiresAllComponents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	r, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, r)
	require.NoError(t, r.shutdown(context.Background()))
}

func TestRuntime_RunAndStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	r, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return r.cancel != nil
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, r.Stop(context.Background()))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestRuntime_SecondInstanceRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	r1, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	defer r1.shutdown(context.Background())

	_, err = New(cfg, zap.NewNop())
	assert.Error(t, err)
}
