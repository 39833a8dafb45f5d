package restart

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRestart_SpawnsReplacementThenStops(t *testing.T) {
	truePath, err := exec.LookPath("true")
	if err != nil {
		t.Skip("no true binary on this system")
	}

	var stopCalled bool
	h := New(func(ctx context.Context) error {
		stopCalled = true
		return nil
	}, zap.NewNop())
	h.executable = func() (string, error) { return truePath, nil }
	h.args = nil

	err = h.Restart(context.Background())
	require.NoError(t, err)
	assert.True(t, stopCalled)
}

func TestRestart_StopErrorPropagates(t *testing.T) {
	h := New(func(ctx context.Context) error {
		return assert.AnError
	}, zap.NewNop())
	h.executable = func() (string, error) { return "/bin/true", nil }

	err := h.Restart(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestRestart_SpawnFailureAbortsBeforeStop(t *testing.T) {
	var stopCalled bool
	h := New(func(ctx context.Context) error {
		stopCalled = true
		return nil
	}, zap.NewNop())
	h.executable = func() (string, error) { return "/nonexistent/binary", nil }

	err := h.Restart(context.Background())
	assert.Error(t, err)
	assert.False(t, stopCalled)
}
