package control

import (
	"bufio"
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeHandler struct {
	status        string
	statusErr     error
	restartCalled bool
	stopCalled    bool
}

func (f *fakeHandler) Status(ctx context.Context) (string, error) { return f.status, f.statusErr }
func (f *fakeHandler) Restart(ctx context.Context) error          { f.restartCalled = true; return nil }
func (f *fakeHandler) Stop(ctx context.Context) error             { f.stopCalled = true; return nil }

func dial(t *testing.T, path string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	require.Eventually(t, func() bool {
		conn, err = net.Dial("unix", path)
		return err == nil
	}, time.Second, 10*time.Millisecond)
	return conn
}

func sendCommand(t *testing.T, path, cmd string) string {
	t.Helper()
	conn := dial(t, path)
	defer conn.Close()
	_, err := conn.Write([]byte(cmd + "\n"))
	require.NoError(t, err)
	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return reply
}

func TestChannel_StatusCommand(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "agent-socket")
	h := &fakeHandler{status: "running"}
	ch := New(socketPath, h, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	reply := sendCommand(t, socketPath, "status")
	assert.Equal(t, "running\n", reply)
}

func TestChannel_RestartAndStop(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "agent-socket")
	h := &fakeHandler{}
	ch := New(socketPath, h, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	sendCommand(t, socketPath, "restart")
	assert.True(t, h.restartCalled)

	sendCommand(t, socketPath, "stop")
	assert.True(t, h.stopCalled)
}

func TestChannel_UnknownCommand(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "agent-socket")
	h := &fakeHandler{}
	ch := New(socketPath, h, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	reply := sendCommand(t, socketPath, "bogus")
	assert.Contains(t, reply, "error:")
}

func TestChannel_StatusError(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "agent-socket")
	h := &fakeHandler{statusErr: errors.New("boom")}
	ch := New(socketPath, h, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	reply := sendCommand(t, socketPath, "status")
	assert.Contains(t, reply, "error: boom")
}

func TestChannel_SocketRemovedOnShutdown(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "agent-socket")
	h := &fakeHandler{status: "running"}
	ch := New(socketPath, h, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go ch.Run(ctx)

	dial(t, socketPath)
	cancel()

	require.Eventually(t, func() bool {
		_, err := net.Dial("unix", socketPath)
		return err != nil
	}, time.Second, 10*time.Millisecond)
}
