// Package restart implements the supplemented restart command: spawn a
// detached copy of the running binary with the same arguments, then stop
// the current process. Grounded on the original fork+execve pipeline
// (restart.cpp's RestartWithFork / restart_handler_unix.cpp's
// RestartForeground), adapted to Go's os/exec since Go cannot execve over
// its own running goroutines.
package restart

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// StopFunc performs a graceful shutdown of the current process (runtime's
// Stop), mirroring StopAgent's SIGTERM-then-timeout-SIGKILL behavior at the
// runtime-orchestration level instead of signaling a child PID.
type StopFunc func(ctx context.Context) error

// Handler implements the restart command.
type Handler struct {
	stop       StopFunc
	executable func() (string, error)
	args       []string
	logger     *zap.Logger
}

// New builds a Handler. stop is invoked after the replacement process has
// been launched.
func New(stop StopFunc, logger *zap.Logger) *Handler {
	return &Handler{
		stop:       stop,
		executable: os.Executable,
		args:       os.Args[1:],
		logger:     logger.With(zap.String("component", "restart")),
	}
}

// Restart spawns a detached copy of the current binary with the same
// argv/environment, waits briefly to let it start accepting connections,
// then stops the current process. Errors launching the replacement abort
// before any shutdown is attempted.
func (h *Handler) Restart(ctx context.Context) error {
	exe, err := h.executable()
	if err != nil {
		return fmt.Errorf("restart: resolve executable: %w", err)
	}

	cmd := exec.Command(exe, h.args...)
	cmd.Env = os.Environ()
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("restart: spawn replacement: %w", err)
	}
	h.logger.Info("spawned replacement process", zap.Int("pid", cmd.Process.Pid))

	if err := cmd.Process.Release(); err != nil {
		h.logger.Warn("failed to release replacement process handle", zap.Error(err))
	}

	time.Sleep(200 * time.Millisecond)

	return h.stop(ctx)
}
