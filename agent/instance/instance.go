// Package instance implements the single-instance guard (§4.H): on POSIX,
// an advisory exclusive non-blocking file lock under the configured run
// directory.
package instance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned by Acquire when another instance already
// holds the lock (EAGAIN/EACCES from flock).
var ErrAlreadyRunning = errors.New("instance: another instance is already running")

// Lock is an acquired (or attempted) instance lock. Close releases it and
// removes the lock file only if this instance owned it.
type Lock struct {
	path   string
	file   *os.File
	owned  bool
	logger *zap.Logger
}

// Acquire opens (creating if necessary) lockPath and attempts an advisory
// exclusive non-blocking lock. It returns ErrAlreadyRunning, without
// wrapping, when another process holds the lock.
func Acquire(lockPath string, logger *zap.Logger) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o750); err != nil {
		return nil, fmt.Errorf("instance: create run dir: %w", err)
	}

	// O_CLOEXEC keeps the lock fd from surviving into a child process —
	// agent/restart.Handler.Restart spawns a replacement binary moments
	// before it calls Stop, and that child must acquire its own lock
	// rather than inherit this one.
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|unix.O_CLOEXEC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("instance: open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("instance: flock: %w", err)
	}

	l := &Lock{path: lockPath, file: f, owned: true, logger: logger.With(zap.String("component", "instance"))}
	l.logger.Info("acquired instance lock", zap.String("path", lockPath))
	return l, nil
}

// Close releases the lock and removes the lock file, since this instance
// owns it.
func (l *Lock) Close() error {
	if l == nil || !l.owned {
		return nil
	}
	l.owned = false
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("instance: close lock file: %w", err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("instance: remove lock file: %w", err)
	}
	return nil
}

// GetAgentStatus constructs a handler over lockPath and reports the agent's
// running state without disturbing a genuinely running instance: "running"
// if the lock could not be acquired for the expected reason, "stopped" if
// it was acquired (and then immediately released).
func GetAgentStatus(lockPath string, logger *zap.Logger) (string, error) {
	l, err := Acquire(lockPath, logger)
	if errors.Is(err, ErrAlreadyRunning) {
		return "running", nil
	}
	if err != nil {
		return "", err
	}
	if err := l.Close(); err != nil {
		return "", err
	}
	return "stopped", nil
}
