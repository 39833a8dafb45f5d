// Package control implements the local control channel (§4.I): a Unix
// domain socket accepting one newline-terminated command per connection,
// plus an optional websocket debug console for live inspection.
package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Commands is the closed set the channel dispatches.
const (
	CmdStatus  = "status"
	CmdRestart = "restart"
	CmdStop    = "stop"
)

// Handler answers the three control commands. agent/runtime supplies the
// concrete implementation.
type Handler interface {
	Status(ctx context.Context) (string, error)
	Restart(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Channel owns the Unix domain socket listener.
type Channel struct {
	socketPath  string
	handler     Handler
	logger      *zap.Logger
	acceptRetry time.Duration
}

// New builds a Channel listening at socketPath (typically under the
// agent's configured run directory).
func New(socketPath string, handler Handler, logger *zap.Logger) *Channel {
	return &Channel{
		socketPath:  socketPath,
		handler:     handler,
		logger:      logger.With(zap.String("component", "control")),
		acceptRetry: time.Second,
	}
}

// Run listens until ctx is cancelled, retrying listener creation every
// second on failure, and removes the socket file on exit.
func (c *Channel) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		ln, err := c.listen()
		if err != nil {
			c.logger.Warn("failed to create control socket, retrying", zap.Error(err))
			if !sleepCtx(ctx, c.acceptRetry) {
				return nil
			}
			continue
		}

		c.serve(ctx, ln)
		_ = os.Remove(c.socketPath)

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Channel) listen() (net.Listener, error) {
	_ = os.Remove(c.socketPath)
	ln, err := net.Listen("unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("control: listen: %w", err)
	}
	if err := os.Chmod(c.socketPath, 0o660); err != nil {
		ln.Close()
		return nil, fmt.Errorf("control: chmod socket: %w", err)
	}
	return ln, nil
}

// serve accepts connections one at a time until ctx is cancelled or the
// listener errors, at which point it returns to Run for a fresh attempt.
func (c *Channel) serve(ctx context.Context, ln net.Listener) {
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("accept failed, recreating listener", zap.Error(err))
			sleepCtx(ctx, c.acceptRetry)
			return
		}
		c.handleConn(ctx, conn)
	}
}

func (c *Channel) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}
	cmd := strings.TrimSpace(scanner.Text())

	reply, err := c.dispatch(ctx, cmd)
	if err != nil {
		reply = "error: " + err.Error()
	}
	_, _ = conn.Write([]byte(reply + "\n"))
}

func (c *Channel) dispatch(ctx context.Context, cmd string) (string, error) {
	switch cmd {
	case CmdStatus:
		return c.handler.Status(ctx)
	case CmdRestart:
		return "restarting", c.handler.Restart(ctx)
	case CmdStop:
		return "stopping", c.handler.Stop(ctx)
	default:
		return "", errors.New("unknown command: " + cmd)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
