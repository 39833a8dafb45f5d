package control

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/endpointguard/agent/internal/server"
)

// DebugServer optionally exposes the same status/restart/stop surface over
// a websocket, for an operator to attach to remotely. It is wired only when
// config.ControlConfig.DebugListen is set. The listener lifecycle (start,
// graceful shutdown with timeout) is handled by internal/server.Manager,
// the same HTTP-server wrapper the rest of the agent would use for any
// future outward-facing listener.
type DebugServer struct {
	handler Handler
	logger  *zap.Logger
	mgr     *server.Manager
}

// NewDebugServer builds a DebugServer bound to addr (host:port).
func NewDebugServer(addr string, handler Handler, logger *zap.Logger) *DebugServer {
	d := &DebugServer{handler: handler, logger: logger.With(zap.String("component", "control.debug"))}
	mux := http.NewServeMux()
	mux.HandleFunc("/", d.serveWS)

	cfg := server.DefaultConfig()
	cfg.Addr = addr
	cfg.ShutdownTimeout = 5 * time.Second
	d.mgr = server.NewManager(mux, cfg, logger)
	return d
}

// Run starts serving and blocks until ctx is cancelled.
func (d *DebugServer) Run(ctx context.Context) error {
	if err := d.mgr.Start(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return d.mgr.Shutdown(context.Background())
	case err := <-d.mgr.Errors():
		if err != nil {
			return err
		}
		return nil
	}
}

func (d *DebugServer) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		d.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		reply, dispatchErr := (&Channel{handler: d.handler, logger: d.logger}).dispatch(ctx, string(data))
		if dispatchErr != nil {
			reply = "error: " + dispatchErr.Error()
		}
		if err := conn.Write(ctx, websocket.MessageText, []byte(reply)); err != nil {
			return
		}
	}
}
