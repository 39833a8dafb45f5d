package transport

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// TokenSource reads the current bearer token. Communicator satisfies this
// with an atomic.Pointer[Token] read.
type TokenSource func() string

// CoPerformParams configures one long-running CoPerform loop.
type CoPerformParams struct {
	Base          Params
	RetryInterval time.Duration
	// BodySource is called before each request to build the outbound body
	// (nil for GET-style polling loops like command-fetch).
	BodySource func() ([]byte, bool)
	// OnUnauthorized is invoked on a 401 response; the communicator uses it
	// to trigger re-authentication.
	OnUnauthorized func()
	// OnSuccess is invoked with the response body on every 2xx.
	OnSuccess func(body []byte)
	// LoopCondition is polled between iterations; the loop exits when it
	// returns false.
	LoopCondition func() bool
}

// CoPerform repeatedly issues requests built from params while
// LoopCondition holds. On 401 it calls OnUnauthorized and waits one retry
// interval before the next attempt; on 2xx it invokes OnSuccess; on
// timeout or transport error it backs off by RetryInterval. The underlying
// *http.Transport (and its connection pool) is reused across iterations and
// is never rebuilt; after a transport error the next attempt takes a pooled
// connection or dials a new one.
func (c *Client) CoPerform(ctx context.Context, token TokenSource, params CoPerformParams) {
	for params.LoopCondition == nil || params.LoopCondition() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p := params.Base
		p.BearerToken = token()
		if params.BodySource != nil {
			body, ok := params.BodySource()
			if !ok {
				if !c.sleep(ctx, params.RetryInterval) {
					return
				}
				continue
			}
			p.Body = body
		}

		status, body, err := c.Perform(ctx, p)
		switch {
		case err != nil:
			c.logger.Warn("co_perform transport error, backing off", zap.Error(err))
			if !c.sleep(ctx, params.RetryInterval) {
				return
			}
		case status == 401:
			if params.OnUnauthorized != nil {
				params.OnUnauthorized()
			}
			if !c.sleep(ctx, params.RetryInterval) {
				return
			}
		case status >= 200 && status < 300:
			if params.OnSuccess != nil {
				params.OnSuccess(body)
			}
		default:
			c.logger.Warn("co_perform non-2xx response", zap.Int("status", status))
			if !c.sleep(ctx, params.RetryInterval) {
				return
			}
		}
	}
}

// sleep waits for d or ctx cancellation, returning false if the context was
// cancelled so the caller can exit cleanly at the next suspension point.
func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
