// Package communicator owns the auth token lifecycle and the three
// long-running upstream goroutines: command fetch, stateful push, and
// stateless push.
package communicator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/endpointguard/agent/agent/queue"
	"github.com/endpointguard/agent/agent/transport"
	"github.com/endpointguard/agent/config"
	"github.com/endpointguard/agent/internal/metrics"
	"github.com/endpointguard/agent/internal/tlsutil"
)

var errAuthFailed = errors.New("communicator: authentication rejected")

// Credentials selects how the communicator authenticates: uuid/key takes
// priority over user/password when both are set.
type Credentials struct {
	User     string
	Password string
	UUID     string
	Key      string
}

// Config configures one Communicator instance.
type Config struct {
	ServerURL        string
	VerificationMode tlsutil.VerificationMode
	RetryInterval    time.Duration
	BatchInterval    time.Duration
	BatchSizeBytes   int
	UserAgent        string
	RequestTimeout   time.Duration
	DefaultTokenTTL  time.Duration
}

// Communicator drives the three upstream goroutines over a shared token.
type Communicator struct {
	client *transport.Client
	q      *queue.Queue
	auth   *authenticator
	cfg    Config
	base   transport.Params
	logger *zap.Logger
}

// New builds a Communicator. host/port are parsed from cfg.ServerURL by the
// caller (agent/runtime), which is why base is passed in pre-resolved.
func New(client *transport.Client, q *queue.Queue, base transport.Params, creds Credentials, cfg Config, logger *zap.Logger) *Communicator {
	if cfg.DefaultTokenTTL <= 0 {
		cfg.DefaultTokenTTL = 15 * time.Minute
	}
	base.TLS = cfg.VerificationMode != ""
	base.VerificationMode = cfg.VerificationMode
	base.UserAgent = cfg.UserAgent
	base.RequestTimeout = cfg.RequestTimeout

	return &Communicator{
		client: client,
		q:      q,
		cfg:    cfg,
		base:   base,
		logger: logger.With(zap.String("component", "communicator")),
		auth: &authenticator{
			client:        client,
			baseParams:    base,
			user:          creds.User,
			password:      creds.Password,
			uuid:          creds.UUID,
			key:           creds.Key,
			defaultTTL:    cfg.DefaultTokenTTL,
			retryInterval: cfg.RetryInterval,
			logger:        logger.With(zap.String("component", "communicator.auth")),
		},
	}
}

// WithMetrics attaches a Collector that the token-refresh lifecycle records
// outcomes against. Nil disables recording.
func (c *Communicator) WithMetrics(collector *metrics.Collector) *Communicator {
	c.auth.metrics = collector
	return c
}

// Run blocks until all four supervised goroutines have returned, which
// normally happens once ctx is cancelled. Each goroutine logs its own
// failures and returns nil, so one that stops early does not cancel the
// others, and Run returns nil. The token-lifecycle goroutine runs alongside
// the three data-plane goroutines.
func (c *Communicator) Run(ctx context.Context) error {
	if _, err := c.auth.authenticate(ctx); err != nil {
		c.logger.Warn("initial authentication failed, continuing to retry in background", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.auth.waitForTokenExpirationAndAuthenticate(gctx)
		return nil
	})
	g.Go(func() error {
		c.runCommandFetch(gctx)
		return nil
	})
	g.Go(func() error {
		c.runPush(gctx, queue.Stateful, "/events/stateful")
		return nil
	})
	g.Go(func() error {
		c.runPush(gctx, queue.Stateless, "/events/stateless")
		return nil
	})
	return g.Wait()
}

func (c *Communicator) clampedBatchInterval() time.Duration {
	return config.ClampBatchInterval(c.cfg.BatchInterval)
}

func (c *Communicator) clampedBatchSizeBytes() int {
	return config.ClampBatchSize(c.cfg.BatchSizeBytes)
}

type commandEnvelope struct {
	Commands []incomingCommand `json:"commands"`
}

type incomingCommand struct {
	ID         string          `json:"id"`
	Command    string          `json:"command"`
	Parameters json.RawMessage `json:"parameters"`
}

// runCommandFetch long-polls GET /commands and pushes every element of the
// response's commands[] array as a COMMAND message into the queue.
func (c *Communicator) runCommandFetch(ctx context.Context) {
	p := c.base
	p.Method = "GET"
	p.Endpoint = "/commands"

	c.client.CoPerform(ctx, c.auth.current, transport.CoPerformParams{
		Base:          p,
		RetryInterval: c.cfg.RetryInterval,
		OnUnauthorized: func() {
			c.auth.triggerReauth(ctx)
		},
		OnSuccess: func(body []byte) {
			c.handleCommandBatch(ctx, body)
		},
		LoopCondition: func() bool { return ctx.Err() == nil },
	})
}

func (c *Communicator) handleCommandBatch(ctx context.Context, body []byte) {
	var env commandEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.logger.Warn("malformed commands response", zap.Error(err))
		return
	}
	if len(env.Commands) == 0 {
		return
	}

	msgs := make([]queue.Message, 0, len(env.Commands))
	for _, cmd := range env.Commands {
		payload, err := json.Marshal(cmd)
		if err != nil {
			c.logger.Warn("failed to re-marshal inbound command", zap.Error(err))
			continue
		}
		msgs = append(msgs, queue.Message{ModuleType: "manager", Payload: payload})
	}
	if err := c.q.PushAwaitable(ctx, queue.Command, msgs); err != nil {
		c.logger.Warn("failed to enqueue inbound commands", zap.Error(err))
	}
}

// runPush drives one of the stateful/stateless push loops: pull a
// byte-bounded FIFO prefix, POST it wrapped as {"events":[...]}, and only
// pop on a 2xx. It sleeps the clamped batch interval between iterations.
func (c *Communicator) runPush(ctx context.Context, t queue.MessageType, endpoint string) {
	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := c.q.GetNextBytesAwaitable(ctx, t, c.clampedBatchSizeBytes(), "")
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("get_next_bytes_awaitable failed", zap.String("type", string(t)), zap.Error(err))
			}
			return
		}

		if err := c.pushBatch(ctx, t, endpoint, msgs); err != nil && ctx.Err() == nil {
			c.logger.Warn("push batch failed, will retry", zap.String("type", string(t)), zap.Error(err))
		}

		if !c.sleep(ctx, c.clampedBatchInterval()) {
			return
		}
	}
}

func (c *Communicator) pushBatch(ctx context.Context, t queue.MessageType, endpoint string, msgs []queue.Message) error {
	events := make([]json.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		events = append(events, json.RawMessage(m.Payload))
	}
	body, err := json.Marshal(struct {
		Events []json.RawMessage `json:"events"`
	}{Events: events})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	p := c.base
	p.Method = "POST"
	p.Endpoint = endpoint
	p.BearerToken = c.auth.current()
	p.Body = body

	status, _, err := c.client.Perform(ctx, p)
	if err != nil {
		return err
	}
	if status == 401 {
		c.auth.triggerReauth(ctx)
		return fmt.Errorf("unauthorized")
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("manager returned status %d", status)
	}

	return c.q.PopN(ctx, t, len(msgs), "")
}

func (c *Communicator) sleep(ctx context.Context, d time.Duration) bool {
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
