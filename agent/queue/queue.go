// Package queue implements the typed, persistent, bounded multi-queue that
// sits between collector modules and the communicator: one FIFO per message
// type (STATEFUL, STATELESS, COMMAND). The default backend is the agent's
// embedded relational store; an optional Redis backend lets a horizontally
// run deployment share one queue across processes.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/endpointguard/agent/internal/metrics"
	"github.com/endpointguard/agent/internal/store"
)

// MessageType selects which typed sub-queue a message lives in.
type MessageType string

const (
	Stateful  MessageType = "STATEFUL"
	Stateless MessageType = "STATELESS"
	Command   MessageType = "COMMAND"
)

var allTypes = []MessageType{Stateful, Stateless, Command}

// ErrFull is returned by push paths when the target sub-queue would exceed
// its count or byte budget and the caller asked not to wait.
var ErrFull = errors.New("queue: full")

// Message is the unit moved through the queue. Payload and Metadata are
// opaque JSON documents; the queue never inspects their content.
type Message struct {
	ModuleName string
	ModuleType string
	Metadata   []byte
	Payload    []byte
}

func (m Message) byteSize() int {
	return len(m.Payload) + len(m.Metadata) + len(m.ModuleName) + len(m.ModuleType)
}

// Budget bounds one typed sub-queue.
type Budget struct {
	MaxCount int
	MaxBytes int64
}

// Config bounds every typed sub-queue and the blocking-wait timeout, and
// selects the storage backend.
type Config struct {
	Stateful    Budget
	Stateless   Budget
	Command     Budget
	WaitTimeout time.Duration

	// Backend selects "embedded" (default) or "redis".
	Backend  string
	RedisCfg RedisConfig
}

// RedisConfig configures the optional Redis-backed queue.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// storageBackend is the set of operations Queue needs from whichever store
// backs it; storeBackend (embedded relational store) and redisBackend
// (Redis lists) both implement it.
type storageBackend interface {
	currentUsage(ctx context.Context, t MessageType) (count int64, bytes int64, err error)
	tryPush(ctx context.Context, t MessageType, msgs []Message, budget Budget) (n int, fit bool, err error)
	getNext(ctx context.Context, t MessageType, module string) (Message, bool, error)
	getNextBytesPrefix(ctx context.Context, t MessageType, budgetBytes int, module string) ([]Message, error)
	popN(ctx context.Context, t MessageType, n int, module string) error
	storedItems(ctx context.Context, t MessageType) (int, error)
}

// Queue is the typed multi-queue. Consumers obtain one Queue and use the
// MessageType parameter to select a sub-queue; ordering is strict FIFO
// within (type, module), with no ordering guarantee across modules.
type Queue struct {
	backend storageBackend
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	waiters map[MessageType]chan struct{}
}

// WithMetrics attaches a Collector that Push records queue depth, full
// conditions and push outcomes against. Nil disables recording.
func (q *Queue) WithMetrics(collector *metrics.Collector) *Queue {
	q.metrics = collector
	return q
}

// New creates a Queue. With cfg.Backend == "redis" it connects to the
// configured Redis instance; otherwise it uses st, creating the three
// typed tables if they don't already exist (sqlite deployments; postgres/
// mysql deployments get these tables from internal/migration instead).
func New(st *store.Store, cfg Config, logger *zap.Logger) (*Queue, error) {
	q := &Queue{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "queue")),
		waiters: make(map[MessageType]chan struct{}),
	}
	for _, t := range allTypes {
		q.waiters[t] = make(chan struct{})
	}

	if cfg.Backend == "redis" {
		prefix := cfg.RedisCfg.KeyPrefix
		if prefix == "" {
			prefix = "agent:queue"
		}
		q.backend = newRedisBackend(cfg.RedisCfg.Addr, cfg.RedisCfg.Password, cfg.RedisCfg.DB, prefix)
		return q, nil
	}

	backend, err := newStoreBackend(st)
	if err != nil {
		return nil, err
	}
	q.backend = backend
	return q, nil
}

func (q *Queue) budget(t MessageType) Budget {
	switch t {
	case Stateful:
		return q.cfg.Stateful
	case Stateless:
		return q.cfg.Stateless
	default:
		return q.cfg.Command
	}
}

// notify wakes every current waiter for t.
func (q *Queue) notify(t MessageType) {
	q.mu.Lock()
	close(q.waiters[t])
	q.waiters[t] = make(chan struct{})
	q.mu.Unlock()
}

func (q *Queue) waitChan(t MessageType) chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiters[t]
}

// Push inserts msgs atomically: either all fit within the budget or none
// are inserted. If the sub-queue is full, it returns (0, nil) immediately
// unless shouldWait, in which case it blocks up to cfg.WaitTimeout,
// retrying on every push notification and a 100ms fallback poll.
func (q *Queue) Push(ctx context.Context, t MessageType, msgs []Message, shouldWait bool) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	deadline := time.Now().Add(q.cfg.WaitTimeout)
	for {
		n, fit, err := q.backend.tryPush(ctx, t, msgs, q.budget(t))
		if err != nil {
			q.metrics.ObservePush(string(t), "error")
			return 0, err
		}
		if fit {
			q.metrics.ObservePush(string(t), "accepted")
			if count, _, err := q.backend.currentUsage(ctx, t); err == nil {
				q.metrics.SetQueueDepth(string(t), int(count))
			}
			q.notify(t)
			return n, nil
		}
		q.metrics.ObserveQueueFull(string(t))
		if !shouldWait || time.Now().After(deadline) {
			q.metrics.ObservePush(string(t), "rejected")
			return 0, nil
		}

		timer := time.NewTimer(100 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-q.waitChan(t):
			timer.Stop()
		case <-timer.C:
		}
	}
}

// PushAwaitable has the same contract as Push(should_wait=true) but never
// gives up: it suspends the calling goroutine, polling the full-condition
// on a 100ms timer, until ctx is cancelled.
func (q *Queue) PushAwaitable(ctx context.Context, t MessageType, msgs []Message) error {
	for {
		_, fit, err := q.backend.tryPush(ctx, t, msgs, q.budget(t))
		if err != nil {
			return err
		}
		if fit {
			q.notify(t)
			return nil
		}

		timer := time.NewTimer(100 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-q.waitChan(t):
			timer.Stop()
		case <-timer.C:
		}
	}
}

// GetNext returns the oldest message of type t, optionally filtered by
// producer module, without removing it.
func (q *Queue) GetNext(ctx context.Context, t MessageType, module string) (Message, bool, error) {
	return q.backend.getNext(ctx, t, module)
}

// GetNextBytesAwaitable returns the longest contiguous FIFO prefix of type t
// (optionally filtered by module) whose combined byte size (payload,
// metadata, module name and module type) does not exceed budgetBytes; the
// oldest message is always included, even when it alone exceeds
// budgetBytes. It suspends, polling every 100ms, until at least one
// message is available or ctx is cancelled.
func (q *Queue) GetNextBytesAwaitable(ctx context.Context, t MessageType, budgetBytes int, module string) ([]Message, error) {
	for {
		msgs, err := q.backend.getNextBytesPrefix(ctx, t, budgetBytes, module)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}

		timer := time.NewTimer(100 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.waitChan(t):
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Pop removes the oldest message of type t, optionally filtered by module.
func (q *Queue) Pop(ctx context.Context, t MessageType, module string) error {
	return q.PopN(ctx, t, 1, module)
}

// PopN removes up to n oldest messages of type t, optionally filtered by
// module. Callers MUST only call this after upstream acknowledgement; the
// queue itself performs no acknowledgement.
func (q *Queue) PopN(ctx context.Context, t MessageType, n int, module string) error {
	return q.backend.popN(ctx, t, n, module)
}

// IsEmpty reports whether the type-t sub-queue holds no rows.
func (q *Queue) IsEmpty(ctx context.Context, t MessageType) (bool, error) {
	n, err := q.StoredItems(ctx, t)
	return n == 0, err
}

// IsFull reports whether the type-t sub-queue is at its count or byte budget.
func (q *Queue) IsFull(ctx context.Context, t MessageType) (bool, error) {
	budget := q.budget(t)
	count, bytes, err := q.backend.currentUsage(ctx, t)
	if err != nil {
		return false, err
	}
	if budget.MaxCount > 0 && count >= int64(budget.MaxCount) {
		return true, nil
	}
	if budget.MaxBytes > 0 && bytes >= budget.MaxBytes {
		return true, nil
	}
	return false, nil
}

// StoredItems returns the row count of the type-t sub-queue.
func (q *Queue) StoredItems(ctx context.Context, t MessageType) (int, error) {
	return q.backend.storedItems(ctx, t)
}

// SizePerType returns the summed byte size of every typed sub-queue.
func (q *Queue) SizePerType(ctx context.Context) (map[MessageType]int64, error) {
	out := make(map[MessageType]int64, len(allTypes))
	for _, t := range allTypes {
		_, bytes, err := q.backend.currentUsage(ctx, t)
		if err != nil {
			return nil, err
		}
		out[t] = bytes
	}
	return out, nil
}
