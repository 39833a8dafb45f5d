// Package scheduler adapts internal/pool's goroutine pool into the task
// manager described by §4.G: a thread-pool mode and a single-thread mode,
// both exposing enqueue and a cancellable steady timer, with every task's
// panics caught and logged at the task boundary.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/endpointguard/agent/internal/pool"
)

// ErrAlreadyStarted names the already-started condition. StartThreadPool and
// RunSingleThread do not return it: a second start in either mode logs a
// warning and returns nil.
var ErrAlreadyStarted = errors.New("scheduler: already started")

// Task is a unit of scheduled work, identified for logging purposes.
type Task func(ctx context.Context) error

// Scheduler is the cooperative task manager. Exactly one of
// StartThreadPool/RunSingleThread may run at a time; calling start twice is
// a no-op with a logged warning, matching §4.G.
type Scheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	started bool
	single  bool

	pool *pool.GoroutinePool

	ctx    context.Context
	cancel context.CancelFunc

	timersMu sync.Mutex
	timers   []*SteadyTimer
}

// New creates an unstarted Scheduler.
func New(logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: logger.With(zap.String("component", "scheduler")),
		ctx:    ctx,
		cancel: cancel,
	}
}

// StartThreadPool starts the thread-pool mode with n workers. Ordering
// guarantee: thread-pool mode serializes only per-task, not across tasks.
func (s *Scheduler) StartThreadPool(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.logger.Warn("scheduler already started")
		return nil
	}
	s.started = true

	cfg := pool.DefaultGoroutinePoolConfig()
	cfg.MaxWorkers = n
	cfg.PanicHandler = func(r any) {
		s.logger.Error("task panicked", zap.Any("panic", r))
	}
	s.pool = pool.NewGoroutinePool(cfg)
	return nil
}

// RunSingleThread starts single-thread mode: all tasks serialize on one
// goroutine, mirroring the Windows-service main-thread analogue.
func (s *Scheduler) RunSingleThread() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.logger.Warn("scheduler already started")
		return nil
	}
	s.started = true
	s.single = true

	cfg := pool.DefaultGoroutinePoolConfig()
	cfg.MaxWorkers = 1
	cfg.PanicHandler = func(r any) {
		s.logger.Error("task panicked", zap.Any("panic", r))
	}
	s.pool = pool.NewGoroutinePool(cfg)
	return nil
}

// EnqueueTask posts fn for execution. Panics and errors escaping fn are
// caught and logged with the task id; they never propagate to the caller.
func (s *Scheduler) EnqueueTask(taskID string, fn Task) error {
	s.mu.Lock()
	p := s.pool
	ctx := s.ctx
	s.mu.Unlock()
	if p == nil {
		return fmt.Errorf("scheduler: not started")
	}

	return p.Submit(ctx, func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("task panicked", zap.String("task_id", taskID), zap.Any("panic", r))
				err = fmt.Errorf("scheduler: task %s panicked: %v", taskID, r)
			}
		}()
		err = fn(ctx)
		if err != nil {
			s.logger.Error("task failed", zap.String("task_id", taskID), zap.Error(err))
		}
		return err
	})
}

// SteadyTimer is a cancellable timer bound to the scheduler; Stop cancels
// every outstanding timer.
type SteadyTimer struct {
	C      <-chan time.Time
	stop   chan struct{}
	cancel func()
}

// Cancel stops this timer early.
func (t *SteadyTimer) Cancel() {
	t.cancel()
}

// CreateSteadyTimer returns a timer bound to the scheduler: it fires after
// d unless cancelled first, either individually via Cancel or collectively
// via Scheduler.Stop.
func (s *Scheduler) CreateSteadyTimer(d time.Duration) *SteadyTimer {
	timer := time.NewTimer(d)
	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			timer.Stop()
		})
	}

	out := make(chan time.Time, 1)
	go func() {
		select {
		case t := <-timer.C:
			select {
			case out <- t:
			default:
			}
		case <-stop:
		}
	}()

	st := &SteadyTimer{C: out, stop: stop, cancel: cancel}
	s.timersMu.Lock()
	s.timers = append(s.timers, st)
	s.timersMu.Unlock()
	return st
}

// Stop cancels any outstanding timers, drains the executor, and joins
// threads. Safe to call from any goroutine and more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.cancel()

	s.timersMu.Lock()
	for _, t := range s.timers {
		t.Cancel()
	}
	s.timers = nil
	s.timersMu.Unlock()

	s.mu.Lock()
	p := s.pool
	s.mu.Unlock()
	if p != nil {
		p.Close()
	}
}
