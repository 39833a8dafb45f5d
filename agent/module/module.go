// Package module implements the module manager (§4.J): the registry of
// collector modules wired to the queue and the command router.
package module

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/endpointguard/agent/agent/command"
	"github.com/endpointguard/agent/agent/queue"
	"github.com/endpointguard/agent/agent/scheduler"
)

// ErrDuplicateModule is returned by Manager.Add when a module with the same
// Name() is already registered.
var ErrDuplicateModule = errors.New("module: duplicate name")

// PushFunc is the non-owning handle to the queue's producer interface that
// every module receives via SetPushMessageFunction.
type PushFunc func(ctx context.Context, t queue.MessageType, msg queue.Message) error

// Module is the capability set every collector satisfies.
type Module interface {
	Name() string
	Setup(ctx context.Context, config map[string]any) error
	Run(ctx context.Context) error
	Stop(ctx context.Context) error
	ExecuteCommand(ctx context.Context, name string, params json.RawMessage) (command.Status, string)
	SetPushMessageFunction(fn PushFunc)
}

// Manager owns the registered modules, wires each to the queue's producer
// interface, and exposes Execute as the command handler's Dispatcher.
type Manager struct {
	q         *queue.Queue
	scheduler *scheduler.Scheduler
	logger    *zap.Logger

	mu      sync.Mutex
	order   []string
	modules map[string]Module
}

// New builds a Manager. q backs every module's push function; sched runs
// each module's Run loop as a scheduled task.
func New(q *queue.Queue, sched *scheduler.Scheduler, logger *zap.Logger) *Manager {
	return &Manager{
		q:         q,
		scheduler: sched,
		logger:    logger.With(zap.String("component", "module_manager")),
		modules:   make(map[string]Module),
	}
}

// Add registers m, rejecting duplicate names, and wires its push function
// to the queue.
func (mgr *Manager) Add(m Module) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	name := m.Name()
	if _, exists := mgr.modules[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, name)
	}

	m.SetPushMessageFunction(func(ctx context.Context, t queue.MessageType, msg queue.Message) error {
		msg.ModuleName = name
		_, err := mgr.q.Push(ctx, t, []queue.Message{msg}, true)
		return err
	})

	mgr.modules[name] = m
	mgr.order = append(mgr.order, name)
	return nil
}

// Setup invokes Setup once on every registered module, in registration
// order, with that module's configuration section.
func (mgr *Manager) Setup(ctx context.Context, configs map[string]map[string]any) error {
	mgr.mu.Lock()
	order := append([]string(nil), mgr.order...)
	mgr.mu.Unlock()

	for _, name := range order {
		m := mgr.modules[name]
		if err := m.Setup(ctx, configs[name]); err != nil {
			return fmt.Errorf("module %s: setup: %w", name, err)
		}
	}
	return nil
}

// Start spawns every module's Run loop as a scheduled task.
func (mgr *Manager) Start() error {
	mgr.mu.Lock()
	order := append([]string(nil), mgr.order...)
	mgr.mu.Unlock()

	for _, name := range order {
		m := mgr.modules[name]
		if err := mgr.scheduler.EnqueueTask("module:"+name, m.Run); err != nil {
			return fmt.Errorf("module %s: start: %w", name, err)
		}
	}
	return nil
}

// Stop calls Stop on every module in registration order, collecting (but
// not aborting on) individual failures.
func (mgr *Manager) Stop(ctx context.Context) error {
	mgr.mu.Lock()
	order := append([]string(nil), mgr.order...)
	mgr.mu.Unlock()

	var firstErr error
	for _, name := range order {
		if err := mgr.modules[name].Stop(ctx); err != nil {
			mgr.logger.Error("module stop failed", zap.String("module", name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Execute is the command.Dispatcher implementation: it looks up the target
// module by name and forwards the command. Unknown modules return FAILURE.
func (mgr *Manager) Execute(ctx context.Context, moduleName, cmdName string, params json.RawMessage) (command.Status, string) {
	mgr.mu.Lock()
	m, ok := mgr.modules[moduleName]
	mgr.mu.Unlock()
	if !ok {
		return command.StatusFailure, fmt.Sprintf("unknown module: %s", moduleName)
	}
	return m.ExecuteCommand(ctx, cmdName, params)
}
