package runtime

import (
	"context"
	"encoding/json"

	"github.com/endpointguard/agent/agent/command"
	"github.com/endpointguard/agent/agent/groups"
	"github.com/endpointguard/agent/agent/identity"
	"github.com/endpointguard/agent/agent/module"
	"github.com/endpointguard/agent/agent/restart"
)

// restartModule adapts agent/restart.Handler into the module.Module
// capability set so the command handler can dispatch "restart" through the
// same module-manager routing path as any collector.
type restartModule struct {
	handler *restart.Handler
}

func (m *restartModule) Name() string                                        { return "restart" }
func (m *restartModule) Setup(ctx context.Context, cfg map[string]any) error { return nil }
func (m *restartModule) Run(ctx context.Context) error                      { <-ctx.Done(); return nil }
func (m *restartModule) Stop(ctx context.Context) error                     { return nil }
func (m *restartModule) SetPushMessageFunction(fn module.PushFunc)          {}

func (m *restartModule) ExecuteCommand(ctx context.Context, name string, params json.RawMessage) (command.Status, string) {
	if err := m.handler.Restart(ctx); err != nil {
		return command.StatusFailure, err.Error()
	}
	return command.StatusInProgress, "restart initiated"
}

// agentInfoModule adapts agent/identity's destructive reset-to-default
// operation into a Module.
type agentInfoModule struct {
	id *identity.Identity
}

func (m *agentInfoModule) Name() string                                        { return "agent_info" }
func (m *agentInfoModule) Setup(ctx context.Context, cfg map[string]any) error { return nil }
func (m *agentInfoModule) Run(ctx context.Context) error                      { <-ctx.Done(); return nil }
func (m *agentInfoModule) Stop(ctx context.Context) error                     { return nil }
func (m *agentInfoModule) SetPushMessageFunction(fn module.PushFunc)          {}

func (m *agentInfoModule) ExecuteCommand(ctx context.Context, name string, params json.RawMessage) (command.Status, string) {
	if name != "reset-to-default" {
		return command.StatusFailure, "unsupported command: " + name
	}
	if err := m.id.ResetToDefault(ctx); err != nil {
		return command.StatusFailure, err.Error()
	}
	return command.StatusSuccess, "identity reset to default"
}

// centralizedConfigModule adapts agent/groups.Handler into a Module,
// routing set-group/update-group by command name.
type centralizedConfigModule struct {
	handler *groups.Handler
}

func (m *centralizedConfigModule) Name() string                                        { return "centralized_configuration" }
func (m *centralizedConfigModule) Setup(ctx context.Context, cfg map[string]any) error { return nil }
func (m *centralizedConfigModule) Run(ctx context.Context) error                      { <-ctx.Done(); return nil }
func (m *centralizedConfigModule) Stop(ctx context.Context) error                     { return nil }
func (m *centralizedConfigModule) SetPushMessageFunction(fn module.PushFunc)          {}

func (m *centralizedConfigModule) ExecuteCommand(ctx context.Context, name string, params json.RawMessage) (command.Status, string) {
	switch name {
	case "set-group":
		return m.handler.SetGroup(ctx, params)
	case "update-group":
		return m.handler.UpdateGroup(ctx, params)
	default:
		return command.StatusFailure, "unsupported command: " + name
	}
}
