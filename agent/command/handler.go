package command

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/endpointguard/agent/agent/queue"
	"github.com/endpointguard/agent/internal/ctxkeys"
	"github.com/endpointguard/agent/internal/metrics"
	"github.com/endpointguard/agent/internal/telemetry"
)

// ArgType is the closed set of parameter shapes the validation table checks
// required arguments against.
type ArgType string

const (
	ArgString ArgType = "string"
	ArgNumber ArgType = "number"
	ArgBool   ArgType = "bool"
	ArgArray  ArgType = "array"
	ArgObject ArgType = "object"
)

// ArgSpec names one required parameter and the type it must carry.
type ArgSpec struct {
	Name string
	Type ArgType
}

// Spec is the table-driven validation and routing entry for one command
// verb: which module handles it, SYNC vs ASYNC dispatch, and its required
// argument schema.
type Spec struct {
	Module        string
	ExecutionMode ExecutionMode
	RequiredArgs  []ArgSpec
}

// Table is the closed map of known command verbs. It is the single source
// of truth for routing (module) and dispatch mode; unknown verbs fail
// validation.
var Table = map[string]Spec{
	"set-group": {
		Module:        "centralized_configuration",
		ExecutionMode: ModeSync,
		RequiredArgs:  []ArgSpec{{Name: "groups", Type: ArgArray}},
	},
	"update-group": {
		Module:        "centralized_configuration",
		ExecutionMode: ModeSync,
		RequiredArgs:  nil,
	},
	"restart": {
		Module:        "restart",
		ExecutionMode: ModeAsync,
		RequiredArgs:  nil,
	},
	"reset-to-default": {
		Module:        "agent_info",
		ExecutionMode: ModeSync,
		RequiredArgs:  nil,
	},
}

// incoming is the wire shape of a COMMAND message's payload, matching the
// manager's /commands response element.
type incoming struct {
	ID         string          `json:"id"`
	Command    string          `json:"command"`
	Parameters json.RawMessage `json:"parameters"`
}

// Dispatcher executes a validated command against the target module and
// reports its terminal status. It is supplied by the module manager
// (agent/module), which looks the target up by module name and forwards.
type Dispatcher func(ctx context.Context, module, command string, parameters json.RawMessage) (Status, string)

// validate walks spec's required args against parameters, rejecting any
// whose type does not match the schema. Extra parameters are accepted
// without complaint.
func validate(spec Spec, parameters json.RawMessage) bool {
	if len(spec.RequiredArgs) == 0 {
		return true
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(parameters, &doc); err != nil {
		return false
	}
	for _, arg := range spec.RequiredArgs {
		raw, ok := doc[arg.Name]
		if !ok {
			return false
		}
		if !matchesType(raw, arg.Type) {
			return false
		}
	}
	return true
}

func matchesType(raw json.RawMessage, want ArgType) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch want {
	case ArgString:
		_, ok := v.(string)
		return ok
	case ArgNumber:
		_, ok := v.(float64)
		return ok
	case ArgBool:
		_, ok := v.(bool)
		return ok
	case ArgArray:
		_, ok := v.([]any)
		return ok
	case ArgObject:
		_, ok := v.(map[string]any)
		return ok
	default:
		return false
	}
}

// Handler implements the §4.F processing loop: pull a COMMAND message,
// validate it against Table, persist it, dispatch SYNC or ASYNC, and
// update the command store with the terminal result.
type Handler struct {
	store    *Store
	queue    *queue.Queue
	dispatch Dispatcher
	logger   *zap.Logger
	idlePoll time.Duration
	metrics  *metrics.Collector
}

// NewHandler constructs a Handler. dispatch is typically supplied by the
// module manager's Execute method.
func NewHandler(store *Store, q *queue.Queue, dispatch Dispatcher, logger *zap.Logger) *Handler {
	return &Handler{
		store:    store,
		queue:    q,
		dispatch: dispatch,
		logger:   logger.With(zap.String("component", "command_handler")),
		idlePoll: time.Second,
	}
}

// WithMetrics attaches a Collector that runDispatch records command
// outcomes and durations against. Nil disables recording.
func (h *Handler) WithMetrics(collector *metrics.Collector) *Handler {
	h.metrics = collector
	return h
}

// Run is the long-running processing loop. It first crash-recovers any rows
// left IN_PROGRESS by an unclean shutdown, then repeatedly pulls the next
// COMMAND message from the queue and walks the §4.F 7-step algorithm. It
// returns when ctx is cancelled.
func (h *Handler) Run(ctx context.Context) error {
	if err := h.recoverInProgress(ctx); err != nil {
		h.logger.Error("crash recovery failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		handled, err := h.processOne(ctx)
		if err != nil {
			h.logger.Error("command processing error", zap.Error(err))
		}
		if !handled {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(h.idlePoll):
			}
		}
	}
}

// recoverInProgress implements step 1: scan (C) for IN_PROGRESS rows left
// by an unclean shutdown, rewrite each to FAILURE, and log one warning
// line per recovered row. No result event is pushed to any queue.
func (h *Handler) recoverInProgress(ctx context.Context) error {
	ids, err := h.store.RecoverInProgress(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		h.logger.Warn("recovered in-progress command", zap.String("id", id))
	}
	return nil
}

// processOne implements steps 2-7 for a single COMMAND message. It returns
// handled=false when the queue had nothing to process.
func (h *Handler) processOne(ctx context.Context) (handled bool, err error) {
	msg, ok, err := h.queue.GetNext(ctx, queue.Command, "")
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	var in incoming
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		h.logger.Error("malformed command payload, dropping", zap.Error(err))
		_ = h.queue.Pop(ctx, queue.Command, "")
		return true, nil
	}

	ctx = ctxkeys.WithCommandID(ctx, in.ID)

	spec, known := Table[in.Command]
	if !known || !validate(spec, in.Parameters) {
		h.storeFailure(ctx, in, "Command is not valid")
		_ = h.queue.Pop(ctx, queue.Command, "")
		return true, nil
	}

	entry := &Entry{
		ID:            in.ID,
		Module:        spec.Module,
		Command:       in.Command,
		Parameters:    in.Parameters,
		ExecutionMode: spec.ExecutionMode,
		AcceptedAt:    time.Now(),
		Status:        StatusUnknown,
	}
	if err := h.store.Store(ctx, entry); err != nil {
		h.logger.Error("persisting command failed", zap.String("id", in.ID), zap.Error(err))
		entry.Status = StatusFailure
		entry.ResultMessage = "Agent's database failure"
		if ferr := h.store.Store(ctx, entry); ferr != nil {
			h.logger.Error("failed to record database-failure result", zap.String("id", in.ID), zap.Error(ferr))
		}
		h.metrics.ObserveCommand(entry.Command, StatusFailure.String(), 0)
		_ = h.queue.Pop(ctx, queue.Command, "")
		return true, nil
	}

	_ = h.queue.Pop(ctx, queue.Command, "")

	if err := h.store.Update(ctx, in.ID, StatusInProgress, ""); err != nil {
		h.logger.Error("transition to in-progress failed", zap.String("id", in.ID), zap.Error(err))
	}

	switch spec.ExecutionMode {
	case ModeAsync:
		go h.runDispatch(ctx, entry)
	default:
		h.runDispatch(ctx, entry)
	}
	return true, nil
}

// runDispatch calls the module dispatcher and updates (C) with the terminal
// result. It recovers from any panic escaping dispatch so the handler's
// loop is never taken down by a misbehaving module.
func (h *Handler) runDispatch(ctx context.Context, entry *Entry) {
	ctx, span := telemetry.Tracer("command_handler").Start(ctx, entry.Command,
		trace.WithAttributes(
			attribute.String("command.id", entry.ID),
			attribute.String("command.module", entry.Module),
		))
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("dispatch panicked", zap.String("id", entry.ID), zap.Any("panic", r))
			span.SetStatus(codes.Error, "dispatch panicked")
			_ = h.store.Update(ctx, entry.ID, StatusFailure, "Agent's database failure")
			h.metrics.ObserveCommand(entry.Command, StatusFailure.String(), time.Since(start))
		}
	}()

	status, message := h.dispatch(ctx, entry.Module, entry.Command, entry.Parameters)
	if status == StatusFailure || status == StatusTimeout {
		span.SetStatus(codes.Error, message)
	}
	if err := h.store.Update(ctx, entry.ID, status, message); err != nil {
		h.logger.Error("terminal update failed", zap.String("id", entry.ID), zap.Error(err))
	}
	h.metrics.ObserveCommand(entry.Command, status.String(), time.Since(start))
}

func (h *Handler) storeFailure(ctx context.Context, in incoming, message string) {
	entry := &Entry{
		ID:            in.ID,
		Command:       in.Command,
		Parameters:    in.Parameters,
		AcceptedAt:    time.Now(),
		Status:        StatusFailure,
		ResultMessage: message,
	}
	if err := h.store.Store(ctx, entry); err != nil {
		h.logger.Error("failed to record invalid command", zap.String("id", in.ID), zap.Error(err))
	}
}
