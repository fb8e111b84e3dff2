package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/remedyhq/remedy/internal/observability"
	"github.com/remedyhq/remedy/pkg/governor"
	"github.com/remedyhq/remedy/pkg/trace"
)

// CallContext identifies where in an invocation tree a tool call happens.
type CallContext struct {
	TreeID             string
	InvocationID       string
	ParentInvocationID *string
	Scope              string
}

// Result is a tool call's resolved outcome. A failed execution is a normal
// result for the agent to evaluate, not an engine error.
type Result struct {
	Success bool            `json:"success"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Invoker executes tools for one invocation tree, reserving budget with the
// tree's governor and recording every resolved call.
type Invoker struct {
	registry *Registry
	governor *governor.Governor
	recorder *trace.Recorder
	logger   zerolog.Logger
}

// NewInvoker creates an Invoker bound to one tree's governor and recorder.
func NewInvoker(registry *Registry, gov *governor.Governor, recorder *trace.Recorder, logger zerolog.Logger) *Invoker {
	return &Invoker{
		registry: registry,
		governor: gov,
		recorder: recorder,
		logger:   logger,
	}
}

// Invoke validates arguments, reserves one budget unit, runs the tool, and
// emits a tool_call trace entry for the resolved call. A denied reservation
// or a handler failure comes back as a failure-flagged Result; only an
// unknown tool is an error.
func (inv *Invoker) Invoke(ctx context.Context, call CallContext, name string, args map[string]interface{}) (Result, error) {
	def := inv.registry.Get(name)
	if def == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	// Malformed arguments are rejected before any budget is consumed.
	if err := inv.registry.Validate(name, args); err != nil {
		res := Result{Success: false, Error: err.Error()}
		inv.record(ctx, call, name, args, res)
		return res, nil
	}

	if err := inv.governor.Reserve(call.Scope, name); err != nil {
		if errors.Is(err, governor.ErrLimitExceeded) {
			res := Result{Success: false, Error: err.Error()}
			inv.record(ctx, call, name, args, res)
			observability.RecordLimitDenial(name)
			inv.logger.Warn().
				Str("tree_id", call.TreeID).
				Str("scope", call.Scope).
				Str("tool", name).
				Msg("Tool call denied by governor")
			return res, nil
		}
		return Result{}, err
	}

	started := time.Now()
	res := inv.execute(ctx, call, def, args)
	observability.RecordToolInvocation(name, time.Since(started), res.Success)
	inv.record(ctx, call, name, args, res)
	return res, nil
}

func (inv *Invoker) execute(ctx context.Context, call CallContext, def *Definition, args map[string]interface{}) Result {
	ctx = withUIRecorder(ctx, inv.uiRecorder(call))

	output, err := def.Handler(ctx, args)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}

	raw, err := json.Marshal(output)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("tool output not serializable: %v", err)}
	}
	return Result{Success: true, Output: raw}
}

func (inv *Invoker) record(ctx context.Context, call CallContext, name string, args map[string]interface{}, res Result) {
	input, err := json.Marshal(args)
	if err != nil {
		input = json.RawMessage(`{}`)
	}
	output := res.Output
	if !res.Success {
		output, _ = json.Marshal(map[string]string{"error": res.Error})
	}

	_, err = inv.recorder.Append(ctx, trace.Entry{
		TreeID:             call.TreeID,
		InvocationID:       call.InvocationID,
		ParentInvocationID: call.ParentInvocationID,
		Kind:               trace.KindToolCall,
		Name:               name,
		Input:              input,
		Output:             output,
		Success:            res.Success,
	})
	if err != nil {
		inv.logger.Error().Err(err).
			Str("tree_id", call.TreeID).
			Str("tool", name).
			Msg("Failed to record tool call")
	}
}

// uiRecorder lets tool handlers report UI events (clicks, keystrokes,
// screenshots) attributed to the calling invocation.
func (inv *Invoker) uiRecorder(call CallContext) UIEventFunc {
	return func(ctx context.Context, name string, payload interface{}, artifactKey string, success bool) error {
		input, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal ui event payload: %w", err)
		}
		_, err = inv.recorder.Append(ctx, trace.Entry{
			TreeID:             call.TreeID,
			InvocationID:       call.InvocationID,
			ParentInvocationID: call.ParentInvocationID,
			Kind:               trace.KindUIEvent,
			Name:               name,
			Input:              input,
			Success:            success,
			ArtifactKey:        artifactKey,
		})
		return err
	}
}
