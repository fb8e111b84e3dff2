// Package subagent exposes agent definitions as tools of their parents.
// Invoking a sub-agent opens a child invocation context and runs the full
// agent state machine to a terminal outcome, returned as the tool result.
package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/remedyhq/remedy/pkg/agent"
	"github.com/remedyhq/remedy/pkg/governor"
	"github.com/remedyhq/remedy/pkg/toolexec"
	"github.com/remedyhq/remedy/pkg/trace"
)

// Composer implements agent.SubAgentInvoker.
type Composer struct {
	registry *agent.Registry
	logger   zerolog.Logger
}

// NewComposer creates a Composer over the agent registry.
func NewComposer(registry *agent.Registry, logger zerolog.Logger) *Composer {
	return &Composer{registry: registry, logger: logger}
}

// Invoke reserves one unit of the parent's sub-agent budget, runs the child
// agent recursively, and reports its terminal outcome as a tool result. A
// denied reservation resolves to a failure-flagged result without starting
// the child.
func (c *Composer) Invoke(ctx context.Context, run *agent.Run, parent *agent.Invocation, ref agent.SubAgentRef, args map[string]interface{}) (toolexec.Result, error) {
	if err := run.Governor().Reserve(parent.Scope, ref.ToolName); err != nil {
		if errors.Is(err, governor.ErrLimitExceeded) {
			res := toolexec.Result{Success: false, Error: err.Error()}
			c.record(ctx, parent, run, ref, args, res)
			c.logger.Warn().
				Str("tree_id", parent.TreeID).
				Str("scope", parent.Scope).
				Str("sub_agent", ref.ToolName).
				Msg("Sub-agent call denied by governor")
			return res, nil
		}
		return toolexec.Result{}, err
	}

	def, err := c.registry.Get(ref.AgentName)
	if err != nil {
		return toolexec.Result{}, fmt.Errorf("sub-agent %s: %w", ref.ToolName, err)
	}

	child := parent.Child(def, ref.ToolName, run.NextOrdinal(parent.Scope, ref.ToolName))
	run.Governor().SetLimits(child.Scope, def.Limits())

	c.logger.Debug().
		Str("tree_id", parent.TreeID).
		Str("parent", parent.ID).
		Str("child", child.ID).
		Msg("Starting sub-agent invocation")

	outcome := run.ExecuteAgent(ctx, child, renderInstruction(def, args))
	res := resultFromOutcome(outcome)
	c.record(ctx, parent, run, ref, args, res)
	return res, nil
}

// record emits the parent-side tool_call entry once the sub-agent call has
// resolved.
func (c *Composer) record(ctx context.Context, parent *agent.Invocation, run *agent.Run, ref agent.SubAgentRef, args map[string]interface{}, res toolexec.Result) {
	input, err := json.Marshal(args)
	if err != nil {
		input = json.RawMessage(`{}`)
	}
	output := res.Output
	if !res.Success {
		output, _ = json.Marshal(map[string]string{"error": res.Error})
	}

	_, err = run.Recorder().Append(ctx, trace.Entry{
		TreeID:             parent.TreeID,
		InvocationID:       parent.ID,
		ParentInvocationID: parent.ParentID(),
		Kind:               trace.KindToolCall,
		Name:               ref.ToolName,
		Input:              input,
		Output:             output,
		Success:            res.Success,
	})
	if err != nil {
		c.logger.Error().Err(err).
			Str("tree_id", parent.TreeID).
			Str("sub_agent", ref.ToolName).
			Msg("Failed to record sub-agent call")
	}
}

// renderInstruction turns the validated arguments into the child's first
// user turn, one declared argument per line.
func renderInstruction(def *agent.Definition, args map[string]interface{}) string {
	var b strings.Builder

	declared := make(map[string]struct{}, len(def.Arguments))
	for _, arg := range def.Arguments {
		declared[arg.Name] = struct{}{}
		fmt.Fprintf(&b, "%s: %v\n", arg.Name, args[arg.Name])
	}

	extras := make([]string, 0)
	for name := range args {
		if _, ok := declared[name]; !ok {
			extras = append(extras, name)
		}
	}
	sort.Strings(extras)
	for _, name := range extras {
		fmt.Fprintf(&b, "%s: %v\n", name, args[name])
	}
	return b.String()
}

func resultFromOutcome(outcome agent.Outcome) toolexec.Result {
	payload, _ := json.Marshal(map[string]interface{}{
		"status":  outcome.Status,
		"summary": outcome.Summary,
	})

	if outcome.Status == agent.StatusCompleted {
		return toolexec.Result{Success: true, Output: payload}
	}
	reason := outcome.Summary
	if outcome.Reason != "" {
		reason = fmt.Sprintf("%s: %s", outcome.Reason, outcome.Summary)
	}
	return toolexec.Result{Success: false, Output: payload, Error: fmt.Sprintf("sub-agent %s: %s", outcome.Status, reason)}
}
