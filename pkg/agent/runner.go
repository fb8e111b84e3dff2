package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/remedyhq/remedy/internal/observability"
	"github.com/remedyhq/remedy/pkg/governor"
	"github.com/remedyhq/remedy/pkg/toolexec"
	"github.com/remedyhq/remedy/pkg/trace"
)

// SubAgentInvoker runs a sub-agent call to its terminal outcome and returns
// it as a tool result. Implemented by pkg/subagent; wired after
// construction to keep composition out of the core loop.
type SubAgentInvoker interface {
	Invoke(ctx context.Context, run *Run, parent *Invocation, ref SubAgentRef, args map[string]interface{}) (toolexec.Result, error)
}

// Runner executes invocation trees against configured agent definitions.
type Runner struct {
	registry *Registry
	tools    *toolexec.Registry
	router   ProviderRouter
	recorder *trace.Recorder
	outcomes OutcomeStore
	logger   zerolog.Logger

	subAgents SubAgentInvoker

	maxProviderRetries int
	retryBackoff       time.Duration
}

// Config holds runner dependencies.
type Config struct {
	Registry           *Registry
	Tools              *toolexec.Registry
	Router             ProviderRouter
	Recorder           *trace.Recorder
	Outcomes           OutcomeStore
	Logger             zerolog.Logger
	MaxProviderRetries int
	RetryBackoff       time.Duration
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("agent registry is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("provider router is required")
	}
	if cfg.Recorder == nil {
		return nil, fmt.Errorf("trace recorder is required")
	}
	if cfg.Outcomes == nil {
		return nil, fmt.Errorf("outcome store is required")
	}
	if cfg.MaxProviderRetries <= 0 {
		cfg.MaxProviderRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}

	return &Runner{
		registry:           cfg.Registry,
		tools:              cfg.Tools,
		router:             cfg.Router,
		recorder:           cfg.Recorder,
		outcomes:           cfg.Outcomes,
		logger:             cfg.Logger,
		maxProviderRetries: cfg.MaxProviderRetries,
		retryBackoff:       cfg.RetryBackoff,
	}, nil
}

// SetSubAgentInvoker wires sub-agent composition into the runner.
func (r *Runner) SetSubAgentInvoker(si SubAgentInvoker) {
	r.subAgents = si
}

// Run is one invocation tree: the gateway agent resolving one failure
// record, with its own governor and tool invoker.
type Run struct {
	TreeID  string
	runner  *Runner
	failure FailureContext
	root    *Invocation
	gov     *governor.Governor
	invoker *toolexec.Invoker

	mu       sync.Mutex
	ordinals map[string]int
}

// Prepare creates a Run for one failure record, rooted at the configured
// gateway agent. The tree id is available before execution starts so
// submission acknowledgement can be decoupled from completion.
func (r *Runner) Prepare(failure FailureContext) (*Run, error) {
	def, err := r.registry.Gateway()
	if err != nil {
		return nil, err
	}

	treeID, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate tree id: %w", err)
	}

	gov := governor.New()
	gov.SetLimits("root", def.Limits())

	return &Run{
		TreeID:   treeID,
		runner:   r,
		failure:  failure,
		root:     NewRootInvocation(treeID, failure.ID, def),
		gov:      gov,
		invoker:  toolexec.NewInvoker(r.tools, gov, r.recorder, r.logger),
		ordinals: make(map[string]int),
	}, nil
}

// Governor exposes the tree's call-limit governor to composition.
func (run *Run) Governor() *governor.Governor {
	return run.gov
}

// Recorder exposes the trace recorder so composition can record the
// sub-agent call entry under the parent invocation.
func (run *Run) Recorder() *trace.Recorder {
	return run.runner.recorder
}

// NextOrdinal numbers repeated calls to the same sub-agent under one scope.
func (run *Run) NextOrdinal(scope, toolName string) int {
	run.mu.Lock()
	defer run.mu.Unlock()
	key := scope + "/" + toolName
	run.ordinals[key]++
	return run.ordinals[key]
}

// Execute runs the tree to a terminal outcome and persists it. The outcome
// is written even when the context is cancelled mid-run.
func (run *Run) Execute(ctx context.Context) Outcome {
	outcome := run.ExecuteAgent(ctx, run.root, run.failure.Instruction())
	outcome.TreeID = run.TreeID
	outcome.CreatedAt = time.Now().UTC()

	// Persistence must survive the cancellation that may have ended the run.
	if err := run.runner.outcomes.SaveOutcome(context.WithoutCancel(ctx), outcome); err != nil {
		run.runner.logger.Error().Err(err).Str("tree_id", run.TreeID).Msg("Failed to persist outcome")
	}

	run.runner.logger.Info().
		Str("tree_id", run.TreeID).
		Str("status", string(outcome.Status)).
		Str("reason", outcome.Reason).
		Msg("Invocation tree terminated")
	return outcome
}

// ExecuteAgent drives one agent node's Planning/Acting/Evaluating loop to a
// terminal outcome. Called recursively through sub-agent composition.
func (run *Run) ExecuteAgent(ctx context.Context, inv *Invocation, instruction string) Outcome {
	r := run.runner
	def := inv.Definition
	logger := r.logger.With().Str("tree_id", run.TreeID).Str("invocation", inv.ID).Str("agent", def.Name).Logger()

	provider, err := r.router.Provider(def.Provider.Provider)
	if err != nil {
		logger.Error().Err(err).Msg("No provider for agent")
		return Outcome{Status: StatusFailed, Reason: ReasonProviderUnavailable, Summary: err.Error()}
	}

	messages := []Message{{Role: "user", Content: instruction}}

	// Sub-agent calls dispatch through composition even when exhausted, so
	// denials are recorded rather than silently dropped.
	subRefs := make(map[string]SubAgentRef, len(def.SubAgents))
	for _, ref := range def.SubAgents {
		subRefs[ref.ToolName] = ref
	}

	// Bounds Acting transitions even against an adversarial planner: the
	// budget is finite and denied calls stop being offered.
	maxRounds := run.gov.TotalBudget() + len(def.Tools) + len(def.SubAgents) + 2

	for round := 1; ; round++ {
		if ctx.Err() != nil {
			return Outcome{Status: StatusCancelled, Reason: ReasonCancelled, Summary: "run cancelled before planning"}
		}

		specs := run.offeredActions(inv)
		resp, err := r.completeWithRetry(ctx, provider, CompletionRequest{
			Model:        def.Provider.Model,
			SystemPrompt: def.SystemPrompt,
			Messages:     messages,
			Tools:        specs,
			Temperature:  def.Provider.Temperature,
			MaxTokens:    def.Provider.MaxTokens,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return Outcome{Status: StatusCancelled, Reason: ReasonCancelled, Summary: "run cancelled during planning"}
			}
			logger.Error().Err(err).Int("round", round).Msg("Provider unreachable")
			return Outcome{Status: StatusFailed, Reason: ReasonProviderUnavailable, Summary: err.Error()}
		}

		action := decideAction(resp, subRefs)
		run.recordStep(ctx, inv, round, specs, resp, action)

		switch action.Kind {
		case ActionAnswer:
			return Outcome{Status: StatusCompleted, Summary: action.Text}

		case ActionToolCall:
			res, err := run.invoker.Invoke(ctx, inv.CallContext(), action.Name, action.Args)
			if err != nil {
				// Unknown tool: engine-level rejection fed back for replanning.
				res = toolexec.Result{Success: false, Error: err.Error()}
			}
			if action.Name == toolexec.RouteToHumanTool && res.Success {
				reason, _ := action.Args["reason"].(string)
				return Outcome{Status: StatusEscalated, Summary: reason}
			}
			messages = appendExchange(messages, resp.Text, action, res)

		case ActionSubAgentCall:
			res := run.invokeSubAgent(ctx, inv, subRefs[action.Name], action)
			messages = appendExchange(messages, resp.Text, action, res)
		}

		if round >= maxRounds {
			logger.Warn().Int("rounds", round).Msg("Action budget exhausted, escalating")
			return Outcome{
				Status:  StatusEscalated,
				Reason:  ReasonBudgetExhausted,
				Summary: "all configured action budgets are exhausted without resolution",
			}
		}
	}
}

func (run *Run) invokeSubAgent(ctx context.Context, inv *Invocation, ref SubAgentRef, action Action) toolexec.Result {
	if run.runner.subAgents == nil {
		return toolexec.Result{Success: false, Error: "sub-agent composition is not wired"}
	}
	res, err := run.runner.subAgents.Invoke(ctx, run, inv, ref, action.Args)
	if err != nil {
		return toolexec.Result{Success: false, Error: err.Error()}
	}
	return res
}

// offeredActions lists the tools and sub-agents still within budget for the
// invocation's scope. Exhausted actions are withheld from planning.
func (run *Run) offeredActions(inv *Invocation) []ToolSpec {
	def := inv.Definition
	specs := make([]ToolSpec, 0, len(def.Tools)+len(def.SubAgents)+1)

	for _, ref := range def.Tools {
		if run.gov.Remaining(inv.Scope, ref.Name) == 0 {
			continue
		}
		tool := run.runner.tools.Get(ref.Name)
		if tool == nil {
			continue
		}
		specs = append(specs, ToolSpec{Name: tool.Name, Description: tool.Description, Schema: tool.Schema})
	}

	for _, ref := range def.SubAgents {
		if run.gov.Remaining(inv.Scope, ref.ToolName) == 0 {
			continue
		}
		child, err := run.runner.registry.Get(ref.AgentName)
		if err != nil {
			continue
		}
		specs = append(specs, ToolSpec{Name: ref.ToolName, Description: child.Description, Schema: child.InputSchema()})
	}

	// The escalation hatch is always available unless explicitly capped out.
	if run.gov.Remaining(inv.Scope, toolexec.RouteToHumanTool) != 0 {
		if esc := run.runner.tools.Get(toolexec.RouteToHumanTool); esc != nil {
			declared := false
			for _, ref := range def.Tools {
				if ref.Name == toolexec.RouteToHumanTool {
					declared = true
					break
				}
			}
			if !declared {
				specs = append(specs, ToolSpec{Name: esc.Name, Description: esc.Description, Schema: esc.Schema})
			}
		}
	}

	return specs
}

// recordStep appends the agent_step entry for one planning round.
func (run *Run) recordStep(ctx context.Context, inv *Invocation, round int, offered []ToolSpec, resp *CompletionResponse, action Action) {
	names := make([]string, 0, len(offered))
	for _, s := range offered {
		names = append(names, s.Name)
	}
	input, _ := json.Marshal(map[string]interface{}{"round": round, "offered": names})
	output, _ := json.Marshal(map[string]interface{}{
		"action": action.Kind,
		"name":   action.Name,
		"text":   resp.Text,
	})

	_, err := run.runner.recorder.Append(ctx, trace.Entry{
		TreeID:             inv.TreeID,
		InvocationID:       inv.ID,
		ParentInvocationID: inv.ParentID(),
		Kind:               trace.KindAgentStep,
		Name:               inv.Definition.Name,
		Input:              input,
		Output:             output,
		Success:            true,
	})
	if err != nil {
		run.runner.logger.Error().Err(err).Str("tree_id", inv.TreeID).Msg("Failed to record agent step")
	}
}

// completeWithRetry calls the provider with bounded retries and exponential
// backoff on transient failures.
func (r *Runner) completeWithRetry(ctx context.Context, provider Provider, req CompletionRequest) (*CompletionResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxProviderRetries; attempt++ {
		resp, err := provider.Complete(ctx, req)
		observability.RecordProviderCompletion(provider.Name(), err == nil)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsRetryableError(err) || attempt == r.maxProviderRetries {
			break
		}

		observability.RecordProviderRetry(provider.Name())
		backoff := r.retryBackoff * time.Duration(1<<uint(attempt-1))
		r.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("Provider call failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("provider unavailable: %w", lastErr)
}

// decideAction reduces a provider response to one tagged action. Agents act
// one call at a time; extra proposed calls are ignored and replanned.
func decideAction(resp *CompletionResponse, subRefs map[string]SubAgentRef) Action {
	if len(resp.ToolCalls) > 0 {
		call := resp.ToolCalls[0]
		kind := ActionToolCall
		if _, ok := subRefs[call.Name]; ok {
			kind = ActionSubAgentCall
		}
		return Action{Kind: kind, CallID: call.ID, Name: call.Name, Args: call.Args}
	}
	return Action{Kind: ActionAnswer, Text: resp.Text}
}

// appendExchange adds the assistant's tool call and its resolved result to
// the conversation for the next Evaluating/Planning round.
func appendExchange(messages []Message, text string, action Action, res toolexec.Result) []Message {
	content := string(res.Output)
	if !res.Success {
		content = fmt.Sprintf("ERROR: %s", res.Error)
	}

	messages = append(messages, Message{
		Role:    "assistant",
		Content: text,
		ToolCalls: []ToolUse{{
			ID:   action.CallID,
			Name: action.Name,
			Args: action.Args,
		}},
	})
	return append(messages, Message{
		Role:       "tool",
		ToolCallID: action.CallID,
		Content:    content,
	})
}
