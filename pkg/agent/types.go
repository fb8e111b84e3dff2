// Package agent implements the agent execution engine: configured agent
// definitions, the provider abstraction, and the plan/act/evaluate runtime
// that resolves automation failures under strict invocation limits.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/remedyhq/remedy/pkg/toolexec"
)

// Status is the terminal result class of a root invocation.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusEscalated Status = "escalated"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Stable reason codes surfaced on structural failures.
const (
	ReasonProviderUnavailable = "provider_unavailable"
	ReasonBudgetExhausted     = "budget_exhausted"
	ReasonCancelled           = "cancelled"
)

// Outcome is produced exactly once per root invocation.
type Outcome struct {
	TreeID    string    `json:"tree_id"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// OutcomeStore persists terminal outcomes for later retrieval.
type OutcomeStore interface {
	SaveOutcome(ctx context.Context, outcome Outcome) error
}

// ProviderBinding selects which model serves an agent's planning steps.
type ProviderBinding struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// ToolRef attaches a registered tool to an agent with an invocation limit.
// Limit < 0 means unlimited.
type ToolRef struct {
	Name  string `json:"name"`
	Limit int    `json:"limit"`
}

// Argument declares one input of an agent when exposed as a tool.
type Argument struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"` // JSON schema type: string, number, ...
}

// SubAgentRef exposes another agent as a tool of this one.
type SubAgentRef struct {
	ToolName  string `json:"tool_name"`
	AgentName string `json:"agent_name"`
	Limit     int    `json:"limit"`
}

// Definition is a named agent configuration. Read-only to the runtime.
type Definition struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	SystemPrompt string          `json:"system_prompt"`
	Provider     ProviderBinding `json:"provider"`
	Arguments    []Argument      `json:"arguments,omitempty"`
	Tools        []ToolRef       `json:"tools,omitempty"`
	SubAgents    []SubAgentRef   `json:"sub_agents,omitempty"`
	Gateway      bool            `json:"gateway,omitempty"`
}

// Limits returns the per-name invocation limits declared by the definition,
// used to seed the governor scope when the runtime enters this agent.
func (d *Definition) Limits() map[string]int {
	limits := make(map[string]int, len(d.Tools)+len(d.SubAgents))
	for _, t := range d.Tools {
		limits[t.Name] = t.Limit
	}
	for _, sa := range d.SubAgents {
		limits[sa.ToolName] = sa.Limit
	}
	return limits
}

// InputSchema builds the JSON schema describing the definition's arguments
// when the agent is called as a tool.
func (d *Definition) InputSchema() json.RawMessage {
	properties := make(map[string]interface{}, len(d.Arguments))
	required := make([]string, 0, len(d.Arguments))
	for _, arg := range d.Arguments {
		properties[arg.Name] = map[string]interface{}{
			"type":        arg.Type,
			"description": arg.Description,
		}
		required = append(required, arg.Name)
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	raw, _ := json.Marshal(schema)
	return raw
}

// Invocation is one node of an invocation tree: the ephemeral context of a
// single agent run. The scope doubles as the governor key for calls issued
// by this node.
type Invocation struct {
	TreeID     string
	ID         string
	Scope      string
	FailureID  string
	Parent     *Invocation
	Definition *Definition
}

// NewRootInvocation creates the tree's root context.
func NewRootInvocation(treeID, failureID string, def *Definition) *Invocation {
	return &Invocation{
		TreeID:     treeID,
		ID:         "root",
		Scope:      "root",
		FailureID:  failureID,
		Definition: def,
	}
}

// Child derives a nested context for a sub-agent call. The ordinal keeps
// repeated calls to the same sub-agent in distinct scopes.
func (inv *Invocation) Child(def *Definition, toolName string, ordinal int) *Invocation {
	path := fmt.Sprintf("%s/%s/%d", inv.Scope, toolName, ordinal)
	return &Invocation{
		TreeID:     inv.TreeID,
		ID:         path,
		Scope:      path,
		FailureID:  inv.FailureID,
		Parent:     inv,
		Definition: def,
	}
}

// ParentID returns the parent invocation identity, nil for the root.
func (inv *Invocation) ParentID() *string {
	if inv.Parent == nil {
		return nil
	}
	id := inv.Parent.ID
	return &id
}

// CallContext maps the invocation onto the tool layer's call identity.
func (inv *Invocation) CallContext() toolexec.CallContext {
	return toolexec.CallContext{
		TreeID:             inv.TreeID,
		InvocationID:       inv.ID,
		ParentInvocationID: inv.ParentID(),
		Scope:              inv.Scope,
	}
}

// ActionKind discriminates the closed set of planning outcomes.
type ActionKind string

const (
	ActionAnswer       ActionKind = "answer"
	ActionToolCall     ActionKind = "tool_call"
	ActionSubAgentCall ActionKind = "sub_agent_call"
)

// Action is the tagged variant a planning step yields.
type Action struct {
	Kind   ActionKind
	Text   string
	CallID string
	Name   string
	Args   map[string]interface{}
}

// Message is one turn in the conversation fed to the provider.
type Message struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	ToolCalls  []ToolUse `json:"tool_calls,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
}

// ToolUse is a model-proposed tool invocation.
type ToolUse struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// TokenUsage tracks token consumption per completion.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// FailureContext carries the persisted failure record identity and payload
// into the root invocation.
type FailureContext struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Instruction renders the failure for the gateway agent's first user turn.
func (f FailureContext) Instruction() string {
	var b strings.Builder
	b.WriteString("An automation run failed and needs recovery.\n")
	fmt.Fprintf(&b, "Failure record: %s\n", f.ID)
	if len(f.Payload) > 0 {
		fmt.Fprintf(&b, "Failure context:\n%s\n", string(f.Payload))
	}
	return b.String()
}
