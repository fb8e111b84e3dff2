// Package trace records the append-only audit trail of an invocation tree:
// every agent step, tool call, and UI event, totally ordered by a
// tree-scoped sequence number.
package trace

import (
	"encoding/json"
	"time"
)

// Kind discriminates trace entry variants.
type Kind string

const (
	KindAgentStep Kind = "agent_step"
	KindToolCall  Kind = "tool_call"
	KindUIEvent   Kind = "ui_event"
)

// Entry is one immutable record in an invocation tree's trace. Entries are
// created when a step or call resolves, never before, and are never mutated
// afterwards.
type Entry struct {
	ID                 string          `json:"id"`
	TreeID             string          `json:"tree_id"`
	InvocationID       string          `json:"invocation_id"`
	ParentInvocationID *string         `json:"parent_invocation_id,omitempty"`
	Seq                uint64          `json:"seq"`
	Kind               Kind            `json:"kind"`
	Name               string          `json:"name"`
	Input              json.RawMessage `json:"input,omitempty"`
	Output             json.RawMessage `json:"output,omitempty"`
	Success            bool            `json:"success"`
	ArtifactKey        string          `json:"artifact_key,omitempty"`
	Timestamp          time.Time       `json:"timestamp"`
}
