package ingest

import (
	"context"
	"encoding/json"

	"github.com/remedyhq/remedy/internal/storage"
	"github.com/remedyhq/remedy/pkg/agent"
)

// RobotKeyHeader carries the pre-issued ingestion credential.
const RobotKeyHeader = "X-Robot-Key"

// Store is the persistence surface the ingestion channel needs.
type Store interface {
	SaveFailure(ctx context.Context, record storage.FailureRecord) error
	GetFailure(ctx context.Context, id string) (storage.FailureRecord, error)
	GetOutcome(ctx context.Context, treeID string) (agent.Outcome, error)
	IsRobotKeyValid(ctx context.Context, key string) (bool, error)
}

// ExceptionMessage is the inbound submission on the websocket channel.
type ExceptionMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AcceptedMessage acknowledges a submission. It is sent as soon as the
// failure record is persisted and the run is prepared, before any
// recovery work happens.
type AcceptedMessage struct {
	Type      string `json:"type"`
	FailureID string `json:"failure_id"`
	TreeID    string `json:"tree_id"`
}

// DoneMessage reports the terminal outcome of a run back to the
// submitting connection, if it is still open.
type DoneMessage struct {
	Type    string `json:"type"`
	TreeID  string `json:"tree_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Summary string `json:"summary"`
}

// ErrorMessage reports a per-message failure without closing the
// connection.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
