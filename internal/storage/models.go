package storage

import (
	"encoding/json"
	"time"
)

// FailureRecord is one submitted automation failure. Written once at
// ingestion, immutable afterwards.
type FailureRecord struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// RobotKey is a pre-issued ingestion credential. Issuance and rotation
// happen on an external surface; the engine only checks validity.
type RobotKey struct {
	Key       string    `json:"key"`
	Label     string    `json:"label"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}
