// Package storage persists the engine's durable state: failure records,
// trace entries, terminal outcomes, and robot keys. SQLite keeps the
// deployment self-contained; everything is retrievable by identity after a
// process restart.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/remedyhq/remedy/pkg/agent"
	"github.com/remedyhq/remedy/pkg/trace"
)

// ErrNotFound is returned when an identity has no persisted row.
var ErrNotFound = errors.New("not found")

// Store wraps a sql.DB connection to the engine database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and runs schema
// migrations.
func Open(path string) (*Store, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS failure_records (
    id TEXT PRIMARY KEY,
    payload TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trace_entries (
    id TEXT PRIMARY KEY,
    tree_id TEXT NOT NULL,
    invocation_id TEXT NOT NULL,
    parent_invocation_id TEXT,
    seq INTEGER NOT NULL,
    kind TEXT NOT NULL,
    name TEXT NOT NULL,
    input TEXT,
    output TEXT,
    success INTEGER NOT NULL,
    artifact_key TEXT,
    timestamp INTEGER NOT NULL,
    UNIQUE (tree_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_trace_entries_tree ON trace_entries(tree_id);

CREATE TABLE IF NOT EXISTS outcomes (
    tree_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    reason TEXT,
    summary TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS robot_keys (
    key TEXT PRIMARY KEY,
    label TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL
);
`
	_, err := s.db.Exec(schema)
	return err
}

// SaveFailure persists a new failure record.
func (s *Store) SaveFailure(ctx context.Context, record FailureRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failure_records (id, payload, created_at) VALUES (?, ?, ?)`,
		record.ID, string(record.Payload), record.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save failure record: %w", err)
	}
	return nil
}

// GetFailure reads a failure record by identity.
func (s *Store) GetFailure(ctx context.Context, id string) (FailureRecord, error) {
	var record FailureRecord
	var payload string
	var createdAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT id, payload, created_at FROM failure_records WHERE id = ?`, id,
	).Scan(&record.ID, &payload, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return FailureRecord{}, fmt.Errorf("failure record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return FailureRecord{}, fmt.Errorf("get failure record: %w", err)
	}

	record.Payload = []byte(payload)
	record.CreatedAt = time.UnixMilli(createdAt).UTC()
	return record, nil
}

// AppendEntry implements trace.Store.
func (s *Store) AppendEntry(ctx context.Context, entry trace.Entry) error {
	var parent interface{}
	if entry.ParentInvocationID != nil {
		parent = *entry.ParentInvocationID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trace_entries
		 (id, tree_id, invocation_id, parent_invocation_id, seq, kind, name, input, output, success, artifact_key, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TreeID, entry.InvocationID, parent, entry.Seq,
		string(entry.Kind), entry.Name, string(entry.Input), string(entry.Output),
		boolToInt(entry.Success), entry.ArtifactKey, entry.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append trace entry: %w", err)
	}
	return nil
}

// EntriesByTree implements trace.Store, returning entries ordered by
// sequence number.
func (s *Store) EntriesByTree(ctx context.Context, treeID string) ([]trace.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tree_id, invocation_id, parent_invocation_id, seq, kind, name, input, output, success, artifact_key, timestamp
		 FROM trace_entries WHERE tree_id = ? ORDER BY seq`, treeID)
	if err != nil {
		return nil, fmt.Errorf("read trace entries: %w", err)
	}
	defer rows.Close()

	var entries []trace.Entry
	for rows.Next() {
		var e trace.Entry
		var parent sql.NullString
		var input, output sql.NullString
		var success int
		var ts int64

		if err := rows.Scan(&e.ID, &e.TreeID, &e.InvocationID, &parent, &e.Seq,
			&e.Kind, &e.Name, &input, &output, &success, &e.ArtifactKey, &ts); err != nil {
			return nil, fmt.Errorf("scan trace entry: %w", err)
		}
		if parent.Valid {
			p := parent.String
			e.ParentInvocationID = &p
		}
		if input.Valid {
			e.Input = []byte(input.String)
		}
		if output.Valid {
			e.Output = []byte(output.String)
		}
		e.Success = success == 1
		e.Timestamp = time.UnixMilli(ts).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveOutcome implements agent.OutcomeStore. The terminal outcome is
// written exactly once per tree; a second write is a programming error and
// surfaces as a constraint violation.
func (s *Store) SaveOutcome(ctx context.Context, outcome agent.Outcome) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes (tree_id, status, reason, summary, created_at) VALUES (?, ?, ?, ?, ?)`,
		outcome.TreeID, string(outcome.Status), outcome.Reason, outcome.Summary, outcome.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save outcome: %w", err)
	}
	return nil
}

// GetOutcome reads the terminal outcome of a tree. ErrNotFound while the
// tree is still running.
func (s *Store) GetOutcome(ctx context.Context, treeID string) (agent.Outcome, error) {
	var o agent.Outcome
	var status string
	var createdAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT tree_id, status, reason, summary, created_at FROM outcomes WHERE tree_id = ?`, treeID,
	).Scan(&o.TreeID, &status, &o.Reason, &o.Summary, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return agent.Outcome{}, fmt.Errorf("outcome for tree %s: %w", treeID, ErrNotFound)
	}
	if err != nil {
		return agent.Outcome{}, fmt.Errorf("get outcome: %w", err)
	}

	o.Status = agent.Status(status)
	o.CreatedAt = time.UnixMilli(createdAt).UTC()
	return o, nil
}

// CreateRobotKey registers a new ingestion credential.
func (s *Store) CreateRobotKey(ctx context.Context, key RobotKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO robot_keys (key, label, enabled, created_at) VALUES (?, ?, ?, ?)`,
		key.Key, key.Label, boolToInt(key.Enabled), key.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create robot key: %w", err)
	}
	return nil
}

// IsRobotKeyValid reports whether a credential exists and is enabled.
func (s *Store) IsRobotKeyValid(ctx context.Context, key string) (bool, error) {
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled FROM robot_keys WHERE key = ?`, key,
	).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check robot key: %w", err)
	}
	return enabled == 1, nil
}

// SetRobotKeyEnabled flips a credential's enabled flag.
func (s *Store) SetRobotKeyEnabled(ctx context.Context, key string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE robot_keys SET enabled = ? WHERE key = ?`, boolToInt(enabled), key)
	if err != nil {
		return fmt.Errorf("update robot key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("robot key: %w", ErrNotFound)
	}
	return nil
}

// PruneTerminated removes traces and outcomes of trees that terminated
// before the cutoff. Failure records are kept; they are the system of
// record for submissions.
func (s *Store) PruneTerminated(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM trace_entries WHERE tree_id IN
		 (SELECT tree_id FROM outcomes WHERE created_at < ?)`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune trace entries: %w", err)
	}
	pruned, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM outcomes WHERE created_at < ?`, cutoff.UnixMilli()); err != nil {
		return 0, fmt.Errorf("prune outcomes: %w", err)
	}

	return pruned, tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
