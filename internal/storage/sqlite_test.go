package storage

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedyhq/remedy/pkg/agent"
	"github.com/remedyhq/remedy/pkg/trace"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "remedy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestFailureRecords(t *testing.T) {
	t.Run("should round-trip a failure record", func(t *testing.T) {
		store := openTestStore(t)
		ctx := context.Background()

		record := FailureRecord{
			ID:        "f1",
			Payload:   json.RawMessage(`{"code":"E7","robot":"invoices"}`),
			CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		}
		require.NoError(t, store.SaveFailure(ctx, record))

		got, err := store.GetFailure(ctx, "f1")
		require.NoError(t, err)
		assert.Equal(t, record.ID, got.ID)
		assert.JSONEq(t, string(record.Payload), string(got.Payload))
		assert.Equal(t, record.CreatedAt, got.CreatedAt)
	})

	t.Run("should return ErrNotFound for a missing record", func(t *testing.T) {
		store := openTestStore(t)

		_, err := store.GetFailure(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("should reject a duplicate identity", func(t *testing.T) {
		store := openTestStore(t)
		ctx := context.Background()

		record := FailureRecord{ID: "f1", Payload: json.RawMessage(`{}`), CreatedAt: time.Now()}
		require.NoError(t, store.SaveFailure(ctx, record))
		assert.Error(t, store.SaveFailure(ctx, record))
	})
}

func TestTraceEntries(t *testing.T) {
	t.Run("should read entries back in sequence order", func(t *testing.T) {
		store := openTestStore(t)
		ctx := context.Background()

		parent := "root"
		entries := []trace.Entry{
			{ID: "e1", TreeID: "t1", InvocationID: "root", Seq: 1, Kind: trace.KindAgentStep, Name: "gateway", Success: true, Timestamp: time.Now()},
			{ID: "e3", TreeID: "t1", InvocationID: "root/delegate/1", ParentInvocationID: &parent, Seq: 3, Kind: trace.KindAgentStep, Name: "fixer", Success: true, Timestamp: time.Now()},
			{ID: "e2", TreeID: "t1", InvocationID: "root", Seq: 2, Kind: trace.KindToolCall, Name: "delegate", Input: json.RawMessage(`{"task":"a"}`), Success: false, Timestamp: time.Now()},
		}
		for _, e := range entries {
			require.NoError(t, store.AppendEntry(ctx, e))
		}

		got, err := store.EntriesByTree(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, []string{"e1", "e2", "e3"}, []string{got[0].ID, got[1].ID, got[2].ID})

		assert.Nil(t, got[0].ParentInvocationID)
		require.NotNil(t, got[2].ParentInvocationID)
		assert.Equal(t, "root", *got[2].ParentInvocationID)
		assert.JSONEq(t, `{"task":"a"}`, string(got[1].Input))
		assert.False(t, got[1].Success)
	})

	t.Run("should reject a duplicate sequence within a tree", func(t *testing.T) {
		store := openTestStore(t)
		ctx := context.Background()

		first := trace.Entry{ID: "e1", TreeID: "t1", InvocationID: "root", Seq: 1, Kind: trace.KindAgentStep, Name: "gateway", Timestamp: time.Now()}
		require.NoError(t, store.AppendEntry(ctx, first))

		dup := first
		dup.ID = "e2"
		assert.Error(t, store.AppendEntry(ctx, dup))

		// The same sequence in another tree is fine.
		other := first
		other.ID = "e3"
		other.TreeID = "t2"
		assert.NoError(t, store.AppendEntry(ctx, other))
	})

	t.Run("should isolate trees from each other", func(t *testing.T) {
		store := openTestStore(t)
		ctx := context.Background()

		require.NoError(t, store.AppendEntry(ctx, trace.Entry{ID: "e1", TreeID: "t1", InvocationID: "root", Seq: 1, Kind: trace.KindAgentStep, Name: "gateway", Timestamp: time.Now()}))

		got, err := store.EntriesByTree(ctx, "t2")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestOutcomes(t *testing.T) {
	t.Run("should round-trip a terminal outcome", func(t *testing.T) {
		store := openTestStore(t)
		ctx := context.Background()

		outcome := agent.Outcome{
			TreeID:    "t1",
			Status:    agent.StatusEscalated,
			Reason:    agent.ReasonBudgetExhausted,
			Summary:   "ran out of delegations",
			CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		}
		require.NoError(t, store.SaveOutcome(ctx, outcome))

		got, err := store.GetOutcome(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, outcome, got)
	})

	t.Run("should return ErrNotFound while a tree is still running", func(t *testing.T) {
		store := openTestStore(t)

		_, err := store.GetOutcome(context.Background(), "running")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("should reject a second outcome for the same tree", func(t *testing.T) {
		store := openTestStore(t)
		ctx := context.Background()

		outcome := agent.Outcome{TreeID: "t1", Status: agent.StatusCompleted, Summary: "done", CreatedAt: time.Now()}
		require.NoError(t, store.SaveOutcome(ctx, outcome))

		outcome.Status = agent.StatusFailed
		assert.Error(t, store.SaveOutcome(ctx, outcome))
	})
}

func TestRobotKeys(t *testing.T) {
	t.Run("should validate an enabled key", func(t *testing.T) {
		store := openTestStore(t)
		ctx := context.Background()

		require.NoError(t, store.CreateRobotKey(ctx, RobotKey{Key: "rk-1", Label: "invoices bot", Enabled: true, CreatedAt: time.Now()}))

		ok, err := store.IsRobotKeyValid(ctx, "rk-1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("should reject an unknown key without error", func(t *testing.T) {
		store := openTestStore(t)

		ok, err := store.IsRobotKeyValid(context.Background(), "rk-unknown")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("should reject a disabled key", func(t *testing.T) {
		store := openTestStore(t)
		ctx := context.Background()

		require.NoError(t, store.CreateRobotKey(ctx, RobotKey{Key: "rk-1", Label: "invoices bot", Enabled: true, CreatedAt: time.Now()}))
		require.NoError(t, store.SetRobotKeyEnabled(ctx, "rk-1", false))

		ok, err := store.IsRobotKeyValid(ctx, "rk-1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("should report ErrNotFound when toggling a missing key", func(t *testing.T) {
		store := openTestStore(t)

		err := store.SetRobotKeyEnabled(context.Background(), "rk-missing", false)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPruneTerminated(t *testing.T) {
	t.Run("should prune only trees terminated before the cutoff", func(t *testing.T) {
		store := openTestStore(t)
		ctx := context.Background()
		now := time.Now().UTC()

		seed := func(treeID string, terminatedAt time.Time) {
			require.NoError(t, store.AppendEntry(ctx, trace.Entry{
				ID: treeID + "-e1", TreeID: treeID, InvocationID: "root",
				Seq: 1, Kind: trace.KindAgentStep, Name: "gateway", Timestamp: terminatedAt,
			}))
			require.NoError(t, store.SaveOutcome(ctx, agent.Outcome{
				TreeID: treeID, Status: agent.StatusCompleted, Summary: "done", CreatedAt: terminatedAt,
			}))
		}
		seed("old", now.Add(-48*time.Hour))
		seed("fresh", now)

		// A running tree has entries but no outcome; it must survive.
		require.NoError(t, store.AppendEntry(ctx, trace.Entry{
			ID: "run-e1", TreeID: "running", InvocationID: "root",
			Seq: 1, Kind: trace.KindAgentStep, Name: "gateway", Timestamp: now.Add(-48 * time.Hour),
		}))

		pruned, err := store.PruneTerminated(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), pruned)

		gone, err := store.EntriesByTree(ctx, "old")
		require.NoError(t, err)
		assert.Empty(t, gone)
		_, err = store.GetOutcome(ctx, "old")
		assert.ErrorIs(t, err, ErrNotFound)

		kept, err := store.EntriesByTree(ctx, "fresh")
		require.NoError(t, err)
		assert.Len(t, kept, 1)

		running, err := store.EntriesByTree(ctx, "running")
		require.NoError(t, err)
		assert.Len(t, running, 1)
	})
}

func TestArtifactStore(t *testing.T) {
	t.Run("should round-trip an artifact", func(t *testing.T) {
		artifacts, err := NewArtifactStore(filepath.Join(t.TempDir(), "artifacts"))
		require.NoError(t, err)

		require.NoError(t, artifacts.Save("shot-1.png", strings.NewReader("pixels")))

		rc, err := artifacts.OpenArtifact("shot-1.png")
		require.NoError(t, err)
		defer rc.Close()

		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "pixels", string(data))
	})

	t.Run("should reject traversal keys", func(t *testing.T) {
		artifacts, err := NewArtifactStore(t.TempDir())
		require.NoError(t, err)

		assert.Error(t, artifacts.Save("../escape", strings.NewReader("x")))
		_, err = artifacts.OpenArtifact("a/b")
		assert.Error(t, err)
	})
}
