package trace

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrUnknownParent is returned when an entry references a parent invocation
// that has no appended entry yet. The recorder rejects forward references so
// the trace is always resolvable in order.
var ErrUnknownParent = errors.New("parent invocation has no appended entry")

// Store persists trace entries durably. Appends must be visible to
// subsequent reads by tree id.
type Store interface {
	AppendEntry(ctx context.Context, entry Entry) error
	EntriesByTree(ctx context.Context, treeID string) ([]Entry, error)
}

// Recorder assigns tree-scoped sequence numbers and appends entries to the
// backing store. Safe for concurrent appends from sibling calls within the
// same tree.
type Recorder struct {
	store  Store
	logger zerolog.Logger

	mu   sync.Mutex
	seqs map[string]uint64
	seen map[string]map[string]struct{}
}

// NewRecorder creates a Recorder over the given store.
func NewRecorder(store Store, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger,
		seqs:   make(map[string]uint64),
		seen:   make(map[string]map[string]struct{}),
	}
}

// Append assigns identity, sequence number, and timestamp to the entry and
// persists it. The sequence number is monotonic per tree regardless of which
// invocation in the tree appends.
func (r *Recorder) Append(ctx context.Context, entry Entry) (Entry, error) {
	if entry.TreeID == "" {
		return Entry{}, fmt.Errorf("trace entry requires a tree id")
	}
	if entry.InvocationID == "" {
		return Entry{}, fmt.Errorf("trace entry requires an invocation id")
	}

	r.mu.Lock()
	if entry.ParentInvocationID != nil {
		if _, ok := r.seen[entry.TreeID][*entry.ParentInvocationID]; !ok {
			r.mu.Unlock()
			return Entry{}, fmt.Errorf("%w: %s", ErrUnknownParent, *entry.ParentInvocationID)
		}
	}

	r.seqs[entry.TreeID]++
	entry.Seq = r.seqs[entry.TreeID]
	if r.seen[entry.TreeID] == nil {
		r.seen[entry.TreeID] = make(map[string]struct{})
	}
	r.seen[entry.TreeID][entry.InvocationID] = struct{}{}
	r.mu.Unlock()

	entry.ID = uuid.NewString()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	if err := r.store.AppendEntry(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("failed to append trace entry: %w", err)
	}

	r.logger.Debug().
		Str("tree_id", entry.TreeID).
		Str("invocation_id", entry.InvocationID).
		Str("kind", string(entry.Kind)).
		Str("name", entry.Name).
		Uint64("seq", entry.Seq).
		Bool("success", entry.Success).
		Msg("Trace entry appended")

	return entry, nil
}

// Tree returns every entry of one invocation tree ordered by sequence
// number.
func (r *Recorder) Tree(ctx context.Context, treeID string) ([]Entry, error) {
	entries, err := r.store.EntriesByTree(ctx, treeID)
	if err != nil {
		return nil, fmt.Errorf("failed to read trace: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Seq < entries[j].Seq
	})
	return entries, nil
}
