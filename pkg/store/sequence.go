package store

import (
	"context"
	"fmt"
)

// MetaSeqStart is the context-metadata key used by parallel workflows to hand
// a pre-allocated sequence number to the first Step of a branch. Allocate
// consumes the key, so later Steps in the branch take the atomic path.
const MetaSeqStart = "seq_start"

// SequenceManager allocates session-monotonic, gap-free sequence numbers.
// Concurrent branches of one session must never observe duplicates; the store
// enforces atomicity, the manager only layers the pre-allocation handshake on
// top.
type SequenceManager struct {
	store SessionStore
}

// NewSequenceManager creates a SequenceManager backed by the given store.
func NewSequenceManager(store SessionStore) *SequenceManager {
	return &SequenceManager{store: store}
}

// Allocate returns the next sequence number for the session. When meta carries
// a pre-allocated seed under MetaSeqStart it is consumed and returned;
// otherwise the store's atomic counter is incremented. meta belongs to a
// single execution context and is only touched from its own goroutine.
func (m *SequenceManager) Allocate(ctx context.Context, sessionID string, meta map[string]any) (int, error) {
	if meta != nil {
		if v, ok := meta[MetaSeqStart]; ok {
			delete(meta, MetaSeqStart)
			seq, ok := v.(int)
			if !ok {
				return 0, fmt.Errorf("invalid %s metadata value %v", MetaSeqStart, v)
			}
			return seq, nil
		}
	}
	seq, err := m.store.AllocateSequence(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence for session %s: %w", sessionID, err)
	}
	return seq, nil
}
