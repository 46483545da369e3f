package auditledger

import (
	"context"
	"sort"
	"time"
)

// Store persists the Merkle state and the event records of one ledger instance.
// Implementations must make Append atomic: either the new leaf, the new tree
// head and the event record are all durable, or none of them are.
type Store interface {
	// LoadState returns the persisted tree, or an empty state for a new ledger.
	LoadState(ctx context.Context) (*MerkleState, error)

	// Append persists one leaf, the tree head it produced, and the event.
	Append(ctx context.Context, leaf string, head TreeHead, event *AuditEvent) error

	// GetEvent returns ErrNotFound when eventID is unknown.
	GetEvent(ctx context.Context, eventID string) (*AuditEvent, error)

	// FindEvents returns matches ordered by timestamp, newest first.
	FindEvents(ctx context.Context, f Filter) ([]*AuditEvent, error)

	// DeleteExpired removes event records whose retention ended before now.
	// Leaves are never removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	Close() error
}

// sortNewestFirst orders events by timestamp descending, breaking ties by
// event ID so results are stable across stores.
func sortNewestFirst(events []*AuditEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].EventID > events[j].EventID
		}
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}
