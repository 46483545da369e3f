package auditledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory, thread-safe Store implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryStore struct {
	mu     sync.RWMutex
	head   TreeHead
	leaves []string
	events map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]byte)}
}

// LoadState implements Store.
func (s *MemoryStore) LoadState(_ context.Context) (*MerkleState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	leaves := make([]string, len(s.leaves))
	copy(leaves, s.leaves)
	return &MerkleState{TreeHead: s.head, Leaves: leaves}, nil
}

// Append implements Store. Records are kept encoded so callers can never
// mutate what is stored through a returned pointer.
func (s *MemoryStore) Append(_ context.Context, leaf string, head TreeHead, event *AuditEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.events[event.EventID]; dup {
		return fmt.Errorf("event %s already stored", event.EventID)
	}
	if head.TreeSize != len(s.leaves)+1 {
		return fmt.Errorf("tree size %d does not extend stored size %d", head.TreeSize, len(s.leaves))
	}
	s.leaves = append(s.leaves, leaf)
	s.head = head
	s.events[event.EventID] = raw
	return nil
}

// GetEvent implements Store.
func (s *MemoryStore) GetEvent(_ context.Context, eventID string) (*AuditEvent, error) {
	s.mu.RLock()
	raw, ok := s.events[eventID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decodeEvent(raw)
}

// FindEvents implements Store. It is a linear scan over every stored record.
func (s *MemoryStore) FindEvents(_ context.Context, f Filter) ([]*AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AuditEvent
	for _, raw := range s.events {
		e, err := decodeEvent(raw)
		if err != nil {
			return nil, err
		}
		if f.matches(e) {
			out = append(out, e)
		}
	}
	sortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// DeleteExpired implements Store.
func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, raw := range s.events {
		e, err := decodeEvent(raw)
		if err != nil {
			return n, err
		}
		if e.ExpiresAt().Before(now) {
			delete(s.events, id)
			n++
		}
	}
	return n, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// Tamper overwrites a stored record in place, bypassing the ledger. It exists
// so integrity checks can be exercised against a modified store.
func (s *MemoryStore) Tamper(eventID string, mutate func(*AuditEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.events[eventID]
	if !ok {
		return ErrNotFound
	}
	e, err := decodeEvent(raw)
	if err != nil {
		return err
	}
	mutate(e)
	raw, err = json.Marshal(e)
	if err != nil {
		return err
	}
	s.events[eventID] = raw
	return nil
}

func decodeEvent(raw []byte) (*AuditEvent, error) {
	e := &AuditEvent{}
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}
