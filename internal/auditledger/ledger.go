package auditledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/NexusTrustCore/internal/clock"
	"github.com/jmerrifield20/NexusTrustCore/internal/decay"
	"go.uber.org/zap"
)

// Config holds ledger configuration.
type Config struct {
	LedgerID             string
	DefaultRetentionDays int
	MaxFindLimit         int // upper bound for Filter.Limit; 0 = unbounded
}

// AppendRecordFunc is an optional callback invoked after every committed append.
type AppendRecordFunc func(eventType EventType, treeSize int)

// VerificationResult is the outcome of VerifyEvent. Integrity failures are
// reported here rather than as errors.
type VerificationResult struct {
	EventID          string    `json:"event_id"`
	Valid            bool      `json:"valid"`
	Reason           string    `json:"reason,omitempty"`
	LeafHash         string    `json:"leaf_hash,omitempty"`
	ComputedLeafHash string    `json:"computed_leaf_hash,omitempty"`
	RootHash         string    `json:"root_hash,omitempty"`
	ComputedRootHash string    `json:"computed_root_hash,omitempty"`
	TreeSize         int       `json:"tree_size,omitempty"`
	CheckedAt        time.Time `json:"checked_at"`
}

// Reasons reported by VerifyEvent for an invalid result.
const (
	ReasonNotFound     = "event not found"
	ReasonLeafMismatch = "leaf hash mismatch"
	ReasonRootMismatch = "root hash mismatch"
	ReasonUncommitted  = "leaf not committed at recorded tree position"
)

// Ledger is the audit ledger service. Appends are serialised by a single
// writer lock; reads share the lock and never observe a half-applied append.
type Ledger struct {
	mu        sync.RWMutex
	state     MerkleState
	store     Store
	validator SchemaValidator
	notifier  decay.Notifier // nil = no decay notifications
	clock     clock.Clock
	newID     func() string
	cfg       Config
	onAppend  AppendRecordFunc
	logger    *zap.Logger
}

// New loads the persisted Merkle state from store and verifies it before
// returning a ready Ledger.
func New(ctx context.Context, store Store, cfg Config, logger *zap.Logger) (*Ledger, error) {
	if cfg.LedgerID == "" {
		cfg.LedgerID = "default"
	}
	if cfg.DefaultRetentionDays <= 0 {
		cfg.DefaultRetentionDays = DefaultRetentionDays
	}

	if err := SelfTest(); err != nil {
		return nil, err
	}
	state, err := store.LoadState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load merkle state: %w", err)
	}
	if err := checkState(state); err != nil {
		return nil, err
	}

	logger.Info("audit ledger loaded",
		zap.String("ledger_id", cfg.LedgerID),
		zap.Int("tree_size", state.TreeSize),
		zap.String("root", state.RootHash),
	)
	return &Ledger{
		state:     *state,
		store:     store,
		validator: NewStructValidator(),
		clock:     clock.Real{},
		newID:     uuid.NewString,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// SetDecayNotifier configures where negative events are forwarded.
func (l *Ledger) SetDecayNotifier(n decay.Notifier) {
	l.notifier = n
}

// SetValidator replaces the default schema validator.
func (l *Ledger) SetValidator(v SchemaValidator) {
	l.validator = v
}

// SetClock replaces the time source.
func (l *Ledger) SetClock(c clock.Clock) {
	l.clock = clock.OrReal(c)
}

// SetIDGenerator replaces the event ID source. IDs must be unique UUIDs.
func (l *Ledger) SetIDGenerator(fn func() string) {
	l.newID = fn
}

// SetAppendRecord configures the append callback.
func (l *Ledger) SetAppendRecord(fn AppendRecordFunc) {
	l.onAppend = fn
}

// LogEvent appends a new event and returns it with its inclusion proof.
// meta may be nil, in which case INFO severity and the default retention apply.
func (l *Ledger) LogEvent(ctx context.Context, entityID string, eventType EventType, actorID string, data map[string]any, meta *Metadata) (*AuditEvent, error) {
	md := l.completeMetadata(meta)

	var payload map[string]any
	if data != nil {
		payload = make(map[string]any, len(data))
		for k, v := range data {
			payload[k] = v
		}
	}

	l.mu.Lock()
	// Microsecond precision survives every store, so the leaf hash is reproducible.
	now := l.clock.Now().UTC().Truncate(time.Microsecond)
	event := &AuditEvent{
		EventID:   l.newID(),
		EntityID:  entityID,
		EventType: eventType,
		Timestamp: now,
		ActorID:   actorID,
		EventData: payload,
		Metadata:  md,
	}

	leaf := LeafHash(event)
	index := len(l.state.Leaves)
	leaves := append(l.state.Leaves[:index:index], leaf)
	root, path := buildPath(leaves, index)
	head := TreeHead{RootHash: root, TreeSize: index + 1, LastUpdated: now}
	event.MerkleProof = MerkleProof{
		LeafHash:  leaf,
		Path:      path,
		RootHash:  root,
		TreeSize:  head.TreeSize,
		Timestamp: now,
	}

	if res := l.validator.Validate(event, md.Version); !res.Valid {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrValidation, strings.Join(res.Errors, "; "))
	}
	if err := l.store.Append(ctx, leaf, head, event); err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	l.state.Leaves = leaves
	l.state.TreeHead = head
	l.mu.Unlock()

	if l.onAppend != nil {
		l.onAppend(eventType, head.TreeSize)
	}
	l.logger.Debug("audit event appended",
		zap.String("event_id", event.EventID),
		zap.String("entity_id", entityID),
		zap.String("event_type", string(eventType)),
		zap.Int("tree_size", head.TreeSize),
	)

	l.notifyDecay(ctx, event)
	return event, nil
}

func (l *Ledger) completeMetadata(meta *Metadata) Metadata {
	md := Metadata{Severity: SeverityInfo, RetentionDays: l.cfg.DefaultRetentionDays, Version: SchemaVersion}
	if meta == nil {
		return md
	}
	if meta.Severity != "" {
		md.Severity = meta.Severity
	}
	if meta.RetentionDays != 0 {
		md.RetentionDays = meta.RetentionDays
	}
	if meta.Version != "" {
		md.Version = meta.Version
	}
	return md
}

// notifyDecay forwards negative events. Failures are logged and never fail the append.
func (l *Ledger) notifyDecay(ctx context.Context, e *AuditEvent) {
	if l.notifier == nil || !e.EventType.TriggersDecay() {
		return
	}

	details := map[string]any{
		"event_id":   e.EventID,
		"actor_id":   e.ActorID,
		"event_data": e.EventData,
	}
	if err := l.notifier.RegisterEvent(ctx, e.EntityID, string(e.EventType), string(e.Metadata.Severity), details); err != nil {
		l.logger.Warn("decay notification failed",
			zap.String("event_id", e.EventID),
			zap.String("entity_id", e.EntityID),
			zap.Error(err),
		)
	}

	if e.EventType != EventAttestationRevoked {
		return
	}
	attestationID, _ := e.EventData["attestation_id"].(string)
	if attestationID == "" {
		return
	}
	attestationType, _ := e.EventData["attestation_type"].(string)
	impact, _ := e.EventData["trust_impact"].(float64)
	if err := l.notifier.RegisterAttestationEvent(ctx, e.EntityID, attestationID, attestationType, impact); err != nil {
		l.logger.Warn("decay attestation notification failed",
			zap.String("event_id", e.EventID),
			zap.String("attestation_id", attestationID),
			zap.Error(err),
		)
	}
}

// GetEvent returns the stored event or ErrNotFound.
func (l *Ledger) GetEvent(ctx context.Context, eventID string) (*AuditEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.store.GetEvent(ctx, eventID)
}

// FindEvents returns events matching every set field of f, newest first.
// A zero Limit means DefaultFindLimit.
func (l *Ledger) FindEvents(ctx context.Context, f Filter) ([]*AuditEvent, error) {
	if err := f.validate(l.cfg.MaxFindLimit); err != nil {
		return nil, err
	}
	if f.Limit == 0 {
		f.Limit = DefaultFindLimit
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	events, err := l.store.FindEvents(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("find events: %w", err)
	}
	if events == nil {
		events = []*AuditEvent{}
	}
	return events, nil
}

// GetEntityAuditTrail returns the most recent events for one entity.
func (l *Ledger) GetEntityAuditTrail(ctx context.Context, entityID string, limit int) ([]*AuditEvent, error) {
	return l.FindEvents(ctx, Filter{EntityID: entityID, Limit: limit})
}

// VerifyEvent recomputes the leaf hash from the stored event fields and the
// root from its proof path. Any mismatch, or a missing event, yields Valid=false.
func (l *Ledger) VerifyEvent(ctx context.Context, eventID string) VerificationResult {
	res := VerificationResult{EventID: eventID, CheckedAt: l.clock.Now().UTC()}

	l.mu.RLock()
	defer l.mu.RUnlock()

	event, err := l.store.GetEvent(ctx, eventID)
	if errors.Is(err, ErrNotFound) {
		res.Reason = ReasonNotFound
		return res
	}
	if err != nil {
		res.Reason = "storage error: " + err.Error()
		return res
	}

	proof := event.MerkleProof
	res.LeafHash = proof.LeafHash
	res.RootHash = proof.RootHash
	res.TreeSize = proof.TreeSize

	res.ComputedLeafHash = LeafHash(event)
	if res.ComputedLeafHash != proof.LeafHash {
		res.Reason = ReasonLeafMismatch
		return res
	}

	res.ComputedRootHash = RootFromPath(proof.LeafHash, proof.Path)
	if res.ComputedRootHash != proof.RootHash {
		res.Reason = ReasonRootMismatch
		return res
	}

	if proof.TreeSize < 1 || proof.TreeSize > len(l.state.Leaves) || l.state.Leaves[proof.TreeSize-1] != proof.LeafHash {
		res.Reason = ReasonUncommitted
		return res
	}

	res.Valid = true
	return res
}

// MerkleRoot returns the current root hash ("" for an empty ledger).
func (l *Ledger) MerkleRoot() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.RootHash
}

// ExportMerkleTree returns the current tree head.
func (l *Ledger) ExportMerkleTree() TreeHead {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.TreeHead
}

// Cleanup deletes event records whose retention period has ended.
// The Merkle leaves stay, so the tree itself is never shortened.
func (l *Ledger) Cleanup(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.store.DeleteExpired(ctx, l.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if n > 0 {
		l.logger.Info("audit retention cleanup", zap.Int("deleted", n))
	}
	return n, nil
}
