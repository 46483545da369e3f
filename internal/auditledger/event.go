package auditledger

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an event does not exist in the store.
	ErrNotFound = errors.New("audit event not found")

	// ErrValidation is returned when an event fails schema validation.
	ErrValidation = errors.New("audit event failed validation")

	// ErrStorage wraps persistence failures on the append path.
	ErrStorage = errors.New("audit storage failure")

	// ErrInvalidFilter is returned by FindEvents for contradictory or unbounded filters.
	ErrInvalidFilter = errors.New("invalid audit filter")
)

// EventType is the closed set of governance events the ledger accepts.
type EventType string

const (
	EventAttestationCreated  EventType = "ATTESTATION_CREATED"
	EventAttestationRevoked  EventType = "ATTESTATION_REVOKED"
	EventClaimCreated        EventType = "CLAIM_CREATED"
	EventClaimVerified       EventType = "CLAIM_VERIFIED"
	EventClaimRejected       EventType = "CLAIM_REJECTED"
	EventAuthorityRegistered EventType = "AUTHORITY_REGISTERED"
	EventAuthorityRevoked    EventType = "AUTHORITY_REVOKED"
	EventPolicyCreated       EventType = "POLICY_CREATED"
	EventPolicyUpdated       EventType = "POLICY_UPDATED"
	EventGovernanceDecision  EventType = "GOVERNANCE_DECISION"
	EventComplianceCheck     EventType = "COMPLIANCE_CHECK"
	EventTrustVerification   EventType = "TRUST_VERIFICATION"
	EventSecurityEvent       EventType = "SECURITY_EVENT"
)

var knownEventTypes = map[EventType]struct{}{
	EventAttestationCreated:  {},
	EventAttestationRevoked:  {},
	EventClaimCreated:        {},
	EventClaimVerified:       {},
	EventClaimRejected:       {},
	EventAuthorityRegistered: {},
	EventAuthorityRevoked:    {},
	EventPolicyCreated:       {},
	EventPolicyUpdated:       {},
	EventGovernanceDecision:  {},
	EventComplianceCheck:     {},
	EventTrustVerification:   {},
	EventSecurityEvent:       {},
}

// Valid reports whether t is a member of the closed event type set.
func (t EventType) Valid() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// TriggersDecay reports whether events of this type are forwarded to the
// Trust Decay Engine after a successful append.
func (t EventType) TriggersDecay() bool {
	switch t {
	case EventAttestationRevoked, EventClaimRejected, EventAuthorityRevoked, EventSecurityEvent:
		return true
	default:
		return false
	}
}

// Severity classifies how significant an event is for downstream consumers.
type Severity string

const (
	SeverityInfo   Severity = "INFO"
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// SchemaVersion is the AuditEvent schema revision written by this ledger.
const SchemaVersion = "1.0"

// DefaultRetentionDays is applied when an event is logged without metadata.
const DefaultRetentionDays = 7 * 365

// Metadata is the retention and classification envelope of an event.
type Metadata struct {
	Severity      Severity `json:"severity"       validate:"required,oneof=INFO LOW MEDIUM HIGH"`
	RetentionDays int      `json:"retention_days" validate:"gte=1"`
	Version       string   `json:"version"        validate:"required"`
}

// Position says on which side of the running hash a proof sibling sits.
type Position string

const (
	Left  Position = "LEFT"
	Right Position = "RIGHT"
)

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Position Position `json:"position" validate:"oneof=LEFT RIGHT"`
	Hash     string   `json:"hash"     validate:"len=64,hexadecimal"`
}

// MerkleProof is the inclusion proof embedded in every AuditEvent.
type MerkleProof struct {
	LeafHash  string      `json:"leaf_hash" validate:"len=64,hexadecimal"`
	Path      []ProofStep `json:"path"      validate:"dive"`
	RootHash  string      `json:"root_hash" validate:"len=64,hexadecimal"`
	TreeSize  int         `json:"tree_size" validate:"gte=1"`
	Timestamp time.Time   `json:"timestamp" validate:"required"`
}

// AuditEvent is a single immutable ledger record.
type AuditEvent struct {
	EventID     string         `json:"event_id"     validate:"required,uuid"`
	EntityID    string         `json:"entity_id"    validate:"required,max=256"`
	EventType   EventType      `json:"event_type"   validate:"required,event_type"`
	Timestamp   time.Time      `json:"timestamp"    validate:"required"`
	ActorID     string         `json:"actor_id"     validate:"required,max=256"`
	EventData   map[string]any `json:"event_data"`
	MerkleProof MerkleProof    `json:"merkle_proof"`
	Metadata    Metadata       `json:"metadata"`
}

// ExpiresAt returns the instant after which the record may be cleaned up.
func (e *AuditEvent) ExpiresAt() time.Time {
	return e.Timestamp.AddDate(0, 0, e.Metadata.RetentionDays)
}

// TreeHead summarises the Merkle tree at a point in time.
type TreeHead struct {
	RootHash    string    `json:"root_hash"    yaml:"root_hash"`
	TreeSize    int       `json:"tree_size"    yaml:"tree_size"`
	LastUpdated time.Time `json:"last_updated" yaml:"last_updated"`
}

// MerkleState is the persisted per-ledger tree: every leaf in append order
// plus the current head.
type MerkleState struct {
	TreeHead
	Leaves []string `json:"leaves"`
}

// Filter selects events in FindEvents. Zero-valued fields match everything.
type Filter struct {
	EntityID  string
	EventType EventType
	ActorID   string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// DefaultFindLimit is used when Filter.Limit is zero.
const DefaultFindLimit = 100

func (f Filter) validate(maxLimit int) error {
	if f.Limit < 0 {
		return errors.Join(ErrInvalidFilter, errors.New("limit must not be negative"))
	}
	if maxLimit > 0 && f.Limit > maxLimit {
		return errors.Join(ErrInvalidFilter, errors.New("limit exceeds the configured scan bound"))
	}
	if f.EventType != "" && !f.EventType.Valid() {
		return errors.Join(ErrInvalidFilter, errors.New("unknown event type "+string(f.EventType)))
	}
	if !f.StartTime.IsZero() && !f.EndTime.IsZero() && f.StartTime.After(f.EndTime) {
		return errors.Join(ErrInvalidFilter, errors.New("start time is after end time"))
	}
	return nil
}

func (f Filter) matches(e *AuditEvent) bool {
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}
