// Package governance connects the trust core components into the governance
// action flow: every action is written to the audit ledger, positive actions
// regenerate the matching trust dimension, the entity's metrics are
// recalculated and the monitor checks the new score.
package governance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/NexusTrustCore/internal/auditledger"
	"github.com/jmerrifield20/NexusTrustCore/internal/clock"
	"github.com/jmerrifield20/NexusTrustCore/internal/trust/metrics"
	"github.com/jmerrifield20/NexusTrustCore/internal/trust/monitor"
	"go.uber.org/zap"
)

// Dimensions fed by governance actions.
const (
	DimensionVerification = "verification"
	DimensionAttestation  = "attestation"
)

// InitialDimensionScore is the starting value of a dimension that an entity
// has no score for yet.
const InitialDimensionScore = 0.5

// ErrInvalidAction is returned for actions missing required fields.
var ErrInvalidAction = errors.New("invalid governance action")

// EventLogger appends events to the audit ledger.
type EventLogger interface {
	LogEvent(ctx context.Context, entityID string, eventType auditledger.EventType, actorID string, data map[string]any, meta *auditledger.Metadata) (*auditledger.AuditEvent, error)
}

// TrustEngine is the subset of the metrics engine used here. Every change
// goes through UpdateEntityMetrics so the read and the write of a dimension
// happen under one entity lock.
type TrustEngine interface {
	UpdateEntityMetrics(entityID string, fn func(current *metrics.EntityTrustRecord) map[string]any) (*metrics.EntityTrustRecord, bool, error)
	GetEntityMetrics(entityID string) (*metrics.EntityTrustRecord, bool)
	Entities() []string
}

// Regenerator raises trust values.
type Regenerator interface {
	ApplyVerificationRegeneration(trust float64, succeeded bool, entityID string) float64
	ApplyAttestationRegeneration(trust float64, attestationType string, data map[string]any) float64
	ApplyTimeRegeneration(trust float64, lastUpdate, now time.Time, entityID string) float64
}

// TrustChecker evaluates an entity against monitoring thresholds.
type TrustChecker interface {
	CheckEntityTrust(entityID string) []monitor.Alert
}

// Action is a governance action to record.
type Action struct {
	EntityID  string                `json:"entity_id"`
	EventType auditledger.EventType `json:"event_type"`
	ActorID   string                `json:"actor_id"`
	Data      map[string]any        `json:"data,omitempty"`
	Metadata  *auditledger.Metadata `json:"metadata,omitempty"`
}

// Outcome is everything RecordAction produced.
type Outcome struct {
	Event  *auditledger.AuditEvent    `json:"event"`
	Record *metrics.EntityTrustRecord `json:"record,omitempty"`
	Alerts []monitor.Alert            `json:"alerts,omitempty"`
}

// Service runs the governance action flow.
type Service struct {
	ledger  EventLogger
	engine  TrustEngine
	regen   Regenerator
	checker TrustChecker
	clock   clock.Clock
	logger  *zap.Logger
}

// NewService creates a Service.
func NewService(ledger EventLogger, engine TrustEngine, regen Regenerator, checker TrustChecker, logger *zap.Logger) *Service {
	return &Service{
		ledger:  ledger,
		engine:  engine,
		regen:   regen,
		checker: checker,
		clock:   clock.Real{},
		logger:  logger,
	}
}

// SetClock replaces the time source used for idle recovery.
func (s *Service) SetClock(c clock.Clock) {
	s.clock = clock.OrReal(c)
}

// RecordAction logs the action and propagates its trust effects. A ledger
// failure aborts the flow; nothing is regenerated for an unrecorded action.
func (s *Service) RecordAction(ctx context.Context, a Action) (*Outcome, error) {
	if a.EntityID == "" || a.ActorID == "" {
		return nil, fmt.Errorf("%w: entity and actor are required", ErrInvalidAction)
	}

	event, err := s.ledger.LogEvent(ctx, a.EntityID, a.EventType, a.ActorID, a.Data, a.Metadata)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", a.EventType, err)
	}
	out := &Outcome{Event: event}

	dim, ok := dimensionFor(a.EventType)
	if !ok {
		return out, nil
	}

	rec, changed, err := s.engine.UpdateEntityMetrics(a.EntityID, func(cur *metrics.EntityTrustRecord) map[string]any {
		next, ok := s.regenerate(a, currentScore(cur, dim))
		if !ok {
			return nil
		}
		return map[string]any{dim: next}
	})
	if err != nil {
		return out, fmt.Errorf("recalculate trust for %s: %w", a.EntityID, err)
	}
	if !changed {
		return out, nil
	}
	out.Record = rec
	out.Alerts = s.checker.CheckEntityTrust(a.EntityID)

	s.logger.Info("governance action applied",
		zap.String("entity_id", a.EntityID),
		zap.String("event_type", string(a.EventType)),
		zap.String("event_id", event.EventID),
		zap.String("dimension", dim),
		zap.Float64("trust_score", rec.TrustScore),
		zap.Int("alerts", len(out.Alerts)),
	)
	return out, nil
}

// dimensionFor maps an event type to the trust dimension it feeds.
func dimensionFor(t auditledger.EventType) (string, bool) {
	switch t {
	case auditledger.EventTrustVerification, auditledger.EventClaimVerified, auditledger.EventClaimRejected:
		return DimensionVerification, true
	case auditledger.EventAttestationCreated:
		return DimensionAttestation, true
	}
	return "", false
}

// regenerate returns the regenerated value of the action's dimension.
// ok=false means the stored score must be left alone.
func (s *Service) regenerate(a Action, current float64) (next float64, ok bool) {
	switch a.EventType {
	case auditledger.EventAttestationCreated:
		attestationType, _ := a.Data["attestation_type"].(string)
		data := make(map[string]any, len(a.Data)+1)
		for k, v := range a.Data {
			data[k] = v
		}
		data["entity_id"] = a.EntityID
		return s.regen.ApplyAttestationRegeneration(current, attestationType, data), true

	default:
		succeeded := a.EventType != auditledger.EventClaimRejected
		if v, isBool := a.Data["succeeded"].(bool); isBool && a.EventType == auditledger.EventTrustVerification {
			succeeded = v
		}
		// A failure only resets the streak.
		return s.regen.ApplyVerificationRegeneration(current, succeeded, a.EntityID), succeeded
	}
}

func currentScore(rec *metrics.EntityTrustRecord, dim string) float64 {
	if rec != nil {
		if v, ok := rec.Dimensions[dim]; ok {
			return v
		}
	}
	return InitialDimensionScore
}

// ApplyIdleRecovery applies time regeneration to every dimension of the
// entity, measured from the record's last update. It reports false when the
// entity is unknown or no dimension changed.
func (s *Service) ApplyIdleRecovery(entityID string) (*metrics.EntityTrustRecord, bool) {
	return s.recoverIdle(entityID, 0)
}

// recoverIdle raises an entity idle for at least minIdle. The idle check and
// the update run under the entity lock.
func (s *Service) recoverIdle(entityID string, minIdle time.Duration) (*metrics.EntityTrustRecord, bool) {
	if _, ok := s.engine.GetEntityMetrics(entityID); !ok {
		return nil, false
	}

	now := s.clock.Now().UTC()
	rec, changed, err := s.engine.UpdateEntityMetrics(entityID, func(cur *metrics.EntityTrustRecord) map[string]any {
		if cur == nil || now.Sub(cur.LastUpdated) < minIdle {
			return nil
		}
		raised := make(map[string]any)
		for dim, v := range cur.Dimensions {
			if next := s.regen.ApplyTimeRegeneration(v, cur.LastUpdated, now, entityID); next != v {
				raised[dim] = next
			}
		}
		return raised
	})
	if err != nil {
		s.logger.Warn("idle recovery failed", zap.String("entity_id", entityID), zap.Error(err))
		return rec, false
	}
	if !changed {
		return rec, false
	}
	s.checker.CheckEntityTrust(entityID)
	return rec, true
}

// RecoverIdleEntities runs ApplyIdleRecovery for every entity not updated
// within minIdle and returns how many were raised.
func (s *Service) RecoverIdleEntities(minIdle time.Duration) int {
	n := 0
	for _, id := range s.engine.Entities() {
		if _, raised := s.recoverIdle(id, minIdle); raised {
			n++
		}
	}
	if n > 0 {
		s.logger.Info("idle trust recovery", zap.Int("entities", n))
	}
	return n
}
