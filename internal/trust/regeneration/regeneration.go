// Package regeneration implements the Trust Regeneration Protocol: the ways
// an entity's trust rises through successful verifications, new attestations
// and idle recovery over time. Trust values are owned by the caller; the
// protocol only keeps per-entity verification streaks and a bounded history.
package regeneration

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmerrifield20/NexusTrustCore/internal/clock"
	"go.uber.org/zap"
)

// Type identifies a regeneration mechanism.
type Type string

const (
	TypeVerification Type = "verification"
	TypeAttestation  Type = "attestation"
	TypeTime         Type = "time"
)

// VerificationConfig controls regeneration from successful verifications.
type VerificationConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	BaseFactor          float64 `mapstructure:"base_factor"           validate:"gte=0,lte=1"`
	ConsecutiveBonus    float64 `mapstructure:"consecutive_bonus"     validate:"gte=0,lte=1"`
	MaxConsecutiveBonus float64 `mapstructure:"max_consecutive_bonus" validate:"gte=0,lte=1"`
}

// AttestationConfig controls regeneration from new attestations.
type AttestationConfig struct {
	Enabled bool               `mapstructure:"enabled"`
	Factors map[string]float64 `mapstructure:"factors" validate:"dive,keys,required,endkeys,gte=0,lte=1"`
}

// TimeConfig controls idle recovery.
type TimeConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DailyRate    float64 `mapstructure:"daily_rate"    validate:"gte=0,lte=1"`
	MaximumTrust float64 `mapstructure:"maximum_trust" validate:"gte=0,lte=1"`
}

// Config holds protocol configuration.
type Config struct {
	Verification VerificationConfig `mapstructure:"verification"`
	Attestation  AttestationConfig  `mapstructure:"attestation"`
	Time         TimeConfig         `mapstructure:"time"`
	MaxHistory   int                `mapstructure:"max_history" validate:"gte=1"`
}

// DefaultConfig returns the protocol defaults with every mechanism enabled.
func DefaultConfig() Config {
	return Config{
		Verification: VerificationConfig{
			Enabled:             true,
			BaseFactor:          0.05,
			ConsecutiveBonus:    0.01,
			MaxConsecutiveBonus: 0.05,
		},
		Attestation: AttestationConfig{
			Enabled: true,
			Factors: map[string]float64{
				"identity":   0.10,
				"capability": 0.08,
				"compliance": 0.07,
				"reputation": 0.05,
			},
		},
		Time: TimeConfig{
			Enabled:      true,
			DailyRate:    0.01,
			MaximumTrust: 0.7,
		},
		MaxHistory: 1000,
	}
}

// Validate checks every bound in the config.
func (c Config) Validate() error {
	err := validator.New().Struct(c)
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Errorf("regeneration config: %s: failed %q", fe.Namespace(), fe.Tag())
	}
	return err
}

// Event records one applied regeneration.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      Type           `json:"regeneration_type"`
	EntityID  string         `json:"entity_id,omitempty"`
	OldTrust  float64        `json:"old_trust"`
	NewTrust  float64        `json:"new_trust"`
	Details   map[string]any `json:"details,omitempty"`
}

// HistoryFilter selects events in GetRegenerationHistory. Zero fields match all.
type HistoryFilter struct {
	EntityID string
	Type     Type
	Limit    int
}

// RecordFunc is an optional callback invoked for every recorded event.
type RecordFunc func(t Type, gain float64)

// Protocol applies regeneration. It is safe for concurrent use.
type Protocol struct {
	mu       sync.Mutex
	cfg      Config
	streaks  map[string]int
	history  []Event
	clock    clock.Clock
	onRecord RecordFunc
	logger   *zap.Logger
}

// New creates a Protocol.
func New(cfg Config, logger *zap.Logger) (*Protocol, error) {
	if cfg.MaxHistory == 0 {
		cfg.MaxHistory = DefaultConfig().MaxHistory
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	factors := make(map[string]float64, len(cfg.Attestation.Factors))
	for k, v := range cfg.Attestation.Factors {
		factors[k] = v
	}
	cfg.Attestation.Factors = factors

	return &Protocol{
		cfg:     cfg,
		streaks: make(map[string]int),
		clock:   clock.Real{},
		logger:  logger,
	}, nil
}

// SetClock replaces the time source.
func (p *Protocol) SetClock(c clock.Clock) {
	p.clock = clock.OrReal(c)
}

// SetRecord configures the regeneration callback.
func (p *Protocol) SetRecord(fn RecordFunc) {
	p.onRecord = fn
}

// unit clamps trust into [0, 1]; NaN becomes 0.
func unit(trust float64) float64 {
	if math.IsNaN(trust) || trust < 0 {
		return 0
	}
	return math.Min(trust, 1.0)
}

// raise adds gain to trust without exceeding ceiling. A value already at or
// above the ceiling is returned unchanged so regeneration never lowers trust.
// Callers pass trust through unit first.
func raise(trust, gain, ceiling float64) float64 {
	if trust >= ceiling {
		return trust
	}
	return math.Min(trust+gain, ceiling)
}

// ApplyVerificationRegeneration raises trust after a successful verification.
// Consecutive successes earn a growing bonus up to MaxConsecutiveBonus. A
// failed verification resets the streak and leaves trust unchanged.
func (p *Protocol) ApplyVerificationRegeneration(trust float64, succeeded bool, entityID string) float64 {
	trust = unit(trust)
	p.mu.Lock()
	defer p.mu.Unlock()

	vc := p.cfg.Verification
	if !vc.Enabled {
		return trust
	}
	if !succeeded {
		if p.streaks[entityID] > 0 {
			p.logger.Debug("verification streak reset", zap.String("entity_id", entityID))
		}
		delete(p.streaks, entityID)
		return trust
	}

	p.streaks[entityID]++
	successes := p.streaks[entityID]

	bonus := 0.0
	if vc.ConsecutiveBonus > 0 {
		bonus = math.Min(vc.ConsecutiveBonus*float64(successes-1), vc.MaxConsecutiveBonus)
	}
	next := raise(trust, vc.BaseFactor+bonus, 1.0)

	p.record(TypeVerification, entityID, trust, next, map[string]any{
		"consecutive_successes": successes,
		"factor":                vc.BaseFactor + bonus,
	})
	return next
}

// ApplyAttestationRegeneration raises trust by the fixed factor configured for
// attestationType. Unknown types carry a factor of 0. The entity is read from
// data["entity_id"] when present.
func (p *Protocol) ApplyAttestationRegeneration(trust float64, attestationType string, data map[string]any) float64 {
	trust = unit(trust)
	p.mu.Lock()
	defer p.mu.Unlock()

	ac := p.cfg.Attestation
	if !ac.Enabled {
		return trust
	}
	factor := ac.Factors[attestationType]
	next := raise(trust, factor, 1.0)

	entityID, _ := data["entity_id"].(string)
	details := map[string]any{
		"attestation_type": attestationType,
		"factor":           factor,
	}
	if id, ok := data["attestation_id"].(string); ok {
		details["attestation_id"] = id
	}
	p.record(TypeAttestation, entityID, trust, next, details)
	return next
}

// ApplyTimeRegeneration raises trust by DailyRate per (fractional) day since
// lastUpdate, capped at MaximumTrust. Trust already above MaximumTrust is left
// where it is. A zero now means the current time.
func (p *Protocol) ApplyTimeRegeneration(trust float64, lastUpdate, now time.Time, entityID string) float64 {
	trust = unit(trust)
	p.mu.Lock()
	defer p.mu.Unlock()

	tc := p.cfg.Time
	if !tc.Enabled {
		return trust
	}
	if now.IsZero() {
		now = p.clock.Now()
	}
	days := now.Sub(lastUpdate).Hours() / 24
	if days <= 0 {
		return trust
	}
	next := raise(trust, tc.DailyRate*days, tc.MaximumTrust)

	p.record(TypeTime, entityID, trust, next, map[string]any{
		"days_elapsed":  days,
		"maximum_trust": tc.MaximumTrust,
	})
	return next
}

// record appends to the bounded history. A call that left trust unchanged is
// not recorded. Callers hold p.mu.
func (p *Protocol) record(t Type, entityID string, oldTrust, newTrust float64, details map[string]any) {
	if newTrust == oldTrust {
		return
	}
	p.history = append(p.history, Event{
		Timestamp: p.clock.Now().UTC(),
		Type:      t,
		EntityID:  entityID,
		OldTrust:  oldTrust,
		NewTrust:  newTrust,
		Details:   details,
	})
	if over := len(p.history) - p.cfg.MaxHistory; over > 0 {
		p.history = append([]Event(nil), p.history[over:]...)
	}

	if p.onRecord != nil {
		p.onRecord(t, newTrust-oldTrust)
	}
	p.logger.Debug("trust regenerated",
		zap.String("type", string(t)),
		zap.String("entity_id", entityID),
		zap.Float64("old_trust", oldTrust),
		zap.Float64("new_trust", newTrust),
	)
}

// GetRegenerationHistory returns matching events in chronological order.
// f.Limit > 0 keeps only the most recent matches.
func (p *Protocol) GetRegenerationHistory(f HistoryFilter) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := []Event{}
	for _, e := range p.history {
		if f.EntityID != "" && e.EntityID != f.EntityID {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		out = append(out, e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// ConsecutiveSuccesses returns the entity's current verification streak.
func (p *Protocol) ConsecutiveSuccesses(entityID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streaks[entityID]
}

// Config returns a copy of the protocol configuration.
func (p *Protocol) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg := p.cfg
	cfg.Attestation.Factors = make(map[string]float64, len(p.cfg.Attestation.Factors))
	for k, v := range p.cfg.Attestation.Factors {
		cfg.Attestation.Factors[k] = v
	}
	return cfg
}
