package regeneration_test

import (
	"math"
	"testing"
	"testing/quick"
	"time"

	"github.com/jmerrifield20/NexusTrustCore/internal/clock"
	"github.com/jmerrifield20/NexusTrustCore/internal/trust/regeneration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const eps = 1e-12

var epoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func newProtocol(t *testing.T, mutate func(*regeneration.Config)) (*regeneration.Protocol, *clock.Mock) {
	t.Helper()
	cfg := regeneration.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := regeneration.New(cfg, zap.NewNop())
	require.NoError(t, err)
	clk := clock.NewMock(epoch)
	p.SetClock(clk)
	return p, clk
}

func TestVerification_consecutiveBonus(t *testing.T) {
	p, _ := newProtocol(t, nil)

	// base 0.05, bonus 0.01 per prior success, bonus capped at 0.05.
	wantGain := []float64{0.05, 0.06, 0.07, 0.08, 0.09, 0.10, 0.10, 0.10}
	trust := 0.0
	for i, gain := range wantGain {
		next := p.ApplyVerificationRegeneration(trust, true, "entity-A")
		assert.InDeltaf(t, gain, next-trust, 1e-9, "success %d", i+1)
		trust = next
	}
	assert.Equal(t, len(wantGain), p.ConsecutiveSuccesses("entity-A"))
}

func TestVerification_failureResetsStreak(t *testing.T) {
	p, _ := newProtocol(t, nil)

	p.ApplyVerificationRegeneration(0.2, true, "entity-A")
	p.ApplyVerificationRegeneration(0.25, true, "entity-A")
	require.Equal(t, 2, p.ConsecutiveSuccesses("entity-A"))

	got := p.ApplyVerificationRegeneration(0.31, false, "entity-A")
	assert.Equal(t, 0.31, got)
	assert.Equal(t, 0, p.ConsecutiveSuccesses("entity-A"))

	got = p.ApplyVerificationRegeneration(0.31, true, "entity-A")
	assert.InDelta(t, 0.36, got, 1e-9)
	assert.Len(t, p.GetRegenerationHistory(regeneration.HistoryFilter{EntityID: "entity-A"}), 3)
}

func TestVerification_streaksArePerEntity(t *testing.T) {
	p, _ := newProtocol(t, nil)
	p.ApplyVerificationRegeneration(0.1, true, "entity-A")
	p.ApplyVerificationRegeneration(0.1, true, "entity-A")
	p.ApplyVerificationRegeneration(0.1, true, "entity-B")
	assert.Equal(t, 2, p.ConsecutiveSuccesses("entity-A"))
	assert.Equal(t, 1, p.ConsecutiveSuccesses("entity-B"))
}

func TestVerification_zeroBonus(t *testing.T) {
	p, _ := newProtocol(t, func(c *regeneration.Config) { c.Verification.ConsecutiveBonus = 0 })
	trust := 0.0
	for i := 0; i < 4; i++ {
		next := p.ApplyVerificationRegeneration(trust, true, "entity-A")
		assert.InDelta(t, 0.05, next-trust, 1e-9)
		trust = next
	}
}

func TestVerification_capsAtOne(t *testing.T) {
	p, _ := newProtocol(t, nil)
	assert.Equal(t, 1.0, p.ApplyVerificationRegeneration(0.98, true, "entity-A"))
	assert.Equal(t, 1.0, p.ApplyVerificationRegeneration(1.0, true, "entity-A"))
}

func TestAttestation_factors(t *testing.T) {
	p, _ := newProtocol(t, nil)

	tests := []struct {
		kind string
		want float64
	}{
		{"identity", 0.6},
		{"capability", 0.58},
		{"compliance", 0.57},
		{"reputation", 0.55},
		{"unknown", 0.5},
	}
	for _, tt := range tests {
		got := p.ApplyAttestationRegeneration(0.5, tt.kind, map[string]any{"entity_id": "entity-A"})
		assert.InDeltaf(t, tt.want, got, 1e-9, "attestation type %s", tt.kind)
	}
	assert.Equal(t, 1.0, p.ApplyAttestationRegeneration(0.95, "identity", nil))

	// The unknown type gains nothing and is not recorded.
	hist := p.GetRegenerationHistory(regeneration.HistoryFilter{Type: regeneration.TypeAttestation, EntityID: "entity-A"})
	assert.Len(t, hist, len(tests)-1)
	assert.Equal(t, "identity", hist[0].Details["attestation_type"])
}

func TestTime_dailyRateAndCeiling(t *testing.T) {
	p, clk := newProtocol(t, nil)

	got := p.ApplyTimeRegeneration(0.3, epoch, epoch.Add(10*24*time.Hour), "entity-A")
	assert.InDelta(t, 0.4, got, 1e-9)

	got = p.ApplyTimeRegeneration(0.3, epoch, epoch.Add(12*time.Hour), "entity-A")
	assert.InDelta(t, 0.305, got, 1e-9)

	got = p.ApplyTimeRegeneration(0.65, epoch, epoch.Add(30*24*time.Hour), "entity-A")
	assert.Equal(t, 0.7, got)

	// Above the idle ceiling: never lowered.
	got = p.ApplyTimeRegeneration(0.9, epoch, epoch.Add(30*24*time.Hour), "entity-A")
	assert.Equal(t, 0.9, got)

	// Zero current time uses the clock.
	clk.Set(epoch.Add(5 * 24 * time.Hour))
	got = p.ApplyTimeRegeneration(0.1, epoch, time.Time{}, "entity-A")
	assert.InDelta(t, 0.15, got, 1e-9)
}

func TestTime_noElapsedTimeIsNoop(t *testing.T) {
	p, _ := newProtocol(t, nil)
	assert.Equal(t, 0.4, p.ApplyTimeRegeneration(0.4, epoch, epoch, "entity-A"))
	assert.Equal(t, 0.4, p.ApplyTimeRegeneration(0.4, epoch, epoch.Add(-time.Hour), "entity-A"))
	assert.Empty(t, p.GetRegenerationHistory(regeneration.HistoryFilter{}))
}

func TestOutOfRangeTrustIsClamped(t *testing.T) {
	p, _ := newProtocol(t, nil)

	assert.Equal(t, 1.0, p.ApplyVerificationRegeneration(1.5, true, "entity-A"))
	assert.Equal(t, 1.0, p.ApplyVerificationRegeneration(1.5, false, "entity-A"))
	assert.Equal(t, 1.0, p.ApplyAttestationRegeneration(3, "identity", nil))
	assert.InDelta(t, 0.1, p.ApplyAttestationRegeneration(-2, "identity", nil), eps)
	assert.InDelta(t, 0.05, p.ApplyVerificationRegeneration(math.NaN(), true, "entity-B"), eps)
	assert.Equal(t, 1.0, p.ApplyTimeRegeneration(1.2, epoch, epoch.Add(48*time.Hour), "entity-A"))
}

func TestNoGainIsNotRecorded(t *testing.T) {
	p, _ := newProtocol(t, nil)
	var calls int
	p.SetRecord(func(regeneration.Type, float64) { calls++ })

	// Above the idle ceiling: trust stays put and nothing is recorded.
	assert.Equal(t, 0.9, p.ApplyTimeRegeneration(0.9, epoch, epoch.Add(30*24*time.Hour), "entity-A"))
	// Already at the ceiling: the streak still counts.
	assert.Equal(t, 1.0, p.ApplyVerificationRegeneration(1.0, true, "entity-A"))
	assert.Equal(t, 1, p.ConsecutiveSuccesses("entity-A"))
	assert.Equal(t, 0.4, p.ApplyAttestationRegeneration(0.4, "unknown", map[string]any{"entity_id": "entity-A"}))

	assert.Empty(t, p.GetRegenerationHistory(regeneration.HistoryFilter{}))
	assert.Zero(t, calls)
}

func TestDisabledMechanismsAreIdentity(t *testing.T) {
	p, _ := newProtocol(t, func(c *regeneration.Config) {
		c.Verification.Enabled = false
		c.Attestation.Enabled = false
		c.Time.Enabled = false
	})
	assert.Equal(t, 0.3, p.ApplyVerificationRegeneration(0.3, true, "entity-A"))
	assert.Equal(t, 0.3, p.ApplyAttestationRegeneration(0.3, "identity", nil))
	assert.Equal(t, 0.3, p.ApplyTimeRegeneration(0.3, epoch, epoch.Add(48*time.Hour), "entity-A"))
	assert.Equal(t, 0, p.ConsecutiveSuccesses("entity-A"))
	assert.Empty(t, p.GetRegenerationHistory(regeneration.HistoryFilter{}))
}

func TestTrustBoundsProperty(t *testing.T) {
	p, _ := newProtocol(t, nil)
	maxTrust := regeneration.DefaultConfig().Time.MaximumTrust

	f := func(raw float64, succeeded bool, hours uint16, kind uint8) bool {
		trust := math.Abs(math.Mod(raw, 1))
		if math.IsNaN(trust) {
			trust = 0
		}
		kinds := []string{"identity", "capability", "compliance", "reputation", "other"}

		v := p.ApplyVerificationRegeneration(trust, succeeded, "prop")
		if v < trust || v > 1 {
			return false
		}
		a := p.ApplyAttestationRegeneration(trust, kinds[int(kind)%len(kinds)], nil)
		if a < trust || a > 1 {
			return false
		}
		tm := p.ApplyTimeRegeneration(trust, epoch, epoch.Add(time.Duration(hours)*time.Hour), "prop")
		if tm < trust {
			return false
		}
		return trust >= maxTrust || tm <= maxTrust
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestHistory_boundedAndFiltered(t *testing.T) {
	p, clk := newProtocol(t, func(c *regeneration.Config) { c.MaxHistory = 5 })

	for i := 0; i < 8; i++ {
		clk.Advance(time.Minute)
		p.ApplyVerificationRegeneration(0.1, true, "entity-A")
	}
	all := p.GetRegenerationHistory(regeneration.HistoryFilter{})
	require.Len(t, all, 5)
	assert.Equal(t, 4, all[0].Details["consecutive_successes"])
	assert.Equal(t, 8, all[4].Details["consecutive_successes"])

	last2 := p.GetRegenerationHistory(regeneration.HistoryFilter{Limit: 2})
	require.Len(t, last2, 2)
	assert.Equal(t, all[3].Timestamp, last2[0].Timestamp)

	assert.Empty(t, p.GetRegenerationHistory(regeneration.HistoryFilter{Type: regeneration.TypeTime}))
	assert.Empty(t, p.GetRegenerationHistory(regeneration.HistoryFilter{EntityID: "entity-B"}))
}

func TestNew_rejectsInvalidConfig(t *testing.T) {
	cfg := regeneration.DefaultConfig()
	cfg.Time.MaximumTrust = 1.5
	_, err := regeneration.New(cfg, zap.NewNop())
	assert.Error(t, err)

	cfg = regeneration.DefaultConfig()
	cfg.Attestation.Factors["identity"] = -0.1
	_, err = regeneration.New(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestRecordCallback(t *testing.T) {
	p, _ := newProtocol(t, nil)
	var gains []float64
	p.SetRecord(func(_ regeneration.Type, gain float64) { gains = append(gains, gain) })

	p.ApplyAttestationRegeneration(0.2, "identity", nil)
	require.Len(t, gains, 1)
	assert.InDelta(t, 0.1, gains[0], eps)
}
