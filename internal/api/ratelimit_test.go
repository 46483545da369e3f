package api

import (
	"testing"
	"time"

	"github.com/jmerrifield20/NexusTrustCore/internal/clock"
)

func TestClientLimiters_refillAndSweep(t *testing.T) {
	clk := clock.NewMock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	l := newClientLimiters(RateLimitConfig{RPS: 1, Burst: 1, IdleTTL: time.Minute, Clock: clk})

	if !l.allow("10.0.0.1") {
		t.Fatal("first request rejected")
	}
	if l.allow("10.0.0.1") {
		t.Fatal("burst of 1 allowed a second request")
	}
	if !l.allow("10.0.0.2") {
		t.Fatal("buckets are not per client")
	}

	clk.Advance(time.Second)
	if !l.allow("10.0.0.1") {
		t.Error("bucket did not refill after one second")
	}

	clk.Advance(30 * time.Second)
	l.allow("10.0.0.2")
	clk.Advance(45 * time.Second)
	if n := l.sweep(); n != 1 {
		t.Errorf("sweep removed %d buckets, want 1", n)
	}
	if _, ok := l.buckets["10.0.0.2"]; !ok {
		t.Error("recently used bucket was swept")
	}
}

func TestNewClientLimiters_defaults(t *testing.T) {
	l := newClientLimiters(RateLimitConfig{RPS: 5})
	if l.cfg.Burst != 10 {
		t.Errorf("burst = %d, want 10", l.cfg.Burst)
	}
	if l.cfg.IdleTTL != 10*time.Minute {
		t.Errorf("idle ttl = %v, want 10m", l.cfg.IdleTTL)
	}
}
