package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/NexusTrustCore/internal/clock"
	"golang.org/x/time/rate"
)

// RateLimitConfig controls the per-client token buckets.
type RateLimitConfig struct {
	RPS     int           // steady-state requests per second
	Burst   int           // default 2×RPS
	IdleTTL time.Duration // buckets unused this long are dropped; default 10m
	Clock   clock.Clock
	// OnLimited is called with the matched route of every rejected request.
	OnLimited func(route string)
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiters holds one token bucket per client IP.
type clientLimiters struct {
	mu      sync.Mutex
	buckets map[string]*clientBucket
	cfg     RateLimitConfig
}

func newClientLimiters(cfg RateLimitConfig) *clientLimiters {
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RPS * 2
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	cfg.Clock = clock.OrReal(cfg.Clock)
	return &clientLimiters{buckets: make(map[string]*clientBucket), cfg: cfg}
}

func (l *clientLimiters) allow(ip string) bool {
	now := l.cfg.Clock.Now()

	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

// sweep drops idle buckets and returns how many were removed.
func (l *clientLimiters) sweep() int {
	now := l.cfg.Clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for ip, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.cfg.IdleTTL {
			delete(l.buckets, ip)
			n++
		}
	}
	return n
}

// run sweeps every IdleTTL/2 until done is closed. A nil done sweeps forever.
func (l *clientLimiters) run(done <-chan struct{}) {
	ticker := time.NewTicker(l.cfg.IdleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-done:
			return
		}
	}
}

// RateLimiter returns a Gin middleware that enforces per-IP token-bucket
// rate limiting. The idle-bucket sweep stops when done is closed.
func RateLimiter(cfg RateLimitConfig, done <-chan struct{}) gin.HandlerFunc {
	limiters := newClientLimiters(cfg)
	go limiters.run(done)

	return func(c *gin.Context) {
		if limiters.allow(c.ClientIP()) {
			c.Next()
			return
		}
		if cfg.OnLimited != nil {
			cfg.OnLimited(c.FullPath())
		}
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "rate limit exceeded",
		})
	}
}
