// Package api is the operational HTTP surface of trustd: health, Prometheus
// metrics, read access to the audit ledger and trust state, and a small set
// of admin-token gated write operations.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/NexusTrustCore/internal/identity"
	"github.com/jmerrifield20/NexusTrustCore/internal/telemetry"
	"go.uber.org/zap"
)

// RouterConfig controls the middleware stack built by NewRouter.
type RouterConfig struct {
	CORSOrigins  []string
	RateLimitRPS int   // 0 disables per-IP rate limiting
	MaxBodyBytes int64 // default 1 MB
	// Done stops background middleware goroutines when closed.
	Done <-chan struct{}
}

// Registrar mounts routes on the /api/v1 group.
type Registrar interface {
	Register(rg *gin.RouterGroup)
}

// NewRouter builds the gin engine with the shared middleware stack, the
// unauthenticated /healthz and /metrics endpoints and every registrar under
// /api/v1.
func NewRouter(cfg RouterConfig, logger *zap.Logger, registrars ...Registrar) *gin.Engine {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	router := gin.New()
	router.Use(gin.Recovery())

	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: !containsWildcard(cfg.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, cfg.MaxBodyBytes)
		c.Next()
	})

	if cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(RateLimitConfig{
			RPS:       cfg.RateLimitRPS,
			OnLimited: telemetry.RecordRateLimited,
		}, cfg.Done))
	}
	router.Use(RequestLogger(logger))
	router.Use(telemetry.PrometheusMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", telemetry.MetricsHandler())

	v1 := router.Group("/api/v1")
	for _, r := range registrars {
		r.Register(v1)
	}
	return router
}

// RequestLogger returns a Gin middleware that logs each request with zap.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// requireAdmin gates a route on an admin token. With no issuer configured
// the admin API is disabled.
func requireAdmin(tokens *identity.AdminTokenIssuer) gin.HandlerFunc {
	if tokens == nil {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "admin API disabled: no admin token secret configured",
			})
		}
	}
	return identity.RequireAdmin(tokens)
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
