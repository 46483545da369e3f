package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/NexusTrustCore/internal/identity"
	"github.com/jmerrifield20/NexusTrustCore/internal/trust/metrics"
	"github.com/jmerrifield20/NexusTrustCore/internal/trust/monitor"
	"github.com/jmerrifield20/NexusTrustCore/internal/trust/regeneration"
	"go.uber.org/zap"
)

// TrustEngine is the metrics engine surface used by TrustHandler.
type TrustEngine interface {
	GetEntityMetrics(entityID string) (*metrics.EntityTrustRecord, bool)
	GetDimensionHistory(entityID, dimension string, limit int) ([]metrics.DimensionPoint, bool)
	GetAggregateHistory(entityID string, limit int) ([]metrics.AggregatePoint, bool)
	Entities() []string
	Config() metrics.Config
	UpdateConfig(patch map[string]any, authToken string) error
}

// RegenerationHistory reads applied regenerations.
type RegenerationHistory interface {
	GetRegenerationHistory(f regeneration.HistoryFilter) []regeneration.Event
}

// AlertService is the monitoring surface used by TrustHandler.
type AlertService interface {
	GetAlerts(f monitor.AlertFilter) []monitor.Alert
	ResolveAlert(alertID string) bool
	Stats() monitor.Stats
}

// TrustHandler exposes entity trust state, alerts and engine configuration.
type TrustHandler struct {
	engine TrustEngine
	regen  RegenerationHistory
	alerts AlertService
	tokens *identity.AdminTokenIssuer
	logger *zap.Logger
}

// NewTrustHandler creates a new TrustHandler.
func NewTrustHandler(engine TrustEngine, regen RegenerationHistory, alerts AlertService, logger *zap.Logger) *TrustHandler {
	return &TrustHandler{engine: engine, regen: regen, alerts: alerts, logger: logger}
}

// SetAdminTokens configures the issuer that gates write endpoints.
func (h *TrustHandler) SetAdminTokens(tokens *identity.AdminTokenIssuer) {
	h.tokens = tokens
}

// Register mounts the trust routes on the given router group.
func (h *TrustHandler) Register(rg *gin.RouterGroup) {
	t := rg.Group("/trust")
	{
		t.GET("/entities", h.ListEntities)
		t.GET("/entities/:id", h.GetEntity)
		t.GET("/entities/:id/history", h.GetHistory)
		t.GET("/entities/:id/regeneration", h.GetRegeneration)
		t.GET("/alerts", h.ListAlerts)
		t.GET("/alerts/stats", h.AlertStats)
		t.POST("/alerts/:id/resolve", requireAdmin(h.tokens), h.ResolveAlert)
		t.GET("/config", h.GetConfig)
		t.PATCH("/config", requireAdmin(h.tokens), h.UpdateConfig)
	}
}

// ListEntities handles GET /trust/entities.
func (h *TrustHandler) ListEntities(c *gin.Context) {
	ids := h.engine.Entities()
	c.JSON(http.StatusOK, gin.H{"entities": ids, "count": len(ids)})
}

// GetEntity handles GET /trust/entities/:id.
func (h *TrustHandler) GetEntity(c *gin.Context) {
	rec, ok := h.engine.GetEntityMetrics(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "entity not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GetHistory handles GET /trust/entities/:id/history. With ?dimension= it
// returns that dimension's history, otherwise the aggregate history.
func (h *TrustHandler) GetHistory(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return
	}

	id := c.Param("id")
	if dim := c.Query("dimension"); dim != "" {
		points, ok := h.engine.GetDimensionHistory(id, dim, limit)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no history for entity dimension"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entity_id": id, "dimension": dim, "history": points})
		return
	}

	points, ok := h.engine.GetAggregateHistory(id, limit)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "entity not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entity_id": id, "history": points})
}

// GetRegeneration handles GET /trust/entities/:id/regeneration.
func (h *TrustHandler) GetRegeneration(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return
	}
	events := h.regen.GetRegenerationHistory(regeneration.HistoryFilter{
		EntityID: c.Param("id"),
		Type:     regeneration.Type(c.Query("type")),
		Limit:    limit,
	})
	c.JSON(http.StatusOK, gin.H{"entity_id": c.Param("id"), "events": events})
}

// ListAlerts handles GET /trust/alerts. Query parameters: entity_id, level,
// resolved (true|false) and limit.
func (h *TrustHandler) ListAlerts(c *gin.Context) {
	f := monitor.AlertFilter{
		EntityID: c.Query("entity_id"),
		Level:    monitor.Level(c.Query("level")),
	}
	if f.Level != "" && f.Level != monitor.LevelCritical && f.Level != monitor.LevelWarning {
		c.JSON(http.StatusBadRequest, gin.H{"error": "level must be critical or warning"})
		return
	}
	if raw := c.Query("resolved"); raw != "" {
		resolved, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "resolved must be true or false"})
			return
		}
		f.Resolved = &resolved
	}
	limit, err := queryInt(c, "limit")
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return
	}
	f.Limit = limit

	alerts := h.alerts.GetAlerts(f)
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// AlertStats handles GET /trust/alerts/stats.
func (h *TrustHandler) AlertStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.alerts.Stats())
}

// ResolveAlert handles POST /trust/alerts/:id/resolve.
func (h *TrustHandler) ResolveAlert(c *gin.Context) {
	id := c.Param("id")
	if !h.alerts.ResolveAlert(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	}
	h.logger.Info("alert resolved via API", zap.String("alert_id", id), zap.String("client_ip", c.ClientIP()))
	c.JSON(http.StatusOK, gin.H{"alert_id": id, "resolved": true})
}

// GetConfig handles GET /trust/config.
func (h *TrustHandler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Config())
}

// UpdateConfig handles PATCH /trust/config. The body is a partial config
// object that is deep-merged into the live configuration.
func (h *TrustHandler) UpdateConfig(c *gin.Context) {
	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	err := h.engine.UpdateConfig(patch, identity.AdminTokenFromCtx(c))
	switch {
	case errors.Is(err, metrics.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	case errors.Is(err, metrics.ErrInvalidConfig):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("trust config update", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update config"})
		return
	}
	c.JSON(http.StatusOK, h.engine.Config())
}
