package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/NexusTrustCore/internal/auditledger"
	"github.com/jmerrifield20/NexusTrustCore/internal/governance"
	"github.com/jmerrifield20/NexusTrustCore/internal/identity"
	"go.uber.org/zap"
)

// AuditLedger is the read side of the audit ledger.
type AuditLedger interface {
	GetEvent(ctx context.Context, eventID string) (*auditledger.AuditEvent, error)
	FindEvents(ctx context.Context, f auditledger.Filter) ([]*auditledger.AuditEvent, error)
	VerifyEvent(ctx context.Context, eventID string) auditledger.VerificationResult
	ExportMerkleTree() auditledger.TreeHead
}

// ActionRecorder records governance actions.
type ActionRecorder interface {
	RecordAction(ctx context.Context, a governance.Action) (*governance.Outcome, error)
}

// LedgerHandler exposes the audit ledger and the governance action endpoint.
type LedgerHandler struct {
	ledger   AuditLedger
	recorder ActionRecorder
	tokens   *identity.AdminTokenIssuer
	logger   *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler. recorder may be nil, in which
// case POST /actions is not mounted.
func NewLedgerHandler(ledger AuditLedger, recorder ActionRecorder, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, recorder: recorder, logger: logger}
}

// SetAdminTokens configures the issuer that gates write endpoints.
func (h *LedgerHandler) SetAdminTokens(tokens *identity.AdminTokenIssuer) {
	h.tokens = tokens
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/events", h.FindEvents)
		l.GET("/events/:id", h.GetEvent)
		l.GET("/events/:id/verify", h.VerifyEvent)
		l.GET("/entities/:id/trail", h.EntityTrail)
	}
	if h.recorder != nil {
		rg.POST("/actions", requireAdmin(h.tokens), h.RecordAction)
	}
}

// Overview handles GET /ledger and returns the current tree head.
func (h *LedgerHandler) Overview(c *gin.Context) {
	c.JSON(http.StatusOK, h.ledger.ExportMerkleTree())
}

// FindEvents handles GET /ledger/events. Query parameters: entity_id,
// event_type, actor_id, start and end (RFC 3339) and limit.
func (h *LedgerHandler) FindEvents(c *gin.Context) {
	f := auditledger.Filter{
		EntityID:  c.Query("entity_id"),
		EventType: auditledger.EventType(c.Query("event_type")),
		ActorID:   c.Query("actor_id"),
	}
	var err error
	if f.StartTime, err = queryTime(c, "start"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if f.EndTime, err = queryTime(c, "end"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if f.Limit, err = queryInt(c, "limit"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	events, err := h.ledger.FindEvents(c.Request.Context(), f)
	if errors.Is(err, auditledger.ErrInvalidFilter) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("ledger FindEvents", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// GetEvent handles GET /ledger/events/:id.
func (h *LedgerHandler) GetEvent(c *gin.Context) {
	event, err := h.ledger.GetEvent(c.Request.Context(), c.Param("id"))
	if errors.Is(err, auditledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
		return
	}
	if err != nil {
		h.logger.Error("ledger GetEvent", zap.String("event_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load event"})
		return
	}
	c.JSON(http.StatusOK, event)
}

// VerifyEvent handles GET /ledger/events/:id/verify. Integrity failures are
// reported in the body with status 200; only a missing event is a 404.
func (h *LedgerHandler) VerifyEvent(c *gin.Context) {
	res := h.ledger.VerifyEvent(c.Request.Context(), c.Param("id"))
	if !res.Valid {
		if res.Reason == auditledger.ReasonNotFound {
			c.JSON(http.StatusNotFound, res)
			return
		}
		h.logger.Warn("audit event failed verification",
			zap.String("event_id", res.EventID),
			zap.String("reason", res.Reason),
		)
	}
	c.JSON(http.StatusOK, res)
}

// EntityTrail handles GET /ledger/entities/:id/trail.
func (h *LedgerHandler) EntityTrail(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	events, err := h.ledger.FindEvents(c.Request.Context(), auditledger.Filter{EntityID: c.Param("id"), Limit: limit})
	if errors.Is(err, auditledger.ErrInvalidFilter) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("ledger entity trail", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entity_id": c.Param("id"), "events": events, "count": len(events)})
}

// RecordAction handles POST /actions.
func (h *LedgerHandler) RecordAction(c *gin.Context) {
	var a governance.Action
	if err := c.ShouldBindJSON(&a); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	out, err := h.recorder.RecordAction(c.Request.Context(), a)
	switch {
	case errors.Is(err, governance.ErrInvalidAction), errors.Is(err, auditledger.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil && out != nil:
		// The event is committed even though the trust update failed.
		h.logger.Error("governance action partially applied", zap.Error(err))
		c.JSON(http.StatusAccepted, gin.H{"outcome": out, "error": err.Error()})
		return
	case err != nil:
		h.logger.Error("governance action failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record action"})
		return
	}
	c.JSON(http.StatusCreated, out)
}

func queryTime(c *gin.Context, key string) (time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, errors.New(key + " must be an RFC 3339 timestamp")
	}
	return t, nil
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(key + " must be an integer")
	}
	return n, nil
}
