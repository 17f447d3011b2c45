package alert

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/siva9177/codeblue/internal/dispatch"
	"github.com/siva9177/codeblue/internal/timeline"
)

// Handlers provides the HTTP command/query surface over the coordinator.
// Authentication and session mechanics live in the surrounding platform,
// not here.
type Handlers struct {
	logger      *zap.Logger
	coordinator *Coordinator
	dispatcher  *dispatch.Dispatcher
}

// NewHandlers creates the alert HTTP handlers
func NewHandlers(logger *zap.Logger, coordinator *Coordinator, dispatcher *dispatch.Dispatcher) *Handlers {
	return &Handlers{
		logger:      logger,
		coordinator: coordinator,
		dispatcher:  dispatcher,
	}
}

// RegisterRoutes mounts the alert routes on a router group
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/alerts", h.CreateAlert)
	rg.GET("/alerts/active", h.ActiveAlerts)
	rg.GET("/alerts/:id", h.GetAlert)
	rg.GET("/alerts/:id/timeline", h.GetTimeline)
	rg.GET("/alerts/:id/attempts", h.GetAttempts)
	rg.POST("/alerts/:id/acknowledge", h.Acknowledge)
	rg.POST("/alerts/:id/resolve", h.Resolve)
	rg.POST("/alerts/:id/cancel", h.Cancel)
}

// CreateAlert handles POST /alerts
func (h *Handlers) CreateAlert(c *gin.Context) {
	var input CreateAlertInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	alert, err := h.coordinator.CreateAlert(c.Request.Context(), input)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, alert)
}

// AcknowledgeRequest is the acknowledge request body
type AcknowledgeRequest struct {
	ActorID uuid.UUID `json:"actor_id" binding:"required"`
	Notes   string    `json:"notes,omitempty"`
}

// Acknowledge handles POST /alerts/:id/acknowledge. Losing the race returns
// 200 with won=false, not an error status.
func (h *Handlers) Acknowledge(c *gin.Context) {
	alertID, ok := h.alertID(c)
	if !ok {
		return
	}

	var req AcknowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	result, err := h.coordinator.Acknowledge(c.Request.Context(), alertID, req.ActorID, req.Notes)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// ActorRequest carries the acting user for resolve operations
type ActorRequest struct {
	ActorID uuid.UUID `json:"actor_id" binding:"required"`
}

// Resolve handles POST /alerts/:id/resolve
func (h *Handlers) Resolve(c *gin.Context) {
	alertID, ok := h.alertID(c)
	if !ok {
		return
	}

	var req ActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	alert, err := h.coordinator.Resolve(c.Request.Context(), alertID, req.ActorID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, alert)
}

// CancelRequest is the cancel request body
type CancelRequest struct {
	ActorID uuid.UUID `json:"actor_id" binding:"required"`
	Reason  string    `json:"reason" binding:"required"`
}

// Cancel handles POST /alerts/:id/cancel
func (h *Handlers) Cancel(c *gin.Context) {
	alertID, ok := h.alertID(c)
	if !ok {
		return
	}

	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	alert, err := h.coordinator.Cancel(c.Request.Context(), alertID, req.ActorID, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, alert)
}

// GetAlert handles GET /alerts/:id
func (h *Handlers) GetAlert(c *gin.Context) {
	alertID, ok := h.alertID(c)
	if !ok {
		return
	}

	alert, err := h.coordinator.GetAlert(c.Request.Context(), alertID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, alert)
}

// ActiveAlerts handles GET /alerts/active with an optional facility_id filter
func (h *Handlers) ActiveAlerts(c *gin.Context) {
	var facilityID *uuid.UUID
	if raw := c.Query("facility_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "facility_id must be a UUID"})
			return
		}
		facilityID = &id
	}

	alerts, err := h.coordinator.ActiveAlerts(c.Request.Context(), facilityID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "total": len(alerts)})
}

// GetTimeline handles GET /alerts/:id/timeline
func (h *Handlers) GetTimeline(c *gin.Context) {
	alertID, ok := h.alertID(c)
	if !ok {
		return
	}

	events, err := h.coordinator.Timeline(c.Request.Context(), alertID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}

// GetAttempts handles GET /alerts/:id/attempts
func (h *Handlers) GetAttempts(c *gin.Context) {
	alertID, ok := h.alertID(c)
	if !ok {
		return
	}

	if _, err := h.coordinator.GetAlert(c.Request.Context(), alertID); err != nil {
		h.respondError(c, err)
		return
	}

	attempts, err := h.dispatcher.AttemptsByAlert(c.Request.Context(), alertID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"attempts": attempts, "total": len(attempts)})
}

func (h *Handlers) alertID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "alert id must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": err.Error()})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, timeline.ErrAuditWriteFailed):
		h.logger.Error("Audit write failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit_write_failed", "message": err.Error()})
	default:
		h.logger.Error("Request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
