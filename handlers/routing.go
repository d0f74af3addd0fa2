package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pagerloop/pagerloop/db"
	"github.com/pagerloop/pagerloop/services"
)

// RoutingHandler exposes routing table/rule administration, the dry-run
// route simulator and the per-alert routing audit trail.
type RoutingHandler struct {
	Routing *services.RoutingService
}

func NewRoutingHandler(routing *services.RoutingService) *RoutingHandler {
	return &RoutingHandler{Routing: routing}
}

// CreateRoutingTable handles POST /routing/tables
func (h *RoutingHandler) CreateRoutingTable(c *gin.Context) {
	var req db.CreateRoutingTableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetString("user_id")
	table, err := h.Routing.CreateRoutingTable(req, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create routing table"})
		return
	}

	c.JSON(http.StatusCreated, table)
}

// ListRoutingTables handles GET /routing/tables
func (h *RoutingHandler) ListRoutingTables(c *gin.Context) {
	includeInactive := c.Query("include_inactive") == "true"
	tables, err := h.Routing.ListRoutingTables(includeInactive)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list routing tables"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tables": tables, "count": len(tables)})
}

// GetRoutingTable handles GET /routing/tables/:id
func (h *RoutingHandler) GetRoutingTable(c *gin.Context) {
	table, err := h.Routing.GetRoutingTable(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Routing table not found"})
		return
	}
	c.JSON(http.StatusOK, table)
}

// CreateRoutingRule handles POST /routing/tables/:id/rules. Malformed match
// expressions are rejected here, at save time, so evaluation never sees one.
func (h *RoutingHandler) CreateRoutingRule(c *gin.Context) {
	var req db.CreateRoutingRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule, err := h.Routing.CreateRoutingRule(c.Param("id"), req)
	if err != nil {
		if errors.Is(err, db.ErrInvalidMatchExpression) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create routing rule"})
		return
	}

	c.JSON(http.StatusCreated, rule)
}

// DeleteRoutingRule handles DELETE /routing/rules/:ruleId
func (h *RoutingHandler) DeleteRoutingRule(c *gin.Context) {
	if err := h.Routing.DeactivateRoutingRule(c.Param("ruleId")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Routing rule deactivated"})
}

// DeleteRoutingTable handles DELETE /routing/tables/:id
func (h *RoutingHandler) DeleteRoutingTable(c *gin.Context) {
	if err := h.Routing.DeactivateRoutingTable(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Routing table deactivated"})
}

// TestRoute handles POST /routing/test, the "would this alert route
// correctly" simulator. Same evaluation as live routing, no audit log.
func (h *RoutingHandler) TestRoute(c *gin.Context) {
	var req db.TestRouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	attrs := db.AlertAttributes{
		Severity:    req.Severity,
		Source:      req.Source,
		Environment: req.Environment,
		Labels:      req.Labels,
		Metadata:    req.Metadata,
		CreatedAt:   time.Now().UTC(),
	}

	decision, err := h.Routing.TestRoute(attrs)
	if err != nil {
		if errors.Is(err, db.ErrNoRouteMatched) {
			c.JSON(http.StatusOK, gin.H{"matched": false, "message": "No routing rule matched"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Routing evaluation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"matched": true, "decision": decision})
}

// GetRoutingHistory handles GET /routing/history/:alertId
func (h *RoutingHandler) GetRoutingHistory(c *gin.Context) {
	logs, err := h.Routing.GetRoutingHistory(c.Param("alertId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load routing history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}
