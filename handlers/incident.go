package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/pagerloop/pagerloop/db"
	"github.com/pagerloop/pagerloop/services"
)

// IncidentHandler exposes the incident lifecycle: create (routed), list,
// acknowledge, resolve, assign, manual escalate, event trail.
type IncidentHandler struct {
	Incidents *services.IncidentService
}

func NewIncidentHandler(incidents *services.IncidentService) *IncidentHandler {
	return &IncidentHandler{Incidents: incidents}
}

// CreateIncident handles POST /incidents. Routing decides the group and
// policy; a routing miss still creates the incident, flagged unrouted.
func (h *IncidentHandler) CreateIncident(c *gin.Context) {
	var req db.CreateIncidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actorID := c.GetString("user_id")
	incident, decision, err := h.Incidents.CreateIncident(req, actorID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create incident"})
		return
	}

	response := gin.H{"incident": incident}
	if decision != nil {
		response["route"] = decision
	} else {
		response["warning"] = "no routing rule matched; incident created unrouted"
	}
	c.JSON(http.StatusCreated, response)
}

// WebhookCreateIncident handles POST /webhooks/incident (API-key
// authenticated ingestion). Same flow as CreateIncident without a user
// actor.
func (h *IncidentHandler) WebhookCreateIncident(c *gin.Context) {
	var req db.CreateIncidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	incident, decision, err := h.Incidents.CreateIncident(req, "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create incident"})
		return
	}

	response := gin.H{"incident_id": incident.ID, "status": incident.Status, "unrouted": incident.Unrouted}
	if decision != nil {
		response["group_id"] = decision.TargetGroupID
	}
	c.JSON(http.StatusCreated, response)
}

// ListIncidents handles GET /incidents
func (h *IncidentHandler) ListIncidents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	incidents, err := h.Incidents.ListIncidents(c.Query("status"), c.Query("group_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list incidents"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"incidents": incidents, "count": len(incidents)})
}

// GetIncident handles GET /incidents/:id
func (h *IncidentHandler) GetIncident(c *gin.Context) {
	incident, err := h.Incidents.GetIncident(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Incident not found"})
		return
	}
	c.JSON(http.StatusOK, incident)
}

// AcknowledgeIncident handles POST /incidents/:id/acknowledge
func (h *IncidentHandler) AcknowledgeIncident(c *gin.Context) {
	userID := c.GetString("user_id")
	incident, err := h.Incidents.AcknowledgeIncident(c.Param("id"), userID)
	if err != nil {
		if errors.Is(err, db.ErrIncidentAlreadyResolved) {
			c.JSON(http.StatusConflict, gin.H{"error": "Incident already resolved"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, incident)
}

// ResolveIncident handles POST /incidents/:id/resolve
func (h *IncidentHandler) ResolveIncident(c *gin.Context) {
	userID := c.GetString("user_id")
	incident, err := h.Incidents.ResolveIncident(c.Param("id"), userID)
	if err != nil {
		if errors.Is(err, db.ErrIncidentAlreadyResolved) {
			c.JSON(http.StatusConflict, gin.H{"error": "Incident already resolved"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve incident"})
		return
	}
	c.JSON(http.StatusOK, incident)
}

// AssignIncident handles POST /incidents/:id/assign
func (h *IncidentHandler) AssignIncident(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actorID := c.GetString("user_id")
	incident, err := h.Incidents.AssignIncident(c.Param("id"), req.UserID, actorID)
	if err != nil {
		if errors.Is(err, db.ErrIncidentAlreadyResolved) {
			c.JSON(http.StatusConflict, gin.H{"error": "Incident already resolved"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to assign incident"})
		return
	}
	c.JSON(http.StatusOK, incident)
}

// EscalateIncident handles POST /incidents/:id/escalate, the manual
// advance. Domain errors map to client statuses; an unresolvable target is a
// success with a warning.
func (h *IncidentHandler) EscalateIncident(c *gin.Context) {
	actorID := c.GetString("user_id")
	result, err := h.Incidents.ManualEscalate(c.Param("id"), actorID)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrIncidentAlreadyResolved):
			c.JSON(http.StatusConflict, gin.H{"error": "Cannot escalate a resolved incident"})
		case errors.Is(err, db.ErrEscalationExhausted):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Incident is already at the last escalation level"})
		case errors.Is(err, db.ErrEscalationConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "Incident was escalated concurrently, reload and retry"})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	response := gin.H{"result": result}
	if result.Unresolved {
		response["warning"] = "escalation target had no candidate; level advanced without reassignment"
	}
	c.JSON(http.StatusOK, response)
}

// GetIncidentEvents handles GET /incidents/:id/events
func (h *IncidentHandler) GetIncidentEvents(c *gin.Context) {
	events, err := h.Incidents.GetIncidentEvents(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load incident events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}
