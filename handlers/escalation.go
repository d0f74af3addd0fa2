package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pagerloop/pagerloop/db"
	"github.com/pagerloop/pagerloop/services"
)

// EscalationPolicyHandler exposes escalation policy administration. Policies
// are scoped to a group; the group id comes from the URL.
type EscalationPolicyHandler struct {
	Escalation *services.EscalationService
}

func NewEscalationPolicyHandler(escalation *services.EscalationService) *EscalationPolicyHandler {
	return &EscalationPolicyHandler{Escalation: escalation}
}

// CreateEscalationPolicy handles POST /groups/:id/escalation-policies
func (h *EscalationPolicyHandler) CreateEscalationPolicy(c *gin.Context) {
	var req db.CreateEscalationPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	policy, err := h.Escalation.CreateEscalationPolicy(c.Param("id"), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, policy)
}

// ListEscalationPolicies handles GET /groups/:id/escalation-policies
func (h *EscalationPolicyHandler) ListEscalationPolicies(c *gin.Context) {
	policies, err := h.Escalation.GetGroupEscalationPolicies(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list escalation policies"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies, "count": len(policies)})
}

// GetEscalationPolicy handles GET /groups/:id/escalation-policies/:policyId
func (h *EscalationPolicyHandler) GetEscalationPolicy(c *gin.Context) {
	policy, err := h.Escalation.GetEscalationPolicy(c.Param("policyId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Escalation policy not found"})
		return
	}
	c.JSON(http.StatusOK, policy)
}

// DeleteEscalationPolicy handles DELETE /groups/:id/escalation-policies/:policyId
func (h *EscalationPolicyHandler) DeleteEscalationPolicy(c *gin.Context) {
	if err := h.Escalation.DeactivateEscalationPolicy(c.Param("policyId")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Escalation policy deactivated"})
}
