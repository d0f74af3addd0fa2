package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pagerloop/pagerloop/services"
)

// GroupHandler is the thin read surface over the group collaborator.
type GroupHandler struct {
	Groups *services.GroupService
}

func NewGroupHandler(groups *services.GroupService) *GroupHandler {
	return &GroupHandler{Groups: groups}
}

// GetGroup handles GET /groups/:id
func (h *GroupHandler) GetGroup(c *gin.Context) {
	group, err := h.Groups.GetGroup(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Group not found"})
		return
	}
	c.JSON(http.StatusOK, group)
}

// GetGroupMembers handles GET /groups/:id/members
func (h *GroupHandler) GetGroupMembers(c *gin.Context) {
	members, err := h.Groups.GetGroupMembers(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list group members"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members, "count": len(members)})
}
