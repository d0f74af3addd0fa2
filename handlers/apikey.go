package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pagerloop/pagerloop/services"
)

// APIKeyHandler manages ingestion API keys. The plaintext key is returned
// exactly once, at creation.
type APIKeyHandler struct {
	APIKeys *services.APIKeyService
}

func NewAPIKeyHandler(apiKeys *services.APIKeyService) *APIKeyHandler {
	return &APIKeyHandler{APIKeys: apiKeys}
}

// CreateAPIKey handles POST /api-keys
func (h *APIKeyHandler) CreateAPIKey(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	createdBy := c.GetString("user_id")
	key, plaintext, err := h.APIKeys.CreateAPIKey(req.Name, createdBy)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create API key"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"api_key": key, "key": plaintext})
}

// RevokeAPIKey handles DELETE /api-keys/:id
func (h *APIKeyHandler) RevokeAPIKey(c *gin.Context) {
	if err := h.APIKeys.RevokeAPIKey(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "API key revoked"})
}
