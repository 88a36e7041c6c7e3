package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kinloop/quota-engine/internal/scheduler"
)

type ClaimHandler struct {
	dedup *scheduler.Deduplicator
}

func NewClaimHandler(dedup *scheduler.Deduplicator) *ClaimHandler {
	return &ClaimHandler{dedup: dedup}
}

type claimRequest struct {
	FunctionName  string `json:"function_name" binding:"required"`
	InvocationKey string `json:"invocation_key"`
}

// Handles POST /v1/claim - at-most-once claims for cron-triggered functions
func (h *ClaimHandler) Claim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "function_name is required"})
		return
	}

	duplicate, err := h.dedup.Claim(c.Request.Context(), req.FunctionName, req.InvocationKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"duplicate": false,
			"error":     err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"duplicate": duplicate})
}
