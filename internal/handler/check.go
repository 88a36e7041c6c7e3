package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kinloop/quota-engine/internal/quota"
)

type CheckHandler struct {
	checker *quota.Checker
}

func NewCheckHandler(checker *quota.Checker) *CheckHandler {
	return &CheckHandler{checker: checker}
}

type checkRequest struct {
	Identity string `json:"identity" binding:"required"`
	Endpoint string `json:"endpoint" binding:"required"`
	Tier     string `json:"tier"`
}

// Handles POST /v1/check - the admission check consumed by cost-sensitive
// handlers elsewhere in the platform. Denials answer 429 with Retry-After.
func (h *CheckHandler) Check(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "identity and endpoint are required"})
		return
	}

	decision := h.checker.CheckAndConsume(c.Request.Context(), quota.Request{
		Identity: req.Identity,
		Endpoint: req.Endpoint,
		Tier:     req.Tier,
		IP:       c.ClientIP(),
	})

	c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", decision.Limit))
	c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", decision.Remaining))

	if !decision.Allowed {
		c.Header("Retry-After", fmt.Sprintf("%d", decision.RetryAfterSeconds))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       true,
			"code":        decision.Code,
			"message":     "Rate limit exceeded for " + req.Endpoint,
			"retry_after": decision.RetryAfterSeconds,
		})
		return
	}

	c.JSON(http.StatusOK, decision)
}
