package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kinloop/quota-engine/internal/telemetry"
)

type TelemetryHandler struct {
	sink *telemetry.Sink
}

func NewTelemetryHandler(sink *telemetry.Sink) *TelemetryHandler {
	return &TelemetryHandler{sink: sink}
}

// Handles GET /admin/telemetry/summary?endpoint=...&hours=24
func (h *TelemetryHandler) GetSummary(c *gin.Context) {
	endpoint := c.Query("endpoint")
	if endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint query parameter is required"})
		return
	}

	hours := 24
	if hoursStr := c.Query("hours"); hoursStr != "" {
		if parsed, err := strconv.Atoi(hoursStr); err == nil && parsed > 0 && parsed <= 24*30 {
			hours = parsed
		}
	}

	summary, err := h.sink.Summarize(c.Request.Context(), endpoint, hours)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, summary)
}

// Handles GET /admin/telemetry/live?endpoint=...&outcome=denied
func (h *TelemetryHandler) GetLiveCount(c *gin.Context) {
	endpoint := c.Query("endpoint")
	if endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint query parameter is required"})
		return
	}

	outcome := c.DefaultQuery("outcome", "denied")

	count, err := h.sink.LiveCount(c.Request.Context(), endpoint, outcome)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"endpoint": endpoint,
		"outcome":  outcome,
		"count":    count,
	})
}
