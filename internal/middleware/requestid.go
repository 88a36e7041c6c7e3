package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Attaches a request ID for log correlation, honoring an inbound X-Request-ID
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}
