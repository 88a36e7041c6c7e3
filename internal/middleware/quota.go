package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kinloop/quota-engine/internal/quota"
)

// QuotaGuard runs the admission check for one endpoint name before the
// handler does real work. Denials surface as 429 with the standardized
// rate-limit error shape and a Retry-After header.
func QuotaGuard(checker *quota.Checker, endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := c.GetString("identity")
		tier := c.GetString("tier")

		if identity == "" {
			// Anonymous callers are keyed by client IP on the free tier
			identity = "ip:" + c.ClientIP()
			tier = "free"
		}

		decision := checker.CheckAndConsume(c.Request.Context(), quota.Request{
			Identity: identity,
			Endpoint: endpoint,
			Tier:     tier,
			IP:       c.ClientIP(),
		})

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", decision.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", decision.Remaining))

		if !decision.Allowed {
			c.Header("Retry-After", fmt.Sprintf("%d", decision.RetryAfterSeconds))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       true,
				"code":        decision.Code,
				"message":     "Rate limit exceeded for " + endpoint,
				"retry_after": decision.RetryAfterSeconds,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
