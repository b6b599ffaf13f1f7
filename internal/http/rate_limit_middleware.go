package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"nexus-chat/internal/service"
)

// rateLimitMiddleware limita por IP del cliente y sesión.
func rateLimitMiddleware(limiter service.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		key := c.ClientIP() + "|" + c.Param("sessionId")
		if !limiter.Allow(key) {
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			c.Abort()
			return
		}
		c.Next()
	}
}
