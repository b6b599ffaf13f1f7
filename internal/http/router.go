package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"nexus-chat/internal/service"
)

// RouterOptions agrupa las piezas opcionales del router. Los parsers nil
// desactivan la autenticación correspondiente.
type RouterOptions struct {
	WorkerAuth  TokenParser
	ChatAuth    TokenParser
	PollLimiter service.RateLimiter
	HealthCheck func(ctx context.Context) error
}

// NewRouter configura el router de Gin con middlewares y rutas base.
func NewRouter(
	logger *zap.Logger,
	chatH *ChatHandler,
	realtimeH *RealtimeHandler,
	opts RouterOptions,
) *gin.Engine {
	r := gin.New()
	r.Use(zapLoggerMiddleware(logger), gin.Recovery())

	r.GET("/healthz", healthHandler(opts.HealthCheck))

	api := r.Group("/api/chat")

	publish := api.Group("", jsonContentTypeMiddleware())
	if opts.WorkerAuth != nil {
		publish.Use(BearerAuthMiddleware(opts.WorkerAuth))
	}
	publish.POST("/response", chatH.PublishResponse)

	client := api.Group("")
	if opts.ChatAuth != nil {
		client.Use(BearerAuthMiddleware(opts.ChatAuth))
	}
	client.GET("/subscribe/:sessionId", realtimeH.Subscribe)

	rest := client.Group("", jsonContentTypeMiddleware())
	rest.POST("/send", chatH.SendMessage)
	rest.GET("/response/:sessionId", rateLimitMiddleware(opts.PollLimiter), chatH.GetResponse)
	rest.DELETE("/response/:sessionId", chatH.AckResponse)

	return r
}

func healthHandler(check func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if check != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// zapLoggerMiddleware crea un middleware simple de logging con zap.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// jsonContentTypeMiddleware fuerza Content-Type: application/json en responses.
func jsonContentTypeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "application/json")
		c.Next()
	}
}
