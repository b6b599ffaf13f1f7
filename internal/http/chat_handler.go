package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"nexus-chat/internal/service"
)

// ChatHandler expone la entrega de respuestas y el envío de mensajes.
type ChatHandler struct {
	logger      *zap.Logger
	delivery    *service.DeliveryService
	automation  *service.AutomationService
	sendLimiter service.RateLimiter
}

// NewChatHandler crea una instancia de ChatHandler con dependencias necesarias.
func NewChatHandler(
	logger *zap.Logger,
	delivery *service.DeliveryService,
	automation *service.AutomationService,
	sendLimiter service.RateLimiter,
) *ChatHandler {
	return &ChatHandler{
		logger:      logger,
		delivery:    delivery,
		automation:  automation,
		sendLimiter: sendLimiter,
	}
}

// PublishResponse maneja POST /api/chat/response. Lo llama el worker de
// automatización cuando la respuesta está lista.
func (h *ChatHandler) PublishResponse(c *gin.Context) {
	var req service.PublishInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid publish request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	err := h.delivery.Publish(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true})
	case errors.Is(err, service.ErrDeliveryInvalidInput):
		h.logger.Warn("publish rejected, missing fields")
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId and text are required"})
	case errors.Is(err, service.ErrDurableWrite):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store response"})
	default:
		h.logger.Error("publish failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not publish response"})
	}
}

// GetResponse maneja GET /api/chat/response/:sessionId, usado por el polling
// del cliente. No modifica el registro.
func (h *ChatHandler) GetResponse(c *gin.Context) {
	resp, ok, err := h.delivery.Fetch(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		if errors.Is(err, service.ErrDeliveryInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid session"})
			return
		}
		h.logger.Error("fetch pending response failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "could not read response"})
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"success": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    resp.Value,
		"updated_at": resp.UpdatedAt,
	})
}

// AckResponse maneja DELETE /api/chat/response/:sessionId. El query param
// updated_at (RFC 3339) limita el borrado a la versión que el cliente mostró.
func (h *ChatHandler) AckResponse(c *gin.Context) {
	var updatedAt time.Time
	if raw := strings.TrimSpace(c.Query("updated_at")); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid updated_at"})
			return
		}
		updatedAt = t
	}
	if err := h.delivery.Acknowledge(c.Request.Context(), c.Param("sessionId"), updatedAt); err != nil {
		if errors.Is(err, service.ErrDeliveryInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session"})
			return
		}
		h.logger.Error("ack pending response failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not acknowledge response"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// SendMessage maneja POST /api/chat/send: el mensaje del usuario hacia el
// flujo de automatización. La respuesta llega después por difusión o polling.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req struct {
		SessionID      string `json:"sessionId"`
		SessionIDSnake string `json:"session_id"`
		Message        string `json:"message"`
		Text           string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid send request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = strings.TrimSpace(req.SessionIDSnake)
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		message = strings.TrimSpace(req.Text)
	}

	if h.sendLimiter != nil && sessionID != "" && !h.sendLimiter.Allow(sessionID) {
		c.Header("Retry-After", "1")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many messages"})
		return
	}

	var tenantID string
	if claims, ok := GetAuthClaims(c); ok {
		tenantID = claims.TenantID
	}

	err := h.automation.Submit(c.Request.Context(), sessionID, tenantID, message)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"success": true})
	case errors.Is(err, service.ErrAutomationInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId and message are required"})
	case errors.Is(err, service.ErrAutomationNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "automation not configured"})
	case errors.Is(err, service.ErrAutomationUpstream):
		h.logger.Warn("automation upstream failed", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not deliver message"})
	default:
		h.logger.Error("send message failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not send message"})
	}
}
