package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"nexus-chat/internal/domain"
	"nexus-chat/internal/realtime"
)

const (
	subscribeTimeout = 5 * time.Second
	pingInterval     = 25 * time.Second
	eventBufferSize  = 8
)

// RealtimeHandler reenvía los eventos del canal de una sesión a un websocket.
type RealtimeHandler struct {
	logger  *zap.Logger
	bus     realtime.Bus
	origins []string
}

func NewRealtimeHandler(logger *zap.Logger, bus realtime.Bus, origins []string) *RealtimeHandler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &RealtimeHandler{logger: logger, bus: bus, origins: origins}
}

// Subscribe maneja GET /api/chat/subscribe/:sessionId. Envía un evento
// "subscribed" cuando el canal queda activo; los mensajes difundidos antes de
// ese momento no se reenvían.
func (h *RealtimeHandler) Subscribe(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Param("sessionId"))
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session"})
		return
	}
	if h.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime not configured"})
		return
	}

	ws, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "subscription ended"); closeErr != nil {
			h.logger.Debug("websocket close failed", zap.String("session_id", sessionID), zap.Error(closeErr))
		}
	}()

	// CloseRead cancela ctx cuando el cliente cierra la conexión.
	ctx := ws.CloseRead(c.Request.Context())

	events := make(chan domain.ReplyEvent, eventBufferSize)
	ch := h.bus.Open(sessionID)
	defer ch.Close()

	subCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	err = ch.Subscribe(subCtx, func(evt domain.ReplyEvent) {
		select {
		case events <- evt:
		default:
			h.logger.Warn("subscriber too slow, event dropped", zap.String("session_id", sessionID))
		}
	})
	cancel()
	if err != nil {
		h.logger.Warn("channel subscribe failed", zap.String("session_id", sessionID), zap.Error(err))
		_ = writeJSON(ctx, ws, gin.H{"type": "error", "error": "subscribe_failed"})
		return
	}

	if err := writeJSON(ctx, ws, domain.ReplyEvent{Type: domain.EventTypeSubscribed, SessionID: sessionID}); err != nil {
		return
	}
	h.logger.Debug("realtime subscription active", zap.String("session_id", sessionID))

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			if err := writeJSON(ctx, ws, evt); err != nil {
				h.logger.Debug("websocket write failed", zap.String("session_id", sessionID), zap.Error(err))
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
