package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

var ErrWebhookRejected = errors.New("automation webhook rejected request")

// Request es el mensaje del usuario que se entrega al flujo de automatización.
// El flujo responde más tarde llamando al endpoint de publicación.
type Request struct {
	SessionID string `json:"sessionId"`
	ChatInput string `json:"chatInput"`
	TenantID  string `json:"tenantId,omitempty"`
	Source    string `json:"source"`
}

// Forwarder entrega mensajes al flujo externo.
type Forwarder interface {
	Forward(ctx context.Context, req Request) error
}

// WebhookClient envía los mensajes a un webhook HTTP (n8n o similar).
type WebhookClient struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

func NewWebhookClient(url string, timeout time.Duration, logger *zap.Logger) *WebhookClient {
	if strings.TrimSpace(url) == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookClient{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (c *WebhookClient) Forward(ctx context.Context, in Request) error {
	if in.Source == "" {
		in.Source = "public_chat"
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal webhook request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		c.logger.Warn("automation webhook error",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(respBody)),
			zap.String("session_id", in.SessionID),
		)
		return fmt.Errorf("%w: status=%d", ErrWebhookRejected, resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
