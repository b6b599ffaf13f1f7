package chatclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"nexus-chat/internal/domain"
)

const sessionPrefixLen = 12

// ErrRateLimited indica que el backend rechazó el poll por exceso de requests.
var ErrRateLimited = errors.New("rate limited")

// APIClient habla con la API de chat por HTTP. Implementa Sender, Poller y Acker.
type APIClient struct {
	baseURL     string
	accessToken string
	client      *http.Client
}

// NewAPIClient construye el cliente. accessToken, si no está vacío, se envía
// como bearer token en cada request.
func NewAPIClient(baseURL, accessToken string, timeout time.Duration) *APIClient {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &APIClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: strings.TrimSpace(accessToken),
		client:      &http.Client{Timeout: timeout},
	}
}

type sendRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

type pollResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error"`
}

func (c *APIClient) Send(ctx context.Context, sessionID, text string) error {
	body, err := json.Marshal(sendRequest{SessionID: sessionID, Message: text})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, "/api/chat/send", bytes.NewReader(body))
	return err
}

func (c *APIClient) Poll(ctx context.Context, sessionID string) (Reply, bool, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/api/chat/response/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return Reply{}, false, err
	}
	var pr pollResponse
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return Reply{}, false, fmt.Errorf("unmarshal response: %w", err)
	}
	if !pr.Success || strings.TrimSpace(pr.Message) == "" {
		return Reply{}, false, nil
	}
	return Reply{Text: pr.Message, UpdatedAt: pr.UpdatedAt}, true, nil
}

func (c *APIClient) Ack(ctx context.Context, sessionID string, updatedAt time.Time) error {
	path := "/api/chat/response/" + url.PathEscape(sessionID)
	if !updatedAt.IsZero() {
		path += "?updated_at=" + url.QueryEscape(updatedAt.UTC().Format(time.RFC3339Nano))
	}
	_, err := c.do(ctx, http.MethodDelete, path, nil)
	return err
}

func (c *APIClient) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode >= 300 {
		var pr pollResponse
		_ = json.Unmarshal(respBody, &pr)
		if pr.Error != "" {
			return nil, fmt.Errorf("chat api error: status=%d: %s", resp.StatusCode, pr.Error)
		}
		return nil, fmt.Errorf("chat api error: status=%d", resp.StatusCode)
	}
	return respBody, nil
}

// WSSubscriber implementa Subscriber sobre el endpoint websocket de la API.
type WSSubscriber struct {
	baseURL     string
	accessToken string
}

// NewWSSubscriber acepta la URL base http(s) de la API y la convierte a ws(s).
func NewWSSubscriber(baseURL, accessToken string) *WSSubscriber {
	base := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return &WSSubscriber{baseURL: base, accessToken: strings.TrimSpace(accessToken)}
}

// Subscribe abre el websocket de la sesión y reporta la suscripción activa
// sólo después de recibir el evento "subscribed" del servidor.
func (s *WSSubscriber) Subscribe(ctx context.Context, sessionID string, onActive func(), onMessage func(Reply)) error {
	endpoint := s.baseURL + "/api/chat/subscribe/" + url.PathEscape(sessionID)
	opts := &websocket.DialOptions{}
	if s.accessToken != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + s.accessToken}}
	}

	ws, _, err := websocket.Dial(ctx, endpoint, opts)
	if err != nil {
		return fmt.Errorf("dial subscription: %w", err)
	}
	defer ws.CloseNow()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = ws.Close(websocket.StatusNormalClosure, "")
				return ctx.Err()
			}
			return fmt.Errorf("read subscription: %w", err)
		}

		var evt struct {
			domain.ReplyEvent
			Error string `json:"error"`
		}
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case domain.EventTypeSubscribed:
			if onActive != nil {
				onActive()
			}
		case domain.EventTypeBroadcast:
			if evt.Text != "" && onMessage != nil {
				onMessage(Reply{Text: evt.Text, UpdatedAt: evt.UpdatedAt})
			}
		case "error":
			return fmt.Errorf("subscription rejected: %s", evt.Error)
		}
	}
}

func tokenPrefix(accessToken string) string {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(accessToken))
	return hex.EncodeToString(sum[:])[:sessionPrefixLen]
}
