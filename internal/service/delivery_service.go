package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"nexus-chat/internal/domain"
	"nexus-chat/internal/realtime"
	"nexus-chat/internal/repository"
)

const defaultBroadcastTimeout = 3 * time.Second

var (
	ErrDeliveryServiceNotConfigured = errors.New("delivery service not configured")
	ErrDeliveryInvalidInput         = errors.New("delivery invalid input")
	ErrDurableWrite                 = errors.New("pending response write failed")
	ErrBroadcast                    = errors.New("broadcast failed")
)

// PublishInput es el cuerpo que envía el worker de automatización. Cada
// campo puede llegar con dos nombres distintos según el flujo que lo arme.
type PublishInput struct {
	SessionID      string `json:"sessionId"`
	SessionIDSnake string `json:"session_id"`
	Text           string `json:"text"`
	Message        string `json:"message"`
}

// Normalize resuelve los alias y quita un único "=" inicial, artefacto de las
// plantillas. El texto se conserva tal cual; el id de sesión se recorta.
func (in PublishInput) Normalize() (sessionID, text string) {
	sessionID = firstNonEmpty(in.SessionID, in.SessionIDSnake)
	text = firstNonEmpty(in.Text, in.Message)
	return strings.TrimSpace(stripTemplateArtifact(strings.TrimSpace(sessionID))), stripTemplateArtifact(text)
}

// DeliveryOptions ajusta el comportamiento de DeliveryService.
type DeliveryOptions struct {
	KeyPrefix        string
	BroadcastTimeout time.Duration
}

// DeliveryService entrega respuestas finalizadas por dos caminos: la tabla de
// respuestas pendientes (garantizado) y el canal de difusión (best-effort).
type DeliveryService struct {
	logger           *zap.Logger
	responses        repository.ResponseRepository
	bus              realtime.Bus
	prefix           string
	broadcastTimeout time.Duration
	now              func() time.Time

	wg sync.WaitGroup
}

func NewDeliveryService(logger *zap.Logger, responses repository.ResponseRepository, bus realtime.Bus, opts DeliveryOptions) *DeliveryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = domain.DefaultResponseKeyPrefix
	}
	if opts.BroadcastTimeout <= 0 {
		opts.BroadcastTimeout = defaultBroadcastTimeout
	}
	return &DeliveryService{
		logger:           logger,
		responses:        responses,
		bus:              bus,
		prefix:           opts.KeyPrefix,
		broadcastTimeout: opts.BroadcastTimeout,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// Publish guarda la respuesta y lanza la difusión. Devuelve nil si la
// escritura durable tuvo éxito, sin importar el resultado de la difusión.
// La difusión se intenta incluso cuando la escritura falla.
func (s *DeliveryService) Publish(ctx context.Context, in PublishInput) error {
	if s == nil || s.responses == nil {
		return ErrDeliveryServiceNotConfigured
	}
	sessionID, text := in.Normalize()
	if sessionID == "" || strings.TrimSpace(text) == "" {
		return ErrDeliveryInvalidInput
	}

	// updated_at identifica esta versión del registro; timestamptz guarda
	// microsegundos, así que el valor difundido debe coincidir con el leído.
	resp := domain.PendingResponse{
		Key:       domain.ResponseKey(s.prefix, sessionID),
		SessionID: sessionID,
		Value:     text,
		UpdatedAt: s.now().Truncate(time.Microsecond),
	}

	var durableErr error
	if err := s.responses.Upsert(ctx, resp); err != nil {
		s.logger.Error("pending response write failed, poll fallback unavailable",
			zap.String("session_id", sessionID),
			zap.String("key", resp.Key),
			zap.Error(err),
		)
		durableErr = fmt.Errorf("%w: %w", ErrDurableWrite, err)
	}

	evt := domain.NewReplyEvent(sessionID, text)
	if durableErr == nil {
		evt.UpdatedAt = resp.UpdatedAt
	}
	s.broadcastAsync(evt)
	return durableErr
}

func (s *DeliveryService) broadcastAsync(evt domain.ReplyEvent) {
	sessionID := evt.SessionID
	if s.bus == nil {
		s.logger.Debug("broadcast skipped, no bus configured", zap.String("session_id", sessionID))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// El contexto del request termina al responder; la difusión usa el suyo.
		ctx, cancel := context.WithTimeout(context.Background(), s.broadcastTimeout)
		defer cancel()
		if err := s.Broadcast(ctx, evt); err != nil {
			s.logger.Warn("broadcast not delivered",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
			return
		}
		s.logger.Debug("broadcast sent", zap.String("session_id", sessionID))
	}()
}

// Broadcast abre el canal de la sesión, espera a que quede activo, envía un
// único evento y lo cierra.
func (s *DeliveryService) Broadcast(ctx context.Context, evt domain.ReplyEvent) error {
	if s == nil || s.bus == nil {
		return ErrDeliveryServiceNotConfigured
	}
	ch := s.bus.Open(evt.SessionID)
	defer ch.Close()

	if err := ch.Subscribe(ctx, nil); err != nil {
		return fmt.Errorf("%w: subscribe: %w", ErrBroadcast, err)
	}
	select {
	case <-ch.Ready():
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for channel: %w", ErrBroadcast, ctx.Err())
	}
	if err := ch.Send(ctx, evt); err != nil {
		return fmt.Errorf("%w: send: %w", ErrBroadcast, err)
	}
	return nil
}

// Fetch devuelve la respuesta pendiente de una sesión sin modificarla.
func (s *DeliveryService) Fetch(ctx context.Context, sessionID string) (domain.PendingResponse, bool, error) {
	if s == nil || s.responses == nil {
		return domain.PendingResponse{}, false, ErrDeliveryServiceNotConfigured
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.PendingResponse{}, false, ErrDeliveryInvalidInput
	}
	resp, err := s.responses.Get(ctx, domain.ResponseKey(s.prefix, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PendingResponse{}, false, nil
		}
		return domain.PendingResponse{}, false, err
	}
	resp.SessionID = sessionID
	return resp, true, nil
}

// Acknowledge borra la respuesta pendiente una vez consumida. Con updatedAt
// sólo borra esa versión del registro: si ya llegó una respuesta más nueva,
// la deja. Sin updatedAt borra lo que haya. Es idempotente.
func (s *DeliveryService) Acknowledge(ctx context.Context, sessionID string, updatedAt time.Time) error {
	if s == nil || s.responses == nil {
		return ErrDeliveryServiceNotConfigured
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrDeliveryInvalidInput
	}
	key := domain.ResponseKey(s.prefix, sessionID)
	if updatedAt.IsZero() {
		return s.responses.Delete(ctx, key)
	}
	deleted, err := s.responses.DeleteVersion(ctx, key, updatedAt)
	if err != nil {
		return err
	}
	if !deleted {
		s.logger.Debug("ack skipped, pending response changed", zap.String("session_id", sessionID))
	}
	return nil
}

// Sweep elimina respuestas que nadie consumió en maxAge.
func (s *DeliveryService) Sweep(ctx context.Context, maxAge time.Duration) (int64, error) {
	if s == nil || s.responses == nil {
		return 0, ErrDeliveryServiceNotConfigured
	}
	if maxAge <= 0 {
		return 0, ErrDeliveryInvalidInput
	}
	return s.responses.DeleteStale(ctx, s.prefix, s.now().Add(-maxAge))
}

// Wait bloquea hasta que terminen las difusiones en curso.
func (s *DeliveryService) Wait() {
	if s == nil {
		return
	}
	s.wg.Wait()
}

func stripTemplateArtifact(value string) string {
	return strings.TrimPrefix(value, "=")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
