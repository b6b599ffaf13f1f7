package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"nexus-chat/internal/automation"
	"nexus-chat/internal/llm"
)

const (
	defaultResponderTimeout = 60 * time.Second
	responderFallbackReply  = "Lo siento, no pude procesar tu mensaje. ¿Puedes intentarlo de nuevo?"
)

var (
	ErrAutomationNotConfigured = errors.New("automation not configured")
	ErrAutomationInvalidInput  = errors.New("automation invalid input")
	ErrAutomationUpstream      = errors.New("automation upstream failed")
)

// ReplyPublisher recibe las respuestas generadas por el respondedor interno.
type ReplyPublisher interface {
	Publish(ctx context.Context, in PublishInput) error
}

// AutomationService entrega el mensaje del usuario al flujo que genera la
// respuesta. Si hay webhook configurado lo reenvía; si no, y hay un LLM
// disponible, genera la respuesta en proceso y la publica.
type AutomationService struct {
	logger    *zap.Logger
	forwarder automation.Forwarder
	llmClient llm.LLMClient
	publisher ReplyPublisher
	timeout   time.Duration

	wg sync.WaitGroup
}

func NewAutomationService(logger *zap.Logger, forwarder automation.Forwarder, llmClient llm.LLMClient, publisher ReplyPublisher) *AutomationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutomationService{
		logger:    logger,
		forwarder: forwarder,
		llmClient: llmClient,
		publisher: publisher,
		timeout:   defaultResponderTimeout,
	}
}

// Submit acepta el mensaje del usuario. No espera la respuesta: esta llega
// por el endpoint de publicación.
func (s *AutomationService) Submit(ctx context.Context, sessionID, tenantID, message string) error {
	if s == nil {
		return ErrAutomationNotConfigured
	}
	sessionID = strings.TrimSpace(sessionID)
	message = strings.TrimSpace(message)
	if sessionID == "" || message == "" {
		return ErrAutomationInvalidInput
	}

	switch {
	case s.forwarder != nil:
		err := s.forwarder.Forward(ctx, automation.Request{
			SessionID: sessionID,
			ChatInput: message,
			TenantID:  strings.TrimSpace(tenantID),
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAutomationUpstream, err)
		}
		return nil
	case s.llmClient != nil && s.publisher != nil:
		s.respondAsync(sessionID, message)
		return nil
	default:
		return ErrAutomationNotConfigured
	}
}

func (s *AutomationService) respondAsync(sessionID, message string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		reply, err := s.llmClient.Generate(ctx, message)
		reply = cleanReply(reply)
		if err == nil && reply == "" {
			err = errors.New("empty reply")
		}
		if err != nil {
			s.logger.Warn("responder generation failed", zap.String("session_id", sessionID), zap.Error(err))
			reply = responderFallbackReply
		}
		if err := s.publisher.Publish(ctx, PublishInput{SessionID: sessionID, Text: reply}); err != nil {
			s.logger.Error("responder publish failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}()
}

// Wait bloquea hasta que terminen las respuestas generadas en proceso.
func (s *AutomationService) Wait() {
	if s == nil {
		return
	}
	s.wg.Wait()
}
