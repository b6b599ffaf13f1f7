package realtime

import (
	"context"
	"errors"

	"nexus-chat/internal/domain"
)

var (
	ErrChannelNotActive  = errors.New("channel not active")
	ErrChannelClosed     = errors.New("channel closed")
	ErrAlreadySubscribed = errors.New("channel already subscribed")
)

// Bus abre canales de difusión por sesión.
type Bus interface {
	Open(sessionID string) Channel
	Close() error
}

// Channel es un tópico pub/sub asociado a una sola sesión.
//
// Subscribe bloquea hasta que la suscripción queda activa (o falla) y a partir
// de ese momento entrega cada mensaje enviado al tópico; no hay reenvío de
// mensajes anteriores a la activación. Send exige que el canal esté activo.
// Close es idempotente.
type Channel interface {
	Subscribe(ctx context.Context, onMessage func(domain.ReplyEvent)) error
	Ready() <-chan struct{}
	Send(ctx context.Context, evt domain.ReplyEvent) error
	Close() error
}

// Topic devuelve el nombre del tópico de una sesión.
func Topic(sessionID string) string {
	return "chat:" + sessionID
}
