package domain

import "time"

const (
	EventTypeBroadcast  = "broadcast"
	EventTypeSubscribed = "subscribed"
	EventNewMessage     = "new_message"
)

// ReplyEvent es el mensaje que viaja por el canal de difusión de una sesión.
type ReplyEvent struct {
	Type      string    `json:"type"`
	Event     string    `json:"event,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	SentAt    time.Time `json:"sent_at,omitempty"`
	// UpdatedAt es la versión del registro durable que acompaña al evento.
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// NewReplyEvent construye el evento de respuesta nueva para una sesión.
func NewReplyEvent(sessionID, text string) ReplyEvent {
	return ReplyEvent{
		Type:      EventTypeBroadcast,
		Event:     EventNewMessage,
		SessionID: sessionID,
		Text:      text,
		SentAt:    time.Now().UTC(),
	}
}
