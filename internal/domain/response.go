package domain

import (
	"strings"
	"time"
)

// DefaultResponseKeyPrefix separa las respuestas pendientes del resto de la
// configuración guardada en la misma tabla.
const DefaultResponseKeyPrefix = "chat_response_"

// PendingResponse es la última respuesta lista para una sesión de chat.
type PendingResponse struct {
	Key       string    `json:"key"`
	SessionID string    `json:"session_id"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResponseKey arma la clave de almacenamiento para una sesión.
func ResponseKey(prefix, sessionID string) string {
	if prefix == "" {
		prefix = DefaultResponseKeyPrefix
	}
	return prefix + sessionID
}

// SessionIDFromKey devuelve el id de sesión contenido en una clave.
func SessionIDFromKey(prefix, key string) string {
	if prefix == "" {
		prefix = DefaultResponseKeyPrefix
	}
	return strings.TrimPrefix(key, prefix)
}
