package server

import (
	"time"

	"github.com/gorelay/chatrelay/internal/database"
)

// EventChatMessage is the only inbound event type currently recognized.
// Other type values are reserved for future event kinds and ignored.
const EventChatMessage = "chat_message"

// ClientEvent is an inbound frame from a connected client.
type ClientEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ServerEvent is an outbound frame. Chat events carry type, content,
// username and timestamp; per-frame rejections carry only error.
type ServerEvent struct {
	Type      string `json:"type,omitempty"`
	Content   string `json:"content,omitempty"`
	Username  string `json:"username,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
}

func ChatEvent(msg database.Message) *ServerEvent {
	return &ServerEvent{
		Type:      EventChatMessage,
		Content:   msg.Content,
		Username:  msg.SenderSubject,
		Timestamp: msg.CreatedAt.Format(time.RFC3339Nano),
	}
}

func ErrEmptyContent() *ServerEvent {
	return &ServerEvent{Error: "message content cannot be empty"}
}

func ErrInvalidEvent() *ServerEvent {
	return &ServerEvent{Error: "invalid message format"}
}

func ErrStoreFailed() *ServerEvent {
	return &ServerEvent{Error: "failed to store message"}
}
