package chat

import (
	"time"

	"threadhub/internal/store"
)

// Conversation kinds.
const (
	KindPrivate = "private"
	KindGroup   = "group"
)

// Message types accepted on send.
const (
	MessageText   = "text"
	MessageImage  = "image"
	MessageFile   = "file"
	MessageVoice  = "voice"
	MessageVideo  = "video"
	MessageSystem = "system"
)

const (
	maxMessageLength = 5000
	maxGroupName     = 100
	maxGroupMembers  = 500
	maxFileSize      = 10 * 1024 * 1024
)

// Presence answers online queries during fan-out.
type Presence interface {
	IsOnline(userID int64) bool
	Sessions(userID int64) []string
}

// Sender hands one outbound message frame to a transport session. The broker
// implements it; per-session FIFO is its responsibility.
type Sender interface {
	Send(handle string, msg MessageView) error
}

// MessageView is the caller- and wire-facing message shape.
type MessageView struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	Type           string    `json:"type"`
	Content        string    `json:"content"`
	FileURL        *string   `json:"file_url,omitempty"`
	FileName       *string   `json:"file_name,omitempty"`
	FileSize       *int64    `json:"file_size,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationView is the caller-facing conversation shape.
type ConversationView struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Name      string    `json:"name,omitempty"`
	OwnerID   *int64    `json:"owner_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SendMessageInput carries one send request.
type SendMessageInput struct {
	ConversationID int64
	SenderID       int64
	Type           string
	Content        string
	FileURL        *string
	FileName       *string
	FileSize       *int64

	TraceID string
}

func messageFromModel(m store.MessageModel) MessageView {
	return MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Type:           m.Type,
		Content:        m.Content,
		FileURL:        m.FileURL,
		FileName:       m.FileName,
		FileSize:       m.FileSize,
		CreatedAt:      m.CreatedAt,
	}
}

func conversationFromModel(m store.ConversationModel) ConversationView {
	return ConversationView{
		ID:        m.ID,
		Kind:      m.Kind,
		Name:      m.Name,
		OwnerID:   m.OwnerID,
		CreatedAt: m.CreatedAt,
	}
}

func validMessageType(t string) bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageVoice, MessageVideo, MessageSystem:
		return true
	default:
		return false
	}
}
