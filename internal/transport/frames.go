package transport

import "threadhub/internal/chat"

// Inbound frame tags.
const (
	FrameJoin        = "join"
	FrameLeave       = "leave"
	FrameMessage     = "message"
	FrameChatMessage = "chat_message"
	FramePing        = "ping"
)

// Outbound frame tags.
const (
	FrameOutMessage     = "message"
	FrameOutUserOnline  = "user_online"
	FrameOutUserOffline = "user_offline"
	FrameOutPong        = "pong"
	FrameOutError       = "error"
)

// Inbound is the JSON frame read from clients; Type selects the handler.
type Inbound struct {
	Type           string  `json:"type"`
	SessionKey     string  `json:"session_key,omitempty"`
	ConversationID int64   `json:"conversation_id,omitempty"`
	MessageType    string  `json:"message_type,omitempty"`
	Content        string  `json:"content,omitempty"`
	FileURL        *string `json:"file_url,omitempty"`
	FileName       *string `json:"file_name,omitempty"`
	FileSize       *int64  `json:"file_size,omitempty"`
}

// Outbound is the JSON frame written to clients.
type Outbound struct {
	Type           string            `json:"type"`
	Message        *chat.MessageView `json:"message,omitempty"`
	UserID         int64             `json:"user_id,omitempty"`
	ConversationID int64             `json:"conversation_id,omitempty"`
	Error          string            `json:"error,omitempty"`
}
