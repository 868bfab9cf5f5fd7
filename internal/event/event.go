package event

import (
	"encoding/json"
	"time"

	"Tradechat/internal/model"
)

// Session Event Types - Client to Server
const (
	// EventAuthenticate - First frame after dialing, carries credentials
	EventAuthenticate = "authenticate"

	// EventSendMessage - Send a chat message (clientTempId is echoed back)
	EventSendMessage = "sendMessage"

	// EventTypingStart - Local user started typing in a conversation
	EventTypingStart = "typingStart"

	// EventTypingStop - Local user stopped typing in a conversation
	EventTypingStop = "typingStop"

	// EventMarkMessageRead - Local user has seen a counterpart message
	EventMarkMessageRead = "markMessageRead"

	// EventRequestOnlineUsers - Ask the server for the current online set
	EventRequestOnlineUsers = "requestOnlineUsers"

	// EventAnnouncePresence - Re-announce ourselves after (re)connecting
	EventAnnouncePresence = "announcePresence"
)

// Session Event Types - Server to Client
const (
	// EventAuthenticated - Handshake accepted
	EventAuthenticated = "authenticated"

	// EventNewMessage - A message was persisted in a conversation
	EventNewMessage = "newMessage"

	// EventUserTyping - Counterpart started typing
	EventUserTyping = "userTyping"

	// EventUserStoppedTyping - Counterpart stopped typing
	EventUserStoppedTyping = "userStoppedTyping"

	// EventUserOnline - A user came online
	EventUserOnline = "userOnline"

	// EventUserOffline - A user went offline
	EventUserOffline = "userOffline"

	// EventOnlineUsers - Snapshot of online users
	EventOnlineUsers = "onlineUsers"

	// EventMessageDelivered - Counterpart transport received a message
	EventMessageDelivered = "messageDelivered"

	// EventMessageRead - Counterpart saw a message
	EventMessageRead = "messageRead"

	// EventError - Server-side error for a previous frame
	EventError = "error"
)

// WsEvent is the envelope of every frame on the live transport.
type WsEvent struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope, marshalling payload when it is not nil.
func New(name string, payload any) (WsEvent, error) {
	ev := WsEvent{Event: name}
	if payload == nil {
		return ev, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ev, err
	}
	ev.Payload = raw
	return ev, nil
}

// Decode unmarshals the payload into out.
func (e WsEvent) Decode(out any) error {
	if len(e.Payload) == 0 {
		return json.Unmarshal([]byte("{}"), out)
	}
	return json.Unmarshal(e.Payload, out)
}

// -----------------------------------------------------------------
// Payloads - Client to Server
// -----------------------------------------------------------------

// AuthenticatePayload is sent once per connection
type AuthenticatePayload struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

// SendMessagePayload asks the server to persist and fan out a message
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	ClientTempID   string `json:"clientTempId"`
}

// TypingPayload is used by typingStart and typingStop
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
}

// MarkReadPayload marks one message as seen
type MarkReadPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// AnnouncePayload re-announces the local user
type AnnouncePayload struct {
	UserID string `json:"userId"`
}

// -----------------------------------------------------------------
// Payloads - Server to Client
// -----------------------------------------------------------------

// NewMessagePayload wraps a persisted message
type NewMessagePayload = model.Message

// UserTypingPayload - for typing status
type UserTypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// PresencePayload is used by userOnline and userOffline
type PresencePayload struct {
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

// OnlineUsersPayload is the answer to requestOnlineUsers
type OnlineUsersPayload struct {
	UserIDs []string `json:"userIds"`
}

// MessageStatusPayload - lightweight event for delivery and read confirmation
type MessageStatusPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
}

// ErrorPayload represents an error response sent to client via WebSocket
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
