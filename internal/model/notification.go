package model

import "time"

// Notification is a server-side notice, usually about a new message.
type Notification struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId,omitempty"`
	MessageID      string    `json:"messageId,omitempty"`
	Body           string    `json:"body"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"createdAt"`
}
