package model

import "time"

// MessageStatus is the delivery state of a message as seen by this client.
type MessageStatus string

const (
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// statusRank orders the forward path sending → sent → delivered → read.
// Failed sits outside the path and is only reachable from sending.
var statusRank = map[MessageStatus]int{
	MessageStatusSending:   1,
	MessageStatusSent:      2,
	MessageStatusDelivered: 3,
	MessageStatusRead:      4,
}

// Valid reports whether s is one of the known statuses.
func (s MessageStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == MessageStatusFailed
}

// CanTransition reports whether a message in status s may move to next.
// Transitions never go backwards; failed is terminal and only entered from sending.
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	if next == MessageStatusFailed {
		return s == MessageStatusSending
	}
	if s == MessageStatusFailed {
		return false
	}
	cur, ok := statusRank[s]
	if !ok {
		return next.Valid()
	}
	nr, ok := statusRank[next]
	return ok && nr > cur
}

// AtLeast returns the later of s and floor along the forward path.
func (s MessageStatus) AtLeast(floor MessageStatus) MessageStatus {
	if statusRank[s] >= statusRank[floor] {
		return s
	}
	return floor
}

// Message is a single chat message. ID is either a client-generated
// temporary id (Pending is true) or the server-assigned stable id.
type Message struct {
	ID             string        `json:"id"`
	ClientTempID   string        `json:"clientTempId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	SentAt         time.Time     `json:"sentAt"`
	Status         MessageStatus `json:"status"`
	Pending        bool          `json:"pending"`
}

// IsFrom reports whether the message was authored by userID.
func (m Message) IsFrom(userID string) bool {
	return m.SenderID == userID
}
