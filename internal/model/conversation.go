package model

import "time"

// Conversation is a buyer–seller thread about one product.
type Conversation struct {
	ID            string       `json:"id"`
	BuyerID       string       `json:"buyerId"`
	SellerID      string       `json:"sellerId"`
	ProductID     string       `json:"productId"`
	LastMessage   *LastMessage `json:"lastMessage,omitempty"`
	LastMessageAt time.Time    `json:"lastMessageAt"`
	UnreadCount   int          `json:"unreadCount"`
}

// LastMessage stores the most recent message preview
type LastMessage struct {
	MessageID string    `json:"messageId"`
	Content   string    `json:"content"`
	SenderID  string    `json:"senderId"`
	SentAt    time.Time `json:"sentAt"`
}

// Counterpart returns the other participant from userID's point of view.
func (c Conversation) Counterpart(userID string) string {
	if c.BuyerID == userID {
		return c.SellerID
	}
	return c.BuyerID
}

// HasParticipant reports whether userID is the buyer or the seller.
func (c Conversation) HasParticipant(userID string) bool {
	return c.BuyerID == userID || c.SellerID == userID
}
