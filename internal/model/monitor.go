package model

// -----------------------------------------------------------------
// Monitor API Response Models
// -----------------------------------------------------------------

// MonitorResponse is the main response for the monitor API
type MonitorResponse struct {
	Status        string            `json:"status"`        // "healthy", "degraded", "idle"
	Connection    ConnectionStats   `json:"connection"`    // Live transport state
	Conversations ConversationStats `json:"conversations"` // Inbox and open views
	Presence      PresenceStats     `json:"presence"`      // Presence map
	Sends         SendStats         `json:"sends"`         // Optimistic sends across views
}

// ConnectionStats holds live transport statistics
type ConnectionStats struct {
	State       string `json:"state"`       // "connected", "connecting", "degraded", "disconnected"
	Connected   bool   `json:"connected"`
	Reconnects  int    `json:"reconnects"`  // Successful reconnects since start
	Subscribers int    `json:"subscribers"` // Inbound event listeners
}

// ConversationStats holds inbox statistics
type ConversationStats struct {
	Total     int        `json:"total"`     // Conversations in the inbox
	OpenViews int        `json:"openViews"` // Conversations currently open
	Unread    int        `json:"unread"`    // Unread messages across the inbox
	Views     []ViewInfo `json:"views"`     // Details of each open view
}

// ViewInfo contains information about a single open conversation
type ViewInfo struct {
	ConversationID string   `json:"conversationId"`
	Counterpart    string   `json:"counterpart"`
	Messages       int      `json:"messages"`
	Unread         int      `json:"unread"`
	Pending        int      `json:"pending"`  // Sends awaiting confirmation
	Failed         int      `json:"failed"`   // Messages showing retry
	Observed       int      `json:"observed"` // Messages watched for read receipts
	TypingUserIDs  []string `json:"typingUserIds"`
}

// PresenceStats holds presence statistics
type PresenceStats struct {
	Tracked       int      `json:"tracked"` // Users with a presence record
	Online        int      `json:"online"`
	OnlineUserIDs []string `json:"onlineUserIds"`
}

// SendStats sums send outcomes over open views
type SendStats struct {
	Pending           int `json:"pending"`
	Failed            int `json:"failed"`
	ViewsWithFailures int `json:"viewsWithFailures"`
}
