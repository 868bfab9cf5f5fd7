package model

import "time"

// PresenceStatus constants
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// PresenceRecord is the best-effort presence of a single user.
type PresenceRecord struct {
	UserID            string    `json:"userId"`
	Status            string    `json:"status"`
	LastSeenAt        time.Time `json:"lastSeenAt"`
	LastLocalUpdateAt time.Time `json:"lastLocalUpdateAt"`
	Source            string    `json:"source,omitempty"`
}

// IsOnline reports whether the record says online.
func (p PresenceRecord) IsOnline() bool {
	return p.Status == StatusOnline
}
