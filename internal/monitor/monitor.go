// Package monitor gathers diagnostics about the messaging core.
package monitor

import (
	"Tradechat/internal/chat"
	"Tradechat/internal/model"
	"Tradechat/internal/service"
	"Tradechat/internal/transport"
)

// SessionSource exposes live transport statistics.
type SessionSource interface {
	Stats() transport.Stats
}

// InboxSource exposes inbox and view statistics.
type InboxSource interface {
	Stats() chat.Stats
}

// PresenceSource exposes the presence map.
type PresenceSource interface {
	OnlineUsers() []string
	Len() int
}

// MonitorService provides methods to gather client statistics
type MonitorService struct {
	session  SessionSource
	inbox    InboxSource
	presence PresenceSource
}

// NewMonitorService creates a new monitor service
func NewMonitorService(session SessionSource, inbox InboxSource, presence PresenceSource) *MonitorService {
	return &MonitorService{session: session, inbox: inbox, presence: presence}
}

// GetStats gathers and returns all statistics
func (ms *MonitorService) GetStats() model.MonitorResponse {
	connection := ms.getConnectionStats()
	conversations := ms.getConversationStats()

	// Determine overall health status
	status := "healthy"
	switch connection.State {
	case transport.StateDisconnected.String():
		status = "idle"
	case transport.StateDegraded.String(), transport.StateConnecting.String():
		status = "degraded"
	}

	return model.MonitorResponse{
		Status:        status,
		Connection:    connection,
		Conversations: conversations,
		Presence:      ms.getPresenceStats(),
		Sends:         getSendStats(conversations.Views),
	}
}

// getConnectionStats returns live transport statistics
func (ms *MonitorService) getConnectionStats() model.ConnectionStats {
	if ms.session == nil {
		return model.ConnectionStats{State: transport.StateDisconnected.String()}
	}
	st := ms.session.Stats()
	return model.ConnectionStats{
		State:       st.State.String(),
		Connected:   st.State == transport.StateConnected,
		Reconnects:  st.Reconnects,
		Subscribers: st.Subscribers,
	}
}

// getConversationStats returns inbox and open view statistics
func (ms *MonitorService) getConversationStats() model.ConversationStats {
	stats := model.ConversationStats{Views: make([]model.ViewInfo, 0)}
	if ms.inbox == nil {
		return stats
	}

	inbox := ms.inbox.Stats()
	stats.Total = inbox.Conversations
	stats.OpenViews = inbox.OpenViews
	stats.Unread = inbox.Unread
	stats.Views = service.Map(inbox.Views, func(v chat.ViewStats) model.ViewInfo {
		typing := v.Typing
		if typing == nil {
			typing = []string{}
		}
		return model.ViewInfo{
			ConversationID: v.ConversationID,
			Counterpart:    v.Counterpart,
			Messages:       v.Messages,
			Unread:         v.Unread,
			Pending:        v.Pending,
			Failed:         v.Failed,
			Observed:       v.Observed,
			TypingUserIDs:  typing,
		}
	})
	return stats
}

// getPresenceStats returns presence statistics
func (ms *MonitorService) getPresenceStats() model.PresenceStats {
	stats := model.PresenceStats{OnlineUserIDs: []string{}}
	if ms.presence == nil {
		return stats
	}
	if online := ms.presence.OnlineUsers(); online != nil {
		stats.OnlineUserIDs = online
	}
	stats.Online = len(stats.OnlineUserIDs)
	stats.Tracked = ms.presence.Len()
	return stats
}

func getSendStats(views []model.ViewInfo) model.SendStats {
	var stats model.SendStats
	for _, v := range views {
		stats.Pending += v.Pending
		stats.Failed += v.Failed
	}
	stats.ViewsWithFailures = len(service.Filter(views, func(v model.ViewInfo) bool { return v.Failed > 0 }))
	return stats
}
