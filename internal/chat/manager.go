package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"Tradechat/internal/event"
	"Tradechat/internal/model"
	"Tradechat/internal/repo"
	"Tradechat/internal/transport"

	"go.uber.org/zap"
)

// refreshTimeout bounds the background refresh triggered by a message for
// a conversation the inbox does not know yet.
const refreshTimeout = 30 * time.Second

// Stats is a diagnostics snapshot of the manager.
type Stats struct {
	OpenViews     int
	Conversations int
	Unread        int
	Views         []ViewStats
}

// Manager owns the open views and the inbox of the current user. The
// inbox counts unread messages of conversations that are not open; an
// open view counts its own.
type Manager struct {
	deps          Deps
	notifications repo.NotificationRepository
	logger        *zap.Logger

	mu            sync.Mutex
	views         map[string]*View
	conversations map[string]model.Conversation
	sub           *transport.Subscription
	refreshing    bool
}

// NewManager returns a manager. Call Start to follow inbound messages.
func NewManager(deps Deps, notifications repo.NotificationRepository) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Manager{
		deps:          deps,
		notifications: notifications,
		logger:        deps.Logger.Named("inbox"),
		views:         make(map[string]*View),
		conversations: make(map[string]model.Conversation),
	}
}

// Start subscribes the inbox to newMessage. It is a no-op when already
// started.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub != nil {
		return
	}
	m.sub = m.deps.Session.Subscribe(event.EventNewMessage, m.onNewMessage)
}

func (m *Manager) onNewMessage(ev event.WsEvent) {
	var msg event.NewMessagePayload
	if err := ev.Decode(&msg); err != nil {
		return
	}
	self := m.deps.Session.CurrentUserID()

	m.mu.Lock()
	defer m.mu.Unlock()

	c, known := m.conversations[msg.ConversationID]
	if !known {
		m.logger.Debug("message for conversation not in inbox, refreshing", zap.String("conversation_id", msg.ConversationID))
		if !m.refreshing {
			m.refreshing = true
			go m.backgroundRefresh()
		}
		return
	}
	if c.LastMessage != nil && c.LastMessage.MessageID == msg.ID {
		return
	}
	c.LastMessage = &model.LastMessage{MessageID: msg.ID, Content: msg.Content, SenderID: msg.SenderID, SentAt: msg.SentAt}
	if msg.SentAt.After(c.LastMessageAt) {
		c.LastMessageAt = msg.SentAt
	}
	if _, open := m.views[msg.ConversationID]; !open && !msg.IsFrom(self) {
		c.UnreadCount++
	}
	m.conversations[msg.ConversationID] = c
}

// Refresh fetches the conversation list over the request/response API.
func (m *Manager) Refresh(ctx context.Context) ([]model.Conversation, error) {
	convs, err := m.deps.Conversations.ListConversations(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.conversations = make(map[string]model.Conversation, len(convs))
	for _, c := range convs {
		m.conversations[c.ID] = c
	}
	m.mu.Unlock()

	return m.Conversations(), nil
}

func (m *Manager) backgroundRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	if _, err := m.Refresh(ctx); err != nil {
		m.logger.Warn("inbox refresh failed", zap.Error(err))
	}
	m.mu.Lock()
	m.refreshing = false
	m.mu.Unlock()
}

// Conversations returns the inbox, most recent first. Open conversations
// report the unread count of their view.
func (m *Manager) Conversations() []model.Conversation {
	m.mu.Lock()
	out := make([]model.Conversation, 0, len(m.conversations))
	views := make(map[string]*View, len(m.views))
	for id, v := range m.views {
		views[id] = v
	}
	for _, c := range m.conversations {
		out = append(out, c)
	}
	m.mu.Unlock()

	for i := range out {
		if v, ok := views[out[i].ID]; ok {
			out[i].UnreadCount = v.UnreadCount()
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// Unread sums the unread counts of the inbox.
func (m *Manager) Unread() int {
	n := 0
	for _, c := range m.Conversations() {
		n += c.UnreadCount
	}
	return n
}

// Open returns the view of conversationID, opening it on first use.
func (m *Manager) Open(ctx context.Context, conversationID string) (*View, error) {
	m.mu.Lock()
	if v, ok := m.views[conversationID]; ok {
		m.mu.Unlock()
		return v, nil
	}
	m.mu.Unlock()

	v, err := Open(ctx, conversationID, m.deps)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.views[conversationID]; ok {
		m.mu.Unlock()
		v.Close()
		return existing, nil
	}
	m.views[conversationID] = v
	m.conversations[conversationID] = v.Conversation()
	m.mu.Unlock()

	return v, nil
}

// View returns the open view of conversationID.
func (m *Manager) View(conversationID string) (*View, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.views[conversationID]
	return v, ok
}

// CloseView closes conversationID's view. Its unread count carries over
// into the inbox.
func (m *Manager) CloseView(conversationID string) {
	m.mu.Lock()
	v, ok := m.views[conversationID]
	delete(m.views, conversationID)
	m.mu.Unlock()
	if !ok {
		return
	}

	unread := v.UnreadCount()
	v.Close()

	m.mu.Lock()
	if c, known := m.conversations[conversationID]; known {
		c.UnreadCount = unread
		m.conversations[conversationID] = c
	}
	m.mu.Unlock()
}

// MarkNotificationRead clears a notification over the request/response
// API.
func (m *Manager) MarkNotificationRead(ctx context.Context, notificationID string) (model.Notification, error) {
	n, err := m.notifications.MarkNotificationRead(ctx, notificationID)
	if err != nil {
		m.logger.Warn("could not mark notification read", zap.String("notification_id", notificationID), zap.Error(err))
		return model.Notification{}, err
	}
	return n, nil
}

// Stats returns a diagnostics snapshot.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	views := make([]*View, 0, len(m.views))
	for _, v := range m.views {
		views = append(views, v)
	}
	convs := len(m.conversations)
	m.mu.Unlock()

	st := Stats{OpenViews: len(views), Conversations: convs, Unread: m.Unread()}
	for _, v := range views {
		st.Views = append(st.Views, v.Stats())
	}
	sort.Slice(st.Views, func(i, j int) bool { return st.Views[i].ConversationID < st.Views[j].ConversationID })
	return st
}

// Close closes every view and stops following the inbox.
func (m *Manager) Close() {
	m.mu.Lock()
	views := m.views
	m.views = make(map[string]*View)
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()

	sub.Unsubscribe()
	for _, v := range views {
		v.Close()
	}
}
