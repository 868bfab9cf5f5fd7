// Package store keeps the ordered, de-duplicated message log of one
// conversation and enforces the message status state machine.
package store

import (
	"errors"
	"sync"

	"Tradechat/internal/model"

	"go.uber.org/zap"
)

var (
	ErrNotFound          = errors.New("store: message not found")
	ErrWrongConversation = errors.New("store: message belongs to another conversation")
	ErrInvalidTransition = errors.New("store: status transition not allowed")
	ErrNotFailed         = errors.New("store: message is not failed")
	ErrMissingID         = errors.New("store: message has no id")
)

// ChangeFunc is notified after every mutation that changed the log.
type ChangeFunc func(conversationID string)

// MessageStore is the message log of one conversation. Order is arrival
// order; the store never reorders by timestamp. Every mutation runs under
// one lock so a reconcile and a concurrent append cannot interleave.
type MessageStore struct {
	conversationID string
	logger         *zap.Logger

	mu       sync.RWMutex
	messages []model.Message

	hookMu sync.RWMutex
	hooks  []ChangeFunc
}

// NewMessageStore returns an empty log for conversationID.
func NewMessageStore(conversationID string, logger *zap.Logger) *MessageStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageStore{
		conversationID: conversationID,
		logger:         logger.Named("store").With(zap.String("conversation_id", conversationID)),
	}
}

// ConversationID returns the conversation this log belongs to.
func (s *MessageStore) ConversationID() string {
	return s.conversationID
}

// OnChange registers fn for change notifications.
func (s *MessageStore) OnChange(fn ChangeFunc) {
	s.hookMu.Lock()
	s.hooks = append(s.hooks, fn)
	s.hookMu.Unlock()
}

// Load replaces the log with a fetched history. Entries sharing an id are
// collapsed to the first occurrence.
func (s *MessageStore) Load(conversationID string, messages []model.Message) error {
	if conversationID != s.conversationID {
		return ErrWrongConversation
	}

	seen := make(map[string]struct{}, len(messages))
	log := make([]model.Message, 0, len(messages))
	for _, m := range messages {
		if m.ID == "" {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if !m.Status.Valid() {
			m.Status = model.MessageStatusSent
		}
		log = append(log, m)
	}

	s.mu.Lock()
	s.messages = log
	s.mu.Unlock()

	s.logger.Debug("history loaded", zap.Int("count", len(log)))
	s.changed()
	return nil
}

// Append adds msg at the end of the log. A message whose id is already
// present is ignored and Append returns false.
func (s *MessageStore) Append(msg model.Message) (bool, error) {
	if msg.ID == "" {
		return false, ErrMissingID
	}
	if msg.ConversationID != "" && msg.ConversationID != s.conversationID {
		return false, ErrWrongConversation
	}
	msg.ConversationID = s.conversationID
	if !msg.Status.Valid() {
		msg.Status = model.MessageStatusSent
	}

	s.mu.Lock()
	if s.indexLocked(msg.ID) >= 0 {
		s.mu.Unlock()
		return false, nil
	}
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	s.changed()
	return true, nil
}

// UpdateStatus moves a message forward in the state machine. Updates that
// would move backwards are ignored; updating to the current status is a
// no-op. It returns whether the status changed.
func (s *MessageStore) UpdateStatus(id string, status model.MessageStatus) (bool, error) {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return false, ErrNotFound
	}
	cur := s.messages[i].Status
	if cur == status {
		s.mu.Unlock()
		return false, nil
	}
	if !cur.CanTransition(status) {
		s.mu.Unlock()
		s.logger.Debug("ignoring status regression",
			zap.String("message_id", id),
			zap.String("from", string(cur)),
			zap.String("to", string(status)),
		)
		return false, nil
	}
	s.messages[i].Status = status
	if status != model.MessageStatusSending && status != model.MessageStatusFailed {
		s.messages[i].Pending = false
	}
	s.mu.Unlock()

	s.changed()
	return true, nil
}

// Reconcile replaces the optimistic entry tempID with its server-confirmed
// counterpart at the same position. When the confirmed id is already in
// the log (for example after a history reload) the optimistic entry is
// dropped instead of duplicated. When the optimistic entry is gone the
// confirmed message is appended unless already present.
func (s *MessageStore) Reconcile(tempID string, confirmed model.Message) (bool, error) {
	if confirmed.ID == "" {
		return false, ErrMissingID
	}
	if confirmed.ConversationID != "" && confirmed.ConversationID != s.conversationID {
		return false, ErrWrongConversation
	}
	confirmed.ConversationID = s.conversationID
	confirmed.Pending = false
	confirmed.Status = confirmed.Status.AtLeast(model.MessageStatusSent)
	if confirmed.ClientTempID == "" {
		confirmed.ClientTempID = tempID
	}

	s.mu.Lock()
	ti := s.indexLocked(tempID)
	ci := s.indexLocked(confirmed.ID)

	switch {
	case ti >= 0 && ci >= 0 && ti != ci:
		s.messages = append(s.messages[:ti], s.messages[ti+1:]...)
	case ti >= 0:
		s.messages[ti] = confirmed
	case ci >= 0:
		s.mu.Unlock()
		return false, nil
	default:
		s.messages = append(s.messages, confirmed)
	}
	s.mu.Unlock()

	s.logger.Debug("reconciled optimistic message",
		zap.String("temp_id", tempID),
		zap.String("message_id", confirmed.ID),
	)
	s.changed()
	return true, nil
}

// Resend replaces a failed message in place with a fresh optimistic copy.
func (s *MessageStore) Resend(failedID string, fresh model.Message) error {
	if fresh.ID == "" {
		return ErrMissingID
	}

	s.mu.Lock()
	i := s.indexLocked(failedID)
	if i < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	if s.messages[i].Status != model.MessageStatusFailed {
		s.mu.Unlock()
		return ErrNotFailed
	}
	fresh.ConversationID = s.conversationID
	fresh.Status = model.MessageStatusSending
	fresh.Pending = true
	s.messages[i] = fresh
	s.mu.Unlock()

	s.changed()
	return nil
}

// Get returns the message with id.
func (s *MessageStore) Get(id string) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.indexLocked(id); i >= 0 {
		return s.messages[i], true
	}
	return model.Message{}, false
}

// Status returns the status of message id, if present.
func (s *MessageStore) Status(id string) (model.MessageStatus, bool) {
	m, ok := s.Get(id)
	return m.Status, ok
}

// Messages returns a copy of the log in order.
func (s *MessageStore) Messages() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// UnreadCount counts messages not authored by userID that are not read.
func (s *MessageStore) UnreadCount(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, m := range s.messages {
		if !m.IsFrom(userID) && m.Status != model.MessageStatusRead {
			n++
		}
	}
	return n
}

// CountByStatus returns how many messages are in status.
func (s *MessageStore) CountByStatus(status model.MessageStatus) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, m := range s.messages {
		if m.Status == status {
			n++
		}
	}
	return n
}

// LastFrom returns the most recent message authored by userID.
func (s *MessageStore) LastFrom(userID string) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].IsFrom(userID) {
			return s.messages[i], true
		}
	}
	return model.Message{}, false
}

// indexLocked must be called with s.mu held.
func (s *MessageStore) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *MessageStore) changed() {
	s.hookMu.RLock()
	hooks := make([]ChangeFunc, len(s.hooks))
	copy(hooks, s.hooks)
	s.hookMu.RUnlock()

	for _, fn := range hooks {
		fn(s.conversationID)
	}
}
