// Package receipt emits at-most-once mark-read intents for counterpart
// messages that become visible.
package receipt

import (
	"context"
	"sync"

	"Tradechat/internal/event"
	"Tradechat/internal/model"

	"go.uber.org/zap"
)

// DefaultThreshold is the visible fraction at which a message counts as
// seen.
const DefaultThreshold = 0.5

// Store is the message store view the trigger reads and updates.
type Store interface {
	Get(id string) (model.Message, bool)
	UpdateStatus(id string, status model.MessageStatus) (bool, error)
}

// Publisher sends the mark-read intent.
type Publisher interface {
	Publish(ctx context.Context, name string, payload any) bool
}

// Stats counts trigger activity for diagnostics.
type Stats struct {
	Observed int
	Emitted  int
	Failed   int
}

// Trigger is per conversation view.
type Trigger struct {
	conversationID string
	selfID         string
	threshold      float64
	port           VisibilityPort
	store          Store
	pub            Publisher
	logger         *zap.Logger

	mu         sync.Mutex
	registered map[string]struct{}
	emitted    map[string]struct{}
	failed     int
	closed     bool
}

// NewTrigger returns a trigger observing through port. threshold outside
// (0,1] falls back to DefaultThreshold.
func NewTrigger(conversationID, selfID string, threshold float64, port VisibilityPort, store Store, pub Publisher, logger *zap.Logger) *Trigger {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trigger{
		conversationID: conversationID,
		selfID:         selfID,
		threshold:      threshold,
		port:           port,
		store:          store,
		pub:            pub,
		logger:         logger.Named("receipt").With(zap.String("conversation_id", conversationID)),
		registered:     make(map[string]struct{}),
		emitted:        make(map[string]struct{}),
	}
}

// Register starts observing messageID. Own messages and messages already
// read are not observed; Register reports whether an observation was
// added.
func (t *Trigger) Register(messageID string) bool {
	msg, ok := t.store.Get(messageID)
	if !ok || !t.eligible(msg) {
		return false
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	if _, dup := t.registered[messageID]; dup {
		t.mu.Unlock()
		return false
	}
	t.registered[messageID] = struct{}{}
	t.mu.Unlock()

	t.observe(messageID)
	return true
}

func (t *Trigger) observe(messageID string) {
	t.port.Observe(messageID, t.threshold, func() {
		t.MarkRead(context.Background(), messageID)
	})
}

// Deregister stops observing messageID. Every Register must be paired
// with a Deregister when the element goes away; Close does it for all.
func (t *Trigger) Deregister(messageID string) {
	t.mu.Lock()
	_, ok := t.registered[messageID]
	delete(t.registered, messageID)
	t.mu.Unlock()

	if ok {
		t.port.Unobserve(messageID)
	}
}

// MarkRead emits one markMessageRead intent for messageID. Calling it
// again, or for a message already read, is a no-op. A failed emission is
// forgotten so the next visibility trigger retries.
func (t *Trigger) MarkRead(ctx context.Context, messageID string) bool {
	msg, ok := t.store.Get(messageID)
	if !ok || !t.eligible(msg) {
		return false
	}

	t.mu.Lock()
	if _, done := t.emitted[messageID]; done {
		t.mu.Unlock()
		return false
	}
	t.emitted[messageID] = struct{}{}
	t.mu.Unlock()

	sent := t.pub.Publish(ctx, event.EventMarkMessageRead, event.MarkReadPayload{
		MessageID:      messageID,
		ConversationID: t.conversationID,
	})
	if !sent {
		t.mu.Lock()
		delete(t.emitted, messageID)
		t.failed++
		t.mu.Unlock()
		t.logger.Warn("mark-read not delivered, will retry on next view", zap.String("message_id", messageID))
		return false
	}

	if _, err := t.store.UpdateStatus(messageID, model.MessageStatusRead); err != nil {
		t.logger.Debug("message vanished before marking read", zap.String("message_id", messageID), zap.Error(err))
	}
	t.Deregister(messageID)
	return true
}

// Rearm re-observes every registered message, so messages still on
// screen whose emission failed fire again. Views call it when the live
// transport comes back.
func (t *Trigger) Rearm() int {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0
	}
	refs := make([]string, 0, len(t.registered))
	for id := range t.registered {
		refs = append(refs, id)
	}
	t.mu.Unlock()

	for _, id := range refs {
		t.port.Unobserve(id)
		t.observe(id)
	}
	return len(refs)
}

// Close deregisters every observation.
func (t *Trigger) Close() {
	t.mu.Lock()
	t.closed = true
	refs := make([]string, 0, len(t.registered))
	for id := range t.registered {
		refs = append(refs, id)
	}
	t.registered = make(map[string]struct{})
	t.mu.Unlock()

	for _, id := range refs {
		t.port.Unobserve(id)
	}
}

// Stats returns the trigger counters.
func (t *Trigger) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{Observed: len(t.registered), Emitted: len(t.emitted), Failed: t.failed}
}

func (t *Trigger) eligible(msg model.Message) bool {
	return !msg.IsFrom(t.selfID) && !msg.Pending && msg.Status != model.MessageStatusRead
}
