// Package chat wires the messaging components into conversation views and
// keeps the inbox of the current user.
package chat

import (
	"context"
	"errors"
	"sync"

	"Tradechat/internal/clock"
	"Tradechat/internal/event"
	"Tradechat/internal/model"
	"Tradechat/internal/presence"
	"Tradechat/internal/receipt"
	"Tradechat/internal/repo"
	"Tradechat/internal/send"
	"Tradechat/internal/store"
	"Tradechat/internal/transport"
	"Tradechat/internal/typing"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrConversationNotFound = errors.New("chat: conversation not found")
	ErrNotParticipant       = errors.New("chat: current user is not part of the conversation")
	ErrViewClosed           = errors.New("chat: view closed")
)

// Session is the live transport as seen by a view.
type Session interface {
	Publish(ctx context.Context, name string, payload any) bool
	IsConnected() bool
	Subscribe(name string, handler transport.Handler) *transport.Subscription
	OnStateChange(fn func(connected bool)) *transport.Subscription
	CurrentUserID() string
}

// Config groups the per-view tunables.
type Config struct {
	Typing              typing.Config
	Send                send.Config
	VisibilityThreshold float64
}

// DefaultConfig returns the defaults of every component.
func DefaultConfig() Config {
	return Config{
		Typing:              typing.DefaultConfig(),
		Send:                send.DefaultConfig(),
		VisibilityThreshold: receipt.DefaultThreshold,
	}
}

// Deps are the collaborators shared by every view.
type Deps struct {
	Session       Session
	Conversations repo.ConversationRepository
	Messages      repo.MessageRepository
	Presence      *presence.Tracker
	Clock         clock.Clock
	Logger        *zap.Logger
	Config        Config
}

// ViewStats is a diagnostics snapshot of one open view.
type ViewStats struct {
	ConversationID string
	Counterpart    string
	Messages       int
	Unread         int
	Pending        int
	Failed         int
	Observed       int
	Typing         []string
}

// View is one open conversation. It owns its message store, send
// pipeline, typing coordinator and read-receipt trigger, and releases
// every subscription and observation on Close.
type View struct {
	conv   model.Conversation
	selfID string
	deps   Deps
	logger *zap.Logger

	store    *store.MessageStore
	pipeline *send.Pipeline
	typing   *typing.Coordinator
	receipts *receipt.Trigger
	viewport *receipt.Viewport

	mu      sync.Mutex
	subs    []*transport.Subscription
	ready   bool
	backlog []pendingEvent
	closed  bool
}

type pendingEvent struct {
	ev     event.WsEvent
	handle transport.Handler
}

// Open loads conversationID and starts listening for its live events.
// History and conversation metadata are fetched concurrently. Live events
// arriving while the fetch is in flight are queued and applied on top of
// the loaded history.
func Open(ctx context.Context, conversationID string, deps Deps) (*View, error) {
	if conversationID == "" {
		return nil, repo.ErrInvalidConversationID
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	selfID := deps.Session.CurrentUserID()

	v := &View{
		selfID:   selfID,
		deps:     deps,
		logger:   deps.Logger.Named("chat").With(zap.String("conversation_id", conversationID)),
		store:    store.NewMessageStore(conversationID, deps.Logger),
		viewport: receipt.NewViewport(),
	}
	v.subscribe()

	var history []model.Message
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		convs, err := deps.Conversations.ListConversations(gctx)
		if err != nil {
			return err
		}
		for _, c := range convs {
			if c.ID == conversationID {
				v.conv = c
				return nil
			}
		}
		return ErrConversationNotFound
	})
	g.Go(func() error {
		msgs, err := deps.Messages.GetMessages(gctx, conversationID)
		history = msgs
		return err
	})
	if err := g.Wait(); err != nil {
		v.unsubscribe()
		return nil, err
	}
	if !v.conv.HasParticipant(selfID) {
		v.unsubscribe()
		return nil, ErrNotParticipant
	}
	if err := v.store.Load(conversationID, history); err != nil {
		v.unsubscribe()
		return nil, err
	}

	st := v.store
	v.pipeline = send.NewPipeline(conversationID, selfID, deps.Config.Send, deps.Session, deps.Messages, st, deps.Clock, deps.Logger)
	v.typing = typing.NewCoordinator(conversationID, selfID, deps.Config.Typing, deps.Session, deps.Clock, deps.Logger)
	v.receipts = receipt.NewTrigger(conversationID, selfID, deps.Config.VisibilityThreshold, v.viewport, st, deps.Session, deps.Logger)

	v.typing.Bind()
	reconnected := deps.Session.OnStateChange(func(connected bool) {
		if connected {
			v.receipts.Rearm()
		}
	})
	v.mu.Lock()
	v.subs = append(v.subs, reconnected)
	v.mu.Unlock()
	for _, m := range st.Messages() {
		v.receipts.Register(m.ID)
	}
	v.inferPresence()
	replayed := v.drainBacklog()

	v.logger.Info("conversation opened",
		zap.String("counterpart", v.Counterpart()),
		zap.Int("messages", st.Len()),
		zap.Int("replayed", replayed),
		zap.Bool("live", deps.Session.IsConnected()),
	)
	return v, nil
}

func (v *View) subscribe() {
	s := v.deps.Session
	subs := []*transport.Subscription{
		s.Subscribe(event.EventNewMessage, v.queued(v.onNewMessage)),
		s.Subscribe(event.EventMessageDelivered, v.queued(v.onStatus(model.MessageStatusDelivered))),
		s.Subscribe(event.EventMessageRead, v.queued(v.onStatus(model.MessageStatusRead))),
		s.Subscribe(event.EventUserTyping, v.queued(v.onTyping)),
	}
	v.mu.Lock()
	v.subs = append(v.subs, subs...)
	v.mu.Unlock()
}

func (v *View) unsubscribe() {
	v.mu.Lock()
	subs := v.subs
	v.subs = nil
	v.backlog = nil
	v.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// queued holds events back until the view is loaded.
func (v *View) queued(h transport.Handler) transport.Handler {
	return func(ev event.WsEvent) {
		v.mu.Lock()
		if !v.ready {
			v.backlog = append(v.backlog, pendingEvent{ev: ev, handle: h})
			v.mu.Unlock()
			return
		}
		v.mu.Unlock()
		h(ev)
	}
}

// drainBacklog replays queued events in arrival order and marks the view
// ready. Events queued during the replay are replayed as well.
func (v *View) drainBacklog() int {
	n := 0
	for {
		v.mu.Lock()
		batch := v.backlog
		v.backlog = nil
		if len(batch) == 0 {
			v.ready = true
			v.mu.Unlock()
			return n
		}
		v.mu.Unlock()

		for _, p := range batch {
			p.handle(p.ev)
		}
		n += len(batch)
	}
}

func (v *View) onNewMessage(ev event.WsEvent) {
	var msg event.NewMessagePayload
	if err := ev.Decode(&msg); err != nil {
		v.logger.Warn("bad newMessage payload", zap.Error(err))
		return
	}
	if msg.ConversationID != v.conv.ID {
		return
	}
	if v.pipeline.HandleConfirmed(msg) {
		return
	}

	added, err := v.store.Append(msg)
	if err != nil {
		v.logger.Warn("dropping inbound message", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	if added && !msg.IsFrom(v.selfID) {
		v.observePresence(msg.SenderID, presence.SourceActivity)
		v.receipts.Register(msg.ID)
	}
}

func (v *View) onStatus(status model.MessageStatus) transport.Handler {
	return func(ev event.WsEvent) {
		var p event.MessageStatusPayload
		if err := ev.Decode(&p); err != nil {
			v.logger.Warn("bad status payload", zap.String("event", ev.Event), zap.Error(err))
			return
		}
		if p.ConversationID != "" && p.ConversationID != v.conv.ID {
			return
		}
		if _, err := v.store.UpdateStatus(p.MessageID, status); err != nil {
			v.logger.Debug("status for unknown message",
				zap.String("message_id", p.MessageID),
				zap.String("status", string(status)),
			)
		}
	}
}

func (v *View) onTyping(ev event.WsEvent) {
	var p event.UserTypingPayload
	if err := ev.Decode(&p); err != nil || p.ConversationID != v.conv.ID {
		return
	}
	if p.UserID != v.selfID {
		v.observePresence(p.UserID, presence.SourceTyping)
	}
}

func (v *View) observePresence(userID string, src presence.Source) {
	if v.deps.Presence != nil {
		v.deps.Presence.SetOnline(userID, src)
	}
}

// inferPresence is the one-time recency inference at open.
func (v *View) inferPresence() {
	if v.deps.Presence == nil {
		return
	}
	last, ok := v.store.LastFrom(v.Counterpart())
	if !ok {
		return
	}
	if v.deps.Presence.InferFromHistory(last.SenderID, last.SentAt) {
		v.logger.Debug("counterpart inferred online from history", zap.Time("last_message_at", last.SentAt))
	}
}

// Send stops the local typing window and sends content.
func (v *View) Send(ctx context.Context, content string) (string, error) {
	if v.isClosed() {
		return "", ErrViewClosed
	}
	v.typing.Stop(ctx)
	return v.pipeline.Send(ctx, content)
}

// Retry re-sends a failed message.
func (v *View) Retry(ctx context.Context, failedID string) (string, error) {
	if v.isClosed() {
		return "", ErrViewClosed
	}
	return v.pipeline.Retry(ctx, failedID)
}

// Keystroke feeds local typing activity.
func (v *View) Keystroke(ctx context.Context) {
	v.typing.Keystroke(ctx)
}

// ReportVisibility tells the view how much of messageID is on screen.
func (v *View) ReportVisibility(messageID string, ratio float64) {
	v.viewport.Report(messageID, ratio)
}

// Hide deregisters messageID, e.g. when its element is removed.
func (v *View) Hide(messageID string) {
	v.receipts.Deregister(messageID)
	v.viewport.Forget(messageID)
}

// OnChange registers fn for changes of the message log.
func (v *View) OnChange(fn func()) {
	v.store.OnChange(func(string) { fn() })
}

// OnTypingChange registers fn for remote typing changes.
func (v *View) OnTypingChange(fn func(userIDs []string)) {
	v.typing.OnChange(fn)
}

func (v *View) ConversationID() string { return v.conv.ID }

func (v *View) Conversation() model.Conversation { return v.conv }

func (v *View) Counterpart() string { return v.conv.Counterpart(v.selfID) }

func (v *View) SelfID() string { return v.selfID }

func (v *View) Messages() []model.Message { return v.store.Messages() }

func (v *View) Message(id string) (model.Message, bool) { return v.store.Get(id) }

func (v *View) TypingUsers() []string { return v.typing.TypingUsers() }

// CounterpartOnline reports the counterpart's presence.
func (v *View) CounterpartOnline() bool {
	if v.deps.Presence == nil {
		return false
	}
	return v.deps.Presence.IsOnline(v.Counterpart())
}

// UnreadCount counts counterpart messages not yet read.
func (v *View) UnreadCount() int {
	return v.store.UnreadCount(v.selfID)
}

// Wait blocks until in-flight sends finished their delivery attempt.
func (v *View) Wait() {
	v.pipeline.Wait()
}

// Stats returns a diagnostics snapshot.
func (v *View) Stats() ViewStats {
	ps := v.pipeline.Stats()
	return ViewStats{
		ConversationID: v.conv.ID,
		Counterpart:    v.Counterpart(),
		Messages:       v.store.Len(),
		Unread:         v.UnreadCount(),
		Pending:        ps.Pending,
		Failed:         v.store.CountByStatus(model.MessageStatusFailed),
		Observed:       v.receipts.Stats().Observed,
		Typing:         v.TypingUsers(),
	}
}

// Close unsubscribes every listener, disconnects every visibility
// observation and stops timers. Sends already in flight complete on
// their own. Close is idempotent.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()

	v.unsubscribe()
	v.typing.Close()
	v.receipts.Close()
	v.pipeline.Close()
	v.logger.Info("conversation closed")
}

func (v *View) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}
