// Package typing turns keystrokes into typingStart/typingStop signals for
// one conversation and decays the counterpart's typing indicator.
package typing

import (
	"context"
	"sort"
	"sync"
	"time"

	"Tradechat/internal/clock"
	"Tradechat/internal/event"
	"Tradechat/internal/transport"

	"go.uber.org/zap"
)

// Config holds the typing timeouts.
type Config struct {
	StopAfter    time.Duration // local inactivity before typingStop
	RemoteWindow time.Duration // how long a remote typingStart is shown
}

// DefaultConfig returns 2s local and 3s remote windows.
func DefaultConfig() Config {
	return Config{StopAfter: 2 * time.Second, RemoteWindow: 3 * time.Second}
}

// Session is the part of the transport the coordinator needs.
type Session interface {
	Publish(ctx context.Context, name string, payload any) bool
	IsConnected() bool
	Subscribe(name string, handler transport.Handler) *transport.Subscription
}

// ChangeFunc receives the users currently typing after every change.
type ChangeFunc func(userIDs []string)

type remote struct {
	expires time.Time
	timer   *clock.Timer
}

// Coordinator is per conversation. Local and remote state are independent.
type Coordinator struct {
	conversationID string
	selfID         string
	cfg            Config
	session        Session
	clock          clock.Clock
	logger         *zap.Logger

	mu     sync.Mutex
	typing bool
	gen    uint64
	timer  *clock.Timer
	remote map[string]*remote
	subs   []*transport.Subscription
	closed bool

	hookMu sync.RWMutex
	hooks  []ChangeFunc
}

// NewCoordinator returns a coordinator for conversationID. selfID is the
// local user, whose own echoes are ignored.
func NewCoordinator(conversationID, selfID string, cfg Config, session Session, c clock.Clock, logger *zap.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.StopAfter <= 0 {
		cfg.StopAfter = def.StopAfter
	}
	if cfg.RemoteWindow <= 0 {
		cfg.RemoteWindow = def.RemoteWindow
	}
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		conversationID: conversationID,
		selfID:         selfID,
		cfg:            cfg,
		session:        session,
		clock:          c,
		logger:         logger.Named("typing").With(zap.String("conversation_id", conversationID)),
		remote:         make(map[string]*remote),
	}
}

// OnChange registers fn for remote typing changes.
func (c *Coordinator) OnChange(fn ChangeFunc) {
	c.hookMu.Lock()
	c.hooks = append(c.hooks, fn)
	c.hookMu.Unlock()
}

// Keystroke records local typing activity. The first keystroke of a
// window publishes typingStart; every keystroke pushes typingStop back by
// StopAfter.
func (c *Coordinator) Keystroke(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	starting := !c.typing
	c.typing = true
	c.scheduleLocked()
	c.mu.Unlock()

	if !starting {
		return
	}
	if !c.session.Publish(ctx, event.EventTypingStart, event.TypingPayload{ConversationID: c.conversationID}) {
		c.logger.Debug("typingStart not published")
		c.mu.Lock()
		c.cancelLocked()
		c.mu.Unlock()
	}
}

// Stop closes an open typing window right away, e.g. when the message is
// sent. It is a no-op when the user is not typing.
func (c *Coordinator) Stop(ctx context.Context) {
	c.mu.Lock()
	wasTyping := c.typing
	c.cancelLocked()
	c.mu.Unlock()

	if wasTyping {
		c.publishStop(ctx)
	}
}

// IsLocalTyping reports whether a local typing window is open.
func (c *Coordinator) IsLocalTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing
}

// scheduleLocked replaces the expiry timer. Each timer carries its own
// generation so a callback that lost the race with Stop does nothing.
func (c *Coordinator) scheduleLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.timer = c.clock.AfterFunc(c.cfg.StopAfter, func() { c.expire(gen) })
}

func (c *Coordinator) cancelLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	c.typing = false
}

func (c *Coordinator) expire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.typing {
		c.mu.Unlock()
		return
	}
	c.typing = false
	c.timer = nil
	c.mu.Unlock()

	c.publishStop(context.Background())
}

func (c *Coordinator) publishStop(ctx context.Context) {
	if !c.session.Publish(ctx, event.EventTypingStop, event.TypingPayload{ConversationID: c.conversationID}) {
		c.logger.Debug("typingStop not published")
	}
}

// RemoteTyping marks userID as typing for RemoteWindow.
func (c *Coordinator) RemoteTyping(userID string) {
	if userID == "" || userID == c.selfID {
		return
	}
	expires := c.clock.Now().Add(c.cfg.RemoteWindow)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	r, ok := c.remote[userID]
	if !ok {
		r = &remote{}
		c.remote[userID] = r
	}
	r.expires = expires
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = c.clock.AfterFunc(c.cfg.RemoteWindow, func() { c.decay(userID, expires) })
	c.mu.Unlock()

	if !ok {
		c.notify()
	}
}

// RemoteStopped clears userID's indicator immediately.
func (c *Coordinator) RemoteStopped(userID string) {
	c.mu.Lock()
	r, ok := c.remote[userID]
	if ok {
		if r.timer != nil {
			r.timer.Stop()
		}
		delete(c.remote, userID)
	}
	c.mu.Unlock()

	if ok {
		c.notify()
	}
}

func (c *Coordinator) decay(userID string, expires time.Time) {
	c.mu.Lock()
	r, ok := c.remote[userID]
	if !ok || !r.expires.Equal(expires) {
		c.mu.Unlock()
		return
	}
	delete(c.remote, userID)
	c.mu.Unlock()

	c.notify()
}

// TypingUsers returns the sorted ids whose indicator is showing. Nothing
// is shown while the live transport is down.
func (c *Coordinator) TypingUsers() []string {
	if !c.session.IsConnected() {
		return nil
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for id, r := range c.remote {
		if now.Before(r.expires) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// IsTyping reports whether userID's indicator is showing.
func (c *Coordinator) IsTyping(userID string) bool {
	for _, id := range c.TypingUsers() {
		if id == userID {
			return true
		}
	}
	return false
}

// Bind subscribes to userTyping and userStoppedTyping of this
// conversation. Close releases the subscriptions.
func (c *Coordinator) Bind() {
	onTyping := c.session.Subscribe(event.EventUserTyping, func(ev event.WsEvent) {
		if p, ok := c.decode(ev); ok {
			c.RemoteTyping(p.UserID)
		}
	})
	onStopped := c.session.Subscribe(event.EventUserStoppedTyping, func(ev event.WsEvent) {
		if p, ok := c.decode(ev); ok {
			c.RemoteStopped(p.UserID)
		}
	})

	c.mu.Lock()
	c.subs = append(c.subs, onTyping, onStopped)
	c.mu.Unlock()
}

func (c *Coordinator) decode(ev event.WsEvent) (event.UserTypingPayload, bool) {
	var p event.UserTypingPayload
	if err := ev.Decode(&p); err != nil {
		c.logger.Warn("bad typing payload", zap.String("event", ev.Event), zap.Error(err))
		return p, false
	}
	return p, p.ConversationID == c.conversationID
}

// Close ends the local typing window, drops remote indicators and
// releases subscriptions.
func (c *Coordinator) Close() {
	c.Stop(context.Background())

	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = nil
	hadRemote := len(c.remote) > 0
	for id, r := range c.remote {
		if r.timer != nil {
			r.timer.Stop()
		}
		delete(c.remote, id)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if hadRemote {
		c.notify()
	}
}

func (c *Coordinator) notify() {
	c.hookMu.RLock()
	hooks := make([]ChangeFunc, len(c.hooks))
	copy(hooks, c.hooks)
	c.hookMu.RUnlock()
	if len(hooks) == 0 {
		return
	}

	users := c.TypingUsers()
	for _, fn := range hooks {
		fn(users)
	}
}
