// Package presence keeps a best-effort online/offline map of users. It is
// advisory only: nothing in delivery depends on it.
package presence

import (
	"sort"
	"sync"
	"time"

	"Tradechat/internal/clock"
	"Tradechat/internal/event"
	"Tradechat/internal/model"
	"Tradechat/internal/transport"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Source identifies where an online signal came from. Each source has its
// own throttle window.
type Source string

const (
	SourceServer   Source = "server"   // userOnline / onlineUsers from the origin
	SourceActivity Source = "activity" // the user authored a message
	SourceTyping   Source = "typing"   // the user is typing
	SourceRecency  Source = "recency"  // inferred from history when a view opens
)

// Windows configures throttling and staleness.
type Windows struct {
	Activity       time.Duration // server and activity signals
	Typing         time.Duration
	Recency        time.Duration
	RecencyHorizon time.Duration // how young a last message must be to infer online
	StaleAfter     time.Duration // inferred online decays after this much silence
}

// DefaultWindows returns the 10s/30s/60s tiers.
func DefaultWindows() Windows {
	return Windows{
		Activity:       10 * time.Second,
		Typing:         30 * time.Second,
		Recency:        60 * time.Second,
		RecencyHorizon: 10 * time.Minute,
		StaleAfter:     10 * time.Minute,
	}
}

func (w Windows) window(src Source) time.Duration {
	switch src {
	case SourceTyping:
		return w.Typing
	case SourceRecency:
		return w.Recency
	default:
		return w.Activity
	}
}

// Liveness reports whether live signals are flowing at all.
type Liveness interface {
	IsConnected() bool
}

// Subscriber is the part of the transport session the tracker listens to.
type Subscriber interface {
	Subscribe(name string, handler transport.Handler) *transport.Subscription
}

// ChangeFunc is called after a record was recomputed.
type ChangeFunc func(rec model.PresenceRecord)

type entry struct {
	rec          model.PresenceRecord
	serverOnline bool
	limiters     map[Source]*rate.Limiter
}

// Tracker is the presence map. It is safe for concurrent use.
type Tracker struct {
	clock   clock.Clock
	logger  *zap.Logger
	windows Windows
	live    Liveness

	mu      sync.RWMutex
	records map[string]*entry

	hookMu sync.RWMutex
	hooks  []ChangeFunc
}

// NewTracker returns an empty tracker. live may be nil, in which case the
// tracker never reports itself degraded.
func NewTracker(windows Windows, live Liveness, c clock.Clock, logger *zap.Logger) *Tracker {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		clock:   c,
		logger:  logger.Named("presence"),
		windows: windows,
		live:    live,
		records: make(map[string]*entry),
	}
}

// OnChange registers fn for recomputed records.
func (t *Tracker) OnChange(fn ChangeFunc) {
	t.hookMu.Lock()
	t.hooks = append(t.hooks, fn)
	t.hookMu.Unlock()
}

// SetOnline marks userID online now.
func (t *Tracker) SetOnline(userID string, source Source) bool {
	return t.SetOnlineAt(userID, source, t.clock.Now())
}

// SetOnlineAt marks userID online as last seen at seenAt. A user that is
// already online is not recomputed again from the same source within that
// source's window. It returns whether the record was recomputed.
func (t *Tracker) SetOnlineAt(userID string, source Source, seenAt time.Time) bool {
	if userID == "" {
		return false
	}
	now := t.clock.Now()

	t.mu.Lock()
	e := t.entryLocked(userID)
	allowed := e.limiter(source, t.windows.window(source)).AllowN(now, 1)
	if t.onlineLocked(e, now) && !allowed {
		t.mu.Unlock()
		t.logger.Debug("presence signal throttled",
			zap.String("user_id", userID),
			zap.String("source", string(source)),
		)
		return false
	}

	e.rec.Status = model.StatusOnline
	if seenAt.After(e.rec.LastSeenAt) {
		e.rec.LastSeenAt = seenAt
	}
	e.rec.LastLocalUpdateAt = now
	e.rec.Source = string(source)
	if source == SourceServer {
		e.serverOnline = true
	}
	rec := e.rec
	t.mu.Unlock()

	t.notify(rec)
	return true
}

// SetOffline marks userID offline. Offline signals are never throttled.
func (t *Tracker) SetOffline(userID string, at time.Time) bool {
	if userID == "" {
		return false
	}
	now := t.clock.Now()
	if at.IsZero() {
		at = now
	}

	t.mu.Lock()
	e := t.entryLocked(userID)
	if e.rec.Status == model.StatusOffline && !e.serverOnline {
		t.mu.Unlock()
		return false
	}
	e.rec.Status = model.StatusOffline
	e.serverOnline = false
	if at.After(e.rec.LastSeenAt) {
		e.rec.LastSeenAt = at
	}
	e.rec.LastLocalUpdateAt = now
	e.rec.Source = string(SourceServer)
	rec := e.rec
	t.mu.Unlock()

	t.notify(rec)
	return true
}

// ReplaceOnline applies a server snapshot: listed users are online, users
// the server previously reported online but omitted are offline.
func (t *Tracker) ReplaceOnline(userIDs []string) {
	listed := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		listed[id] = struct{}{}
	}

	t.mu.RLock()
	var gone []string
	for id, e := range t.records {
		if _, ok := listed[id]; !ok && e.serverOnline {
			gone = append(gone, id)
		}
	}
	t.mu.RUnlock()

	now := t.clock.Now()
	for _, id := range gone {
		t.SetOffline(id, now)
	}
	for _, id := range userIDs {
		t.SetOnlineAt(id, SourceServer, now)
	}
}

// InferFromHistory promotes userID to online when lastAuthoredAt is within
// the recency horizon. It is meant to be called once when a view opens.
func (t *Tracker) InferFromHistory(userID string, lastAuthoredAt time.Time) bool {
	if lastAuthoredAt.IsZero() {
		return false
	}
	if t.clock.Now().Sub(lastAuthoredAt) >= t.windows.RecencyHorizon {
		return false
	}
	return t.SetOnlineAt(userID, SourceRecency, lastAuthoredAt)
}

// IsOnline reports whether userID is online. Everyone is offline while the
// live transport is down.
func (t *Tracker) IsOnline(userID string) bool {
	return t.GetStatus(userID).IsOnline()
}

// GetStatus returns the record for userID. Unknown users are offline with
// no last-seen time.
func (t *Tracker) GetStatus(userID string) model.PresenceRecord {
	t.mu.RLock()
	e, ok := t.records[userID]
	var rec model.PresenceRecord
	online := false
	if ok {
		rec = e.rec
		online = t.onlineLocked(e, t.clock.Now())
	}
	t.mu.RUnlock()

	if !ok {
		return model.PresenceRecord{UserID: userID, Status: model.StatusOffline}
	}
	if !online || t.degraded() {
		rec.Status = model.StatusOffline
	}
	return rec
}

// OnlineUsers returns the sorted ids currently considered online.
func (t *Tracker) OnlineUsers() []string {
	if t.degraded() {
		return nil
	}
	now := t.clock.Now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	for id, e := range t.records {
		if t.onlineLocked(e, now) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns how many users have a record.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Bind subscribes the tracker to presence events of s. The returned func
// removes the subscriptions.
func (t *Tracker) Bind(s Subscriber) func() {
	subs := []*transport.Subscription{
		s.Subscribe(event.EventUserOnline, func(ev event.WsEvent) {
			var p event.PresencePayload
			if err := ev.Decode(&p); err != nil {
				t.logger.Warn("bad userOnline payload", zap.Error(err))
				return
			}
			at := p.At
			if at.IsZero() {
				at = t.clock.Now()
			}
			t.SetOnlineAt(p.UserID, SourceServer, at)
		}),
		s.Subscribe(event.EventUserOffline, func(ev event.WsEvent) {
			var p event.PresencePayload
			if err := ev.Decode(&p); err != nil {
				t.logger.Warn("bad userOffline payload", zap.Error(err))
				return
			}
			t.SetOffline(p.UserID, p.At)
		}),
		s.Subscribe(event.EventOnlineUsers, func(ev event.WsEvent) {
			var p event.OnlineUsersPayload
			if err := ev.Decode(&p); err != nil {
				t.logger.Warn("bad onlineUsers payload", zap.Error(err))
				return
			}
			t.ReplaceOnline(p.UserIDs)
		}),
	}
	return func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}
}

func (t *Tracker) degraded() bool {
	return t.live != nil && !t.live.IsConnected()
}

// onlineLocked must be called with t.mu held.
func (t *Tracker) onlineLocked(e *entry, now time.Time) bool {
	if e.rec.Status != model.StatusOnline {
		return false
	}
	if e.serverOnline || t.windows.StaleAfter <= 0 {
		return true
	}
	return now.Sub(e.rec.LastSeenAt) <= t.windows.StaleAfter
}

// entryLocked must be called with t.mu held.
func (t *Tracker) entryLocked(userID string) *entry {
	e, ok := t.records[userID]
	if !ok {
		e = &entry{
			rec:      model.PresenceRecord{UserID: userID, Status: model.StatusOffline},
			limiters: make(map[Source]*rate.Limiter),
		}
		t.records[userID] = e
	}
	return e
}

func (e *entry) limiter(src Source, window time.Duration) *rate.Limiter {
	l, ok := e.limiters[src]
	if !ok {
		limit := rate.Inf
		if window > 0 {
			limit = rate.Every(window)
		}
		l = rate.NewLimiter(limit, 1)
		e.limiters[src] = l
	}
	return l
}

func (t *Tracker) notify(rec model.PresenceRecord) {
	t.hookMu.RLock()
	hooks := make([]ChangeFunc, len(t.hooks))
	copy(hooks, t.hooks)
	t.hookMu.RUnlock()

	for _, fn := range hooks {
		fn(rec)
	}
}
