// Package transporttest provides an in-memory stand-in for the live
// transport session.
package transporttest

import (
	"context"
	"sync"

	"Tradechat/internal/event"
	"Tradechat/internal/transport"

	"github.com/google/uuid"
)

type handler struct {
	id string
	fn transport.Handler
}

// Session records published frames and lets tests inject inbound ones.
// Emit delivers synchronously on the caller's goroutine.
type Session struct {
	UserID string

	mu        sync.Mutex
	connected bool
	failing   map[string]bool
	published []event.WsEvent
	attempts  []event.WsEvent
	handlers  map[string][]handler
	states    map[string]func(bool)
}

// New returns a connected session for userID.
func New(userID string) *Session {
	return &Session{
		UserID:    userID,
		connected: true,
		failing:   make(map[string]bool),
		handlers:  make(map[string][]handler),
		states:    make(map[string]func(bool)),
	}
}

// SetConnected flips connectivity and notifies state listeners on change.
func (s *Session) SetConnected(up bool) {
	s.mu.Lock()
	changed := s.connected != up
	s.connected = up
	fns := make([]func(bool), 0, len(s.states))
	for _, fn := range s.states {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	if changed {
		for _, fn := range fns {
			fn(up)
		}
	}
}

// FailPublish makes Publish of name return false while fail is set.
func (s *Session) FailPublish(name string, fail bool) {
	s.mu.Lock()
	s.failing[name] = fail
	s.mu.Unlock()
}

func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) CurrentUserID() string { return s.UserID }

func (s *Session) Publish(ctx context.Context, name string, payload any) bool {
	if ctx.Err() != nil {
		return false
	}
	ev, err := event.New(name, payload)
	if err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, ev)
	if !s.connected || s.failing[name] {
		return false
	}
	s.published = append(s.published, ev)
	return true
}

// Published returns the frames that were accepted, optionally only those
// named in names.
func (s *Session) Published(names ...string) []event.WsEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filter(s.published, names)
}

// Attempts returns every Publish call, accepted or not.
func (s *Session) Attempts(names ...string) []event.WsEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filter(s.attempts, names)
}

func (s *Session) Subscribe(name string, fn transport.Handler) *transport.Subscription {
	id := uuid.NewString()
	s.mu.Lock()
	s.handlers[name] = append(s.handlers[name], handler{id: id, fn: fn})
	s.mu.Unlock()

	return transport.NewSubscription(id, name, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.handlers[name]
		for i, h := range list {
			if h.id == id {
				s.handlers[name] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(s.handlers[name]) == 0 {
			delete(s.handlers, name)
		}
	})
}

func (s *Session) OnStateChange(fn func(connected bool)) *transport.Subscription {
	id := uuid.NewString()
	s.mu.Lock()
	s.states[id] = fn
	s.mu.Unlock()

	return transport.NewSubscription(id, "", func() {
		s.mu.Lock()
		delete(s.states, id)
		s.mu.Unlock()
	})
}

// Emit delivers an inbound event to every subscriber of name.
func (s *Session) Emit(name string, payload any) error {
	ev, err := event.New(name, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	list := make([]handler, len(s.handlers[name]))
	copy(list, s.handlers[name])
	s.mu.Unlock()

	for _, h := range list {
		h.fn(ev)
	}
	return nil
}

// Subscribers returns the number of inbound subscriptions.
func (s *Session) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, list := range s.handlers {
		n += len(list)
	}
	return n
}

// StateListeners returns the number of state subscriptions.
func (s *Session) StateListeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

func filter(evs []event.WsEvent, names []string) []event.WsEvent {
	out := make([]event.WsEvent, 0, len(evs))
	for _, ev := range evs {
		if len(names) == 0 {
			out = append(out, ev)
			continue
		}
		for _, n := range names {
			if ev.Event == n {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}
