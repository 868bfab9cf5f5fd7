package transport

import (
	"sync"

	"Tradechat/internal/event"

	"github.com/google/uuid"
)

// Handler receives one inbound frame. Handlers run on the session's read
// goroutine, one at a time, in wire order.
type Handler func(ev event.WsEvent)

// Subscription is the handle returned by Subscribe and OnStateChange.
// Unsubscribe is safe to call more than once.
type Subscription struct {
	ID    string
	Event string

	once   sync.Once
	remove func()
}

// NewSubscription returns a handle whose Unsubscribe calls remove once.
// It lets other event sources, such as test doubles, hand out the same
// handle type as the Session.
func NewSubscription(id, name string, remove func()) *Subscription {
	return &Subscription{ID: id, Event: name, remove: remove}
}

// Unsubscribe removes the listener.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.remove == nil {
		return
	}
	s.once.Do(s.remove)
}

type subscriber struct {
	id      string
	handler Handler
}

type stateSubscriber struct {
	id string
	fn func(connected bool)
}

// registry holds inbound and state listeners.
type registry struct {
	mu    sync.RWMutex
	subs  map[string][]subscriber
	state []stateSubscriber
}

func newRegistry() *registry {
	return &registry{subs: make(map[string][]subscriber)}
}

func (r *registry) add(name string, h Handler) *Subscription {
	id := uuid.NewString()
	r.mu.Lock()
	r.subs[name] = append(r.subs[name], subscriber{id: id, handler: h})
	r.mu.Unlock()

	return NewSubscription(id, name, func() { r.removeHandler(name, id) })
}

func (r *registry) removeHandler(name, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.subs[name]
	for i, s := range list {
		if s.id == id {
			r.subs[name] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(r.subs[name]) == 0 {
		delete(r.subs, name)
	}
}

func (r *registry) addState(fn func(bool)) *Subscription {
	id := uuid.NewString()
	r.mu.Lock()
	r.state = append(r.state, stateSubscriber{id: id, fn: fn})
	r.mu.Unlock()

	return NewSubscription(id, "", func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.state {
			if s.id == id {
				r.state = append(r.state[:i:i], r.state[i+1:]...)
				return
			}
		}
	})
}

// handlers returns a snapshot so callbacks run without the lock held.
func (r *registry) handlers(name string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.subs[name]
	out := make([]Handler, 0, len(list))
	for _, s := range list {
		out = append(out, s.handler)
	}
	return out
}

func (r *registry) stateHandlers() []func(bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]func(bool), 0, len(r.state))
	for _, s := range r.state {
		out = append(out, s.fn)
	}
	return out
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, list := range r.subs {
		n += len(list)
	}
	return n
}
