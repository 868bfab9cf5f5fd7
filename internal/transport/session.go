package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"Tradechat/internal/clock"
	"Tradechat/internal/event"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrNotAuthenticated  = errors.New("transport: no authenticated user")
	ErrHandshakeRejected = errors.New("transport: handshake rejected")
	ErrSessionClosed     = errors.New("transport: session closed")
)

// State is the lifecycle state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded // live features unavailable, reconnecting in the background
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "disconnected"
	}
}

// Stats is a point-in-time view of the session for diagnostics.
type Stats struct {
	State       State
	Reconnects  int
	Subscribers int
}

// Session owns the single live connection of an authenticated user. It is
// shared by every conversation view; each dependent subscribes to the
// events it needs and releases its Subscription when done.
//
// Failures never surface as errors: Connect degrades, Publish returns
// false, and dependents observe IsConnected or OnStateChange.
type Session struct {
	cfg    Config
	creds  Credentials
	logger *zap.Logger
	clock  clock.Clock
	dialer *websocket.Dialer

	mu           sync.Mutex
	state        State
	link         *link
	life         context.Context // non-nil between Connect and Disconnect
	stop         context.CancelFunc
	reconnectFor context.Context // life of the running reconnect loop, if any
	reconnects   int

	registry *registry
}

// Option configures a Session.
type Option func(*Session)

// WithClock replaces the real clock used for publish timeouts and backoff.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// NewSession creates a disconnected session. Call Connect to go live.
func NewSession(cfg Config, creds Credentials, logger *zap.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = def.SendBufferSize
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = def.ReconnectInitial
	}
	if cfg.ReconnectMax < cfg.ReconnectInitial {
		cfg.ReconnectMax = max(def.ReconnectMax, cfg.ReconnectInitial)
	}
	if cfg.ReconnectMultiplier <= 1 {
		cfg.ReconnectMultiplier = def.ReconnectMultiplier
	}

	s := &Session{
		cfg:      cfg,
		creds:    creds,
		logger:   logger.Named("transport"),
		clock:    clock.Real(),
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		registry: newRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect establishes the live connection. It is a no-op while the
// session is connected, connecting or reconnecting. When the first
// attempt fails the session stays usable in degraded mode and keeps
// retrying with backoff until Disconnect.
func (s *Session) Connect(ctx context.Context) {
	if s.creds == nil || !s.creds.IsAuthenticated() {
		s.logger.Warn("not connecting live transport", zap.Error(ErrNotAuthenticated))
		return
	}

	s.mu.Lock()
	if s.life != nil {
		s.mu.Unlock()
		return
	}
	life, stop := context.WithCancel(context.Background())
	s.life, s.stop = life, stop
	s.state = StateConnecting
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	if err := s.establish(dialCtx, life); err != nil {
		s.logger.Warn("live transport unavailable, continuing degraded",
			zap.String("endpoint", s.cfg.Endpoint),
			zap.Error(err),
		)
		s.mu.Lock()
		if s.life == life {
			s.state = StateDegraded
		}
		s.mu.Unlock()
		s.startReconnect(life)
	}
}

// Disconnect releases the connection and stops reconnecting. Safe to call
// multiple times.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.life == nil {
		s.mu.Unlock()
		return
	}
	s.stop()
	s.life, s.stop = nil, nil
	l := s.link
	s.link = nil
	wasConnected := s.state == StateConnected
	s.state = StateDisconnected
	s.mu.Unlock()

	if l != nil {
		l.close()
	}
	if wasConnected {
		s.notifyState(false)
	}
	s.logger.Info("live transport disconnected")
}

// IsConnected reports whether frames can currently be published.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns diagnostics counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	st := Stats{State: s.state, Reconnects: s.reconnects}
	s.mu.Unlock()
	st.Subscribers = s.registry.count()
	return st
}

// CurrentUserID returns the authenticated user the session belongs to.
func (s *Session) CurrentUserID() string {
	if s.creds == nil {
		return ""
	}
	return s.creds.CurrentUserID()
}

// Publish sends one outbound event. It returns true once the frame was
// written to the socket and false when the session is not connected, the
// write failed, ctx ended, or PublishTimeout elapsed. Callers fall back
// on false.
func (s *Session) Publish(ctx context.Context, name string, payload any) bool {
	s.mu.Lock()
	l := s.link
	s.mu.Unlock()
	if l == nil {
		return false
	}

	ev, err := event.New(name, payload)
	if err != nil {
		s.logger.Error("failed to encode outbound event", zap.String("event", name), zap.Error(err))
		return false
	}

	out := outbound{ev: ev, result: make(chan error, 1)}
	timeout := s.clock.After(s.cfg.PublishTimeout)

	select {
	case l.egress <- out:
	case <-timeout:
		s.logger.Warn("egress full, publish timed out", zap.String("event", name))
		return false
	case <-ctx.Done():
		return false
	case <-l.ctx.Done():
		return false
	}

	select {
	case err := <-out.result:
		return err == nil
	case <-timeout:
		s.logger.Warn("publish not acknowledged in time", zap.String("event", name))
		return false
	case <-ctx.Done():
		return false
	case <-l.ctx.Done():
		return false
	}
}

// Subscribe registers handler for inbound events named name.
func (s *Session) Subscribe(name string, handler Handler) *Subscription {
	return s.registry.add(name, handler)
}

// Unsubscribe is equivalent to sub.Unsubscribe().
func (s *Session) Unsubscribe(sub *Subscription) {
	sub.Unsubscribe()
}

// OnStateChange registers fn to be called whenever connectivity flips.
func (s *Session) OnStateChange(fn func(connected bool)) *Subscription {
	return s.registry.addState(fn)
}

func (s *Session) dispatch(ev event.WsEvent) {
	handlers := s.registry.handlers(ev.Event)
	if len(handlers) == 0 {
		s.logger.Debug("no subscriber for inbound event", zap.String("event", ev.Event))
		return
	}
	for _, h := range handlers {
		h(ev)
	}
}

func (s *Session) notifyState(connected bool) {
	for _, fn := range s.registry.stateHandlers() {
		fn(connected)
	}
}

// establish dials, authenticates and installs a new link, unless the
// session was disconnected meanwhile.
func (s *Session) establish(ctx context.Context, life context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	l := newLink(life, conn, s.cfg.SendBufferSize)

	s.mu.Lock()
	if s.life != life || life.Err() != nil {
		s.mu.Unlock()
		l.close()
		return ErrSessionClosed
	}
	s.link = l
	s.state = StateConnected
	if s.reconnectFor == life {
		s.reconnectFor = nil
	}
	s.mu.Unlock()

	go s.writePump(l)
	go s.readPump(l)

	s.logger.Info("live transport connected", zap.String("endpoint", s.cfg.Endpoint))
	s.notifyState(true)
	s.announce(life)
	return nil
}

// announce re-announces presence after every (re)connect. Missed
// outbound sends are not replayed.
func (s *Session) announce(ctx context.Context) {
	userID := s.creds.CurrentUserID()
	if !s.Publish(ctx, event.EventAnnouncePresence, event.AnnouncePayload{UserID: userID}) {
		s.logger.Debug("presence announce not sent")
		return
	}
	s.Publish(ctx, event.EventRequestOnlineUsers, struct{}{})
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(s.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	q := u.Query()
	q.Set("userId", s.creds.CurrentUserID())
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.creds.Token())

	conn, resp, err := s.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", u.Host, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}

	if err := s.authenticate(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (s *Session) authenticate(conn *websocket.Conn) error {
	ev, err := event.New(event.EventAuthenticate, event.AuthenticatePayload{
		UserID: s.creds.CurrentUserID(),
		Token:  s.creds.Token(),
	})
	if err != nil {
		return err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	if err := conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("send authenticate: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	var reply event.WsEvent
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("read authenticate reply: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch reply.Event {
	case event.EventAuthenticated:
		return nil
	case event.EventError:
		var p event.ErrorPayload
		_ = reply.Decode(&p)
		return fmt.Errorf("%w: %s", ErrHandshakeRejected, p.Message)
	default:
		return fmt.Errorf("%w: unexpected %q", ErrHandshakeRejected, reply.Event)
	}
}

// linkLost is called once per link when its read pump exits.
func (s *Session) linkLost(l *link, cause error) {
	s.mu.Lock()
	if s.link != l {
		s.mu.Unlock()
		l.close()
		return
	}
	s.link = nil
	s.state = StateDegraded
	life := s.life
	s.mu.Unlock()

	l.close()
	s.logger.Warn("live transport lost, falling back", zap.Error(cause))
	s.notifyState(false)
	if life != nil {
		s.startReconnect(life)
	}
}

func (s *Session) startReconnect(life context.Context) {
	s.mu.Lock()
	if s.reconnectFor == life || life.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.reconnectFor = life
	s.mu.Unlock()

	go s.reconnectLoop(life)
}

func (s *Session) reconnectLoop(life context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectInitial
	b.MaxInterval = s.cfg.ReconnectMax
	if s.cfg.ReconnectMultiplier > 1 {
		b.Multiplier = s.cfg.ReconnectMultiplier
	}
	b.MaxElapsedTime = 0
	b.Clock = s.clock
	b.Reset()

	for attempt := 1; ; attempt++ {
		wait := b.NextBackOff()
		select {
		case <-life.Done():
			s.mu.Lock()
			if s.reconnectFor == life {
				s.reconnectFor = nil
			}
			s.mu.Unlock()
			return
		case <-s.clock.After(wait):
		}

		ctx, cancel := context.WithTimeout(life, s.cfg.HandshakeTimeout)
		err := s.establish(ctx, life)
		cancel()
		if err == nil {
			s.mu.Lock()
			s.reconnects++
			s.mu.Unlock()
			return
		}
		s.logger.Debug("reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("next_in", wait),
			zap.Error(err),
		)
	}
}
