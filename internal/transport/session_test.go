package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"Tradechat/internal/event"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOrigin is a minimal messaging server speaking the session protocol.
type fakeOrigin struct {
	srv        *httptest.Server
	upgrader   websocket.Upgrader
	rejectAuth bool

	mu       sync.Mutex
	conns    []*websocket.Conn
	userIDs  []string
	tokens   []string
	connects atomic.Int32
	received chan event.WsEvent
}

func newFakeOrigin(t *testing.T) *fakeOrigin {
	t.Helper()
	o := &fakeOrigin{received: make(chan event.WsEvent, 256)}
	o.srv = httptest.NewServer(http.HandlerFunc(o.serveWS))
	t.Cleanup(o.close)
	return o
}

func (o *fakeOrigin) url() string {
	return "ws" + strings.TrimPrefix(o.srv.URL, "http") + "/ws"
}

func (o *fakeOrigin) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	var auth event.WsEvent
	if err := conn.ReadJSON(&auth); err != nil || auth.Event != event.EventAuthenticate {
		conn.Close()
		return
	}
	if o.rejectAuth {
		reply, _ := event.New(event.EventError, event.ErrorPayload{Code: "unauthorized", Message: "bad token"})
		_ = conn.WriteJSON(reply)
		conn.Close()
		return
	}
	reply, _ := event.New(event.EventAuthenticated, nil)

	o.mu.Lock()
	o.userIDs = append(o.userIDs, r.URL.Query().Get("userId"))
	o.tokens = append(o.tokens, r.Header.Get("Authorization"))
	o.conns = append(o.conns, conn)
	_ = conn.WriteJSON(reply)
	o.mu.Unlock()
	o.connects.Add(1)

	for {
		var ev event.WsEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		o.received <- ev
	}
}

func (o *fakeOrigin) send(t *testing.T, name string, payload any) {
	t.Helper()
	ev, err := event.New(name, payload)
	require.NoError(t, err)

	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.conns)
	require.NoError(t, o.conns[len(o.conns)-1].WriteJSON(ev))
}

func (o *fakeOrigin) dropAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, c := range o.conns {
		c.Close()
	}
	o.conns = nil
}

func (o *fakeOrigin) close() {
	o.dropAll()
	o.srv.Close()
}

// next returns the next frame the origin received, skipping names in skip.
func (o *fakeOrigin) next(t *testing.T, skip ...string) event.WsEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-o.received:
			skipped := false
			for _, s := range skip {
				if ev.Event == s {
					skipped = true
				}
			}
			if !skipped {
				return ev
			}
		case <-timeout:
			t.Fatal("origin received nothing")
			return event.WsEvent{}
		}
	}
}

func testConfig(endpoint string) Config {
	cfg := DefaultConfig()
	cfg.Endpoint = endpoint
	cfg.HandshakeTimeout = time.Second
	cfg.PublishTimeout = time.Second
	cfg.ReconnectInitial = 10 * time.Millisecond
	cfg.ReconnectMax = 50 * time.Millisecond
	return cfg
}

var alice = StaticCredentials{UserID: "alice", AccessToken: "tok-alice"}

func TestSession_ConnectAuthenticatesAndAnnounces(t *testing.T) {
	origin := newFakeOrigin(t)
	s := NewSession(testConfig(origin.url()), alice, nil)
	defer s.Disconnect()

	s.Connect(context.Background())
	require.True(t, s.IsConnected())
	require.Equal(t, StateConnected, s.State())

	announce := origin.next(t)
	require.Equal(t, event.EventAnnouncePresence, announce.Event)
	var p event.AnnouncePayload
	require.NoError(t, announce.Decode(&p))
	require.Equal(t, "alice", p.UserID)
	require.Equal(t, event.EventRequestOnlineUsers, origin.next(t).Event)

	origin.mu.Lock()
	defer origin.mu.Unlock()
	require.Equal(t, []string{"alice"}, origin.userIDs)
	require.Equal(t, []string{"Bearer tok-alice"}, origin.tokens)
}

func TestSession_ConnectIsIdempotent(t *testing.T) {
	origin := newFakeOrigin(t)
	s := NewSession(testConfig(origin.url()), alice, nil)
	defer s.Disconnect()

	s.Connect(context.Background())
	s.Connect(context.Background())
	s.Connect(context.Background())

	require.True(t, s.IsConnected())
	require.Equal(t, int32(1), origin.connects.Load())
}

func TestSession_UnreachableServerDegrades(t *testing.T) {
	origin := newFakeOrigin(t)
	endpoint := origin.url()
	origin.close()

	s := NewSession(testConfig(endpoint), alice, nil)
	s.Connect(context.Background())

	require.False(t, s.IsConnected())
	require.Equal(t, StateDegraded, s.State())
	require.False(t, s.Publish(context.Background(), event.EventTypingStart, event.TypingPayload{ConversationID: "42"}))

	s.Disconnect()
	s.Disconnect()
	require.Equal(t, StateDisconnected, s.State())
}

func TestSession_RejectedHandshakeDegrades(t *testing.T) {
	origin := newFakeOrigin(t)
	origin.rejectAuth = true

	s := NewSession(testConfig(origin.url()), alice, nil)
	defer s.Disconnect()
	s.Connect(context.Background())

	require.Equal(t, StateDegraded, s.State())
	require.Equal(t, int32(0), origin.connects.Load())
}

func TestSession_UnauthenticatedDoesNotConnect(t *testing.T) {
	origin := newFakeOrigin(t)
	s := NewSession(testConfig(origin.url()), StaticCredentials{UserID: "alice"}, nil)

	s.Connect(context.Background())
	require.Equal(t, StateDisconnected, s.State())
	require.Equal(t, int32(0), origin.connects.Load())
}

func TestSession_PublishReachesServer(t *testing.T) {
	origin := newFakeOrigin(t)
	s := NewSession(testConfig(origin.url()), alice, nil)
	defer s.Disconnect()
	s.Connect(context.Background())

	ok := s.Publish(context.Background(), event.EventSendMessage, event.SendMessagePayload{
		ConversationID: "42",
		Content:        "Hola",
		ClientTempID:   "tmp-1",
	})
	require.True(t, ok)

	got := origin.next(t, event.EventAnnouncePresence, event.EventRequestOnlineUsers)
	require.Equal(t, event.EventSendMessage, got.Event)
	var p event.SendMessagePayload
	require.NoError(t, got.Decode(&p))
	require.Equal(t, event.SendMessagePayload{ConversationID: "42", Content: "Hola", ClientTempID: "tmp-1"}, p)
}

func TestSession_DispatchesToEverySubscriberInWireOrder(t *testing.T) {
	origin := newFakeOrigin(t)
	s := NewSession(testConfig(origin.url()), alice, nil)
	defer s.Disconnect()

	var mu sync.Mutex
	var first, second []string
	record := func(dst *[]string) Handler {
		return func(ev event.WsEvent) {
			var p event.UserTypingPayload
			_ = ev.Decode(&p)
			mu.Lock()
			*dst = append(*dst, p.UserID)
			mu.Unlock()
		}
	}
	subA := s.Subscribe(event.EventUserTyping, record(&first))
	subB := s.Subscribe(event.EventUserTyping, record(&second))
	require.Equal(t, 2, s.Stats().Subscribers)

	s.Connect(context.Background())
	for _, id := range []string{"u1", "u2", "u3"} {
		origin.send(t, event.EventUserTyping, event.UserTypingPayload{ConversationID: "42", UserID: id})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(first) == 3 && len(second) == 3
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"u1", "u2", "u3"}, first)
	assert.Equal(t, []string{"u1", "u2", "u3"}, second)
	mu.Unlock()

	subA.Unsubscribe()
	subA.Unsubscribe()
	require.Equal(t, 1, s.Stats().Subscribers)

	origin.send(t, event.EventUserTyping, event.UserTypingPayload{ConversationID: "42", UserID: "u4"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(second) == 4
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Len(t, first, 3)
	mu.Unlock()
	s.Unsubscribe(subB)
	require.Equal(t, 0, s.Stats().Subscribers)
}

func TestSession_ReconnectsAfterConnectionLoss(t *testing.T) {
	origin := newFakeOrigin(t)
	s := NewSession(testConfig(origin.url()), alice, nil)
	defer s.Disconnect()

	var mu sync.Mutex
	var changes []bool
	sub := s.OnStateChange(func(connected bool) {
		mu.Lock()
		changes = append(changes, connected)
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	s.Connect(context.Background())
	require.True(t, s.IsConnected())
	origin.next(t)
	origin.next(t)

	origin.dropAll()

	require.Eventually(t, func() bool {
		return origin.connects.Load() == 2 && s.IsConnected()
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return s.Stats().Reconnects == 1 }, time.Second, 10*time.Millisecond)

	// presence is re-announced on the new link
	require.Equal(t, event.EventAnnouncePresence, origin.next(t).Event)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []bool{true, false, true}, changes)
}

func TestSession_DisconnectNotifiesOnce(t *testing.T) {
	origin := newFakeOrigin(t)
	s := NewSession(testConfig(origin.url()), alice, nil)

	var downs atomic.Int32
	s.OnStateChange(func(connected bool) {
		if !connected {
			downs.Add(1)
		}
	})

	s.Connect(context.Background())
	require.True(t, s.IsConnected())

	s.Disconnect()
	s.Disconnect()

	require.False(t, s.IsConnected())
	require.False(t, s.Publish(context.Background(), event.EventTypingStop, event.TypingPayload{ConversationID: "42"}))
	// the closed link must not trigger a reconnect
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), origin.connects.Load())
	require.Equal(t, int32(1), downs.Load())
}

func TestNewSession_FillsReconnectDefaults(t *testing.T) {
	s := NewSession(Config{Endpoint: "ws://localhost/ws"}, alice, nil)
	def := DefaultConfig()

	assert.Equal(t, def.ReconnectInitial, s.cfg.ReconnectInitial)
	assert.Equal(t, def.ReconnectMax, s.cfg.ReconnectMax)
	assert.Equal(t, def.ReconnectMultiplier, s.cfg.ReconnectMultiplier)

	s = NewSession(Config{ReconnectInitial: time.Minute, ReconnectMax: time.Second}, alice, nil)
	assert.Equal(t, time.Minute, s.cfg.ReconnectMax)
}

func TestSession_ZeroReconnectConfigDoesNotSpin(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		dials.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewSession(Config{Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}, alice, nil)
	s.Connect(context.Background())
	require.Equal(t, StateDegraded, s.State())

	time.Sleep(300 * time.Millisecond)
	s.Disconnect()

	assert.LessOrEqual(t, dials.Load(), int32(3))
}
