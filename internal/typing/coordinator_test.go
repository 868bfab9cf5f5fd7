package typing

import (
	"context"
	"testing"
	"time"

	"Tradechat/internal/clock"
	"Tradechat/internal/event"
	"Tradechat/internal/transport/transporttest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCoordinator(t *testing.T) (*Coordinator, *transporttest.Session, *clock.FakeClock) {
	t.Helper()
	sess := transporttest.New("alice")
	c := clock.NewFake(time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC))
	co := NewCoordinator("42", "alice", DefaultConfig(), sess, c, nil)
	t.Cleanup(co.Close)
	return co, sess, c
}

func names(evs []event.WsEvent) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Event
	}
	return out
}

func TestCoordinator_KeystrokesDebounceIntoOneStartAndOneStop(t *testing.T) {
	co, sess, c := newCoordinator(t)
	ctx := context.Background()

	co.Keystroke(ctx)
	for i := 0; i < 5; i++ {
		c.Advance(time.Second)
		co.Keystroke(ctx)
	}
	require.Equal(t, []string{event.EventTypingStart}, names(sess.Published()))
	require.True(t, co.IsLocalTyping())

	c.Advance(1999 * time.Millisecond)
	require.Len(t, sess.Published(event.EventTypingStop), 0)

	c.Advance(time.Millisecond)
	require.Equal(t, []string{event.EventTypingStart, event.EventTypingStop}, names(sess.Published()))
	require.False(t, co.IsLocalTyping())

	c.Advance(time.Minute)
	require.Len(t, sess.Published(event.EventTypingStop), 1)

	var p event.TypingPayload
	require.NoError(t, sess.Published()[1].Decode(&p))
	require.Equal(t, "42", p.ConversationID)
}

func TestCoordinator_NewWindowAfterExpiry(t *testing.T) {
	co, sess, c := newCoordinator(t)
	ctx := context.Background()

	co.Keystroke(ctx)
	c.Advance(3 * time.Second)
	co.Keystroke(ctx)
	c.Advance(3 * time.Second)

	require.Equal(t, []string{
		event.EventTypingStart, event.EventTypingStop,
		event.EventTypingStart, event.EventTypingStop,
	}, names(sess.Published()))
}

func TestCoordinator_StopOnSend(t *testing.T) {
	co, sess, c := newCoordinator(t)
	ctx := context.Background()

	co.Stop(ctx)
	require.Empty(t, sess.Published())

	co.Keystroke(ctx)
	co.Stop(ctx)
	require.Equal(t, []string{event.EventTypingStart, event.EventTypingStop}, names(sess.Published()))

	// the cancelled timer must not emit a second stop
	c.Advance(5 * time.Second)
	require.Len(t, sess.Published(event.EventTypingStop), 1)
	require.Zero(t, c.Pending())
}

func TestCoordinator_DegradedTransportOpensNoWindow(t *testing.T) {
	co, sess, c := newCoordinator(t)
	sess.SetConnected(false)

	co.Keystroke(context.Background())
	require.False(t, co.IsLocalTyping())
	c.Advance(5 * time.Second)

	require.Empty(t, sess.Published())
	require.Len(t, sess.Attempts(event.EventTypingStart), 1)
	require.Empty(t, sess.Attempts(event.EventTypingStop))
}

func TestCoordinator_RemoteIndicatorDecays(t *testing.T) {
	co, sess, c := newCoordinator(t)
	co.Bind()

	var changes [][]string
	co.OnChange(func(users []string) { changes = append(changes, users) })

	require.NoError(t, sess.Emit(event.EventUserTyping, event.UserTypingPayload{ConversationID: "42", UserID: "bob"}))
	require.True(t, co.IsTyping("bob"))

	c.Advance(2 * time.Second)
	require.NoError(t, sess.Emit(event.EventUserTyping, event.UserTypingPayload{ConversationID: "42", UserID: "bob"}))
	c.Advance(2 * time.Second)
	require.True(t, co.IsTyping("bob"), "a repeated start extends the window")

	c.Advance(time.Second)
	require.False(t, co.IsTyping("bob"))
	require.Equal(t, [][]string{{"bob"}, nil}, changes)
}

func TestCoordinator_RemoteFiltering(t *testing.T) {
	co, sess, _ := newCoordinator(t)
	co.Bind()

	require.NoError(t, sess.Emit(event.EventUserTyping, event.UserTypingPayload{ConversationID: "7", UserID: "bob"}))
	require.NoError(t, sess.Emit(event.EventUserTyping, event.UserTypingPayload{ConversationID: "42", UserID: "alice"}))
	assert.Empty(t, co.TypingUsers())

	require.NoError(t, sess.Emit(event.EventUserTyping, event.UserTypingPayload{ConversationID: "42", UserID: "bob"}))
	require.NoError(t, sess.Emit(event.EventUserStoppedTyping, event.UserTypingPayload{ConversationID: "42", UserID: "bob"}))
	assert.Empty(t, co.TypingUsers())
}

func TestCoordinator_NoIndicatorsWhileDegraded(t *testing.T) {
	co, sess, _ := newCoordinator(t)
	co.RemoteTyping("bob")
	require.Equal(t, []string{"bob"}, co.TypingUsers())

	sess.SetConnected(false)
	assert.Empty(t, co.TypingUsers())
	assert.False(t, co.IsTyping("bob"))
}

func TestCoordinator_CloseReleasesEverything(t *testing.T) {
	co, sess, c := newCoordinator(t)
	co.Bind()
	require.Equal(t, 2, sess.Subscribers())

	co.Keystroke(context.Background())
	co.RemoteTyping("bob")
	co.Close()

	require.Equal(t, 0, sess.Subscribers())
	require.Zero(t, c.Pending())
	require.Equal(t, []string{event.EventTypingStart, event.EventTypingStop}, names(sess.Published()))
	require.Empty(t, co.TypingUsers())

	co.Keystroke(context.Background())
	require.Len(t, sess.Published(), 2)
}
