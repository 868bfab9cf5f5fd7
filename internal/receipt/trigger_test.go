package receipt

import (
	"context"
	"testing"
	"time"

	"Tradechat/internal/event"
	"Tradechat/internal/model"
	"Tradechat/internal/store"
	"Tradechat/internal/transport/transporttest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T) *store.MessageStore {
	t.Helper()
	s := store.NewMessageStore("42", nil)
	at := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.Load("42", []model.Message{
		{ID: "1", SenderID: "bob", Content: "is it available?", SentAt: at, Status: model.MessageStatusDelivered},
		{ID: "2", SenderID: "alice", Content: "yes", SentAt: at, Status: model.MessageStatusSent},
		{ID: "3", SenderID: "bob", Content: "great", SentAt: at, Status: model.MessageStatusRead},
		{ID: "4", SenderID: "bob", Content: "price?", SentAt: at, Status: model.MessageStatusSent},
	}))
	return s
}

func newTrigger(t *testing.T) (*Trigger, *Viewport, *transporttest.Session, *store.MessageStore) {
	t.Helper()
	st := seed(t)
	port := NewViewport()
	sess := transporttest.New("alice")
	tr := NewTrigger("42", "alice", 0.5, port, st, sess, nil)
	t.Cleanup(tr.Close)
	return tr, port, sess, st
}

func TestTrigger_RegistersOnlyUnreadCounterpartMessages(t *testing.T) {
	tr, port, _, _ := newTrigger(t)

	assert.True(t, tr.Register("1"))
	assert.False(t, tr.Register("1"), "already observed")
	assert.False(t, tr.Register("2"), "own message")
	assert.False(t, tr.Register("3"), "already read")
	assert.False(t, tr.Register("missing"))
	assert.True(t, tr.Register("4"))

	assert.Equal(t, 2, port.Observed())
}

func TestTrigger_ThresholdGatesEmission(t *testing.T) {
	tr, port, sess, st := newTrigger(t)
	require.True(t, tr.Register("1"))

	port.Report("1", 0.3)
	require.Empty(t, sess.Published())

	port.Report("1", 0.5)
	evs := sess.Published(event.EventMarkMessageRead)
	require.Len(t, evs, 1)
	var p event.MarkReadPayload
	require.NoError(t, evs[0].Decode(&p))
	assert.Equal(t, event.MarkReadPayload{MessageID: "1", ConversationID: "42"}, p)

	status, _ := st.Status("1")
	assert.Equal(t, model.MessageStatusRead, status)
	assert.Equal(t, 0, port.Observed(), "read messages stop being observed")
}

func TestTrigger_MarkReadIsIdempotent(t *testing.T) {
	tr, _, sess, _ := newTrigger(t)
	ctx := context.Background()

	assert.True(t, tr.MarkRead(ctx, "4"))
	assert.False(t, tr.MarkRead(ctx, "4"))
	assert.False(t, tr.MarkRead(ctx, "3"))
	assert.False(t, tr.MarkRead(ctx, "2"))

	require.Len(t, sess.Published(event.EventMarkMessageRead), 1)
	assert.Equal(t, Stats{Observed: 0, Emitted: 1}, tr.Stats())
}

func TestTrigger_ScrollingBackDoesNotReemit(t *testing.T) {
	tr, port, sess, _ := newTrigger(t)
	require.True(t, tr.Register("1"))

	port.Report("1", 1)
	port.Report("1", 0)
	port.Report("1", 1)

	require.Len(t, sess.Published(event.EventMarkMessageRead), 1)
}

func TestTrigger_FailedEmissionRetriesOnNextView(t *testing.T) {
	tr, port, sess, st := newTrigger(t)
	sess.FailPublish(event.EventMarkMessageRead, true)
	require.True(t, tr.Register("1"))

	port.Report("1", 0.9)
	require.Empty(t, sess.Published())
	status, _ := st.Status("1")
	require.Equal(t, model.MessageStatusDelivered, status)
	require.Equal(t, 1, tr.Stats().Failed)

	sess.FailPublish(event.EventMarkMessageRead, false)
	port.Report("1", 0.2)
	port.Report("1", 0.9)

	require.Len(t, sess.Published(event.EventMarkMessageRead), 1)
	status, _ = st.Status("1")
	require.Equal(t, model.MessageStatusRead, status)
}

func TestTrigger_RearmRetriesMessagesStillOnScreen(t *testing.T) {
	tr, port, sess, st := newTrigger(t)
	require.True(t, tr.Register("1"))
	require.True(t, tr.Register("4"))

	sess.SetConnected(false)
	port.Report("1", 1)
	require.Empty(t, sess.Published(event.EventMarkMessageRead))
	require.Equal(t, 1, tr.Stats().Failed)

	// still fully visible, no new crossing
	port.Report("1", 1)
	require.Empty(t, sess.Published(event.EventMarkMessageRead))

	sess.SetConnected(true)
	assert.Equal(t, 2, tr.Rearm())

	reads := sess.Published(event.EventMarkMessageRead)
	require.Len(t, reads, 1)
	status, _ := st.Status("1")
	assert.Equal(t, model.MessageStatusRead, status)
	assert.Equal(t, 1, port.Observed(), "4 was never on screen")

	tr.Close()
	assert.Zero(t, tr.Rearm())
}

func TestTrigger_CloseDeregistersEverything(t *testing.T) {
	tr, port, sess, _ := newTrigger(t)
	require.True(t, tr.Register("1"))
	require.True(t, tr.Register("4"))
	tr.Deregister("4")
	tr.Deregister("4")
	require.Equal(t, 1, port.Observed())

	tr.Close()
	require.Equal(t, 0, port.Observed())
	require.False(t, tr.Register("4"))

	port.Report("1", 1)
	require.Empty(t, sess.Published())
}

func TestViewport_AlreadyVisibleFiresOnObserve(t *testing.T) {
	port := NewViewport()
	port.Report("9", 0.8)

	fired := 0
	port.Observe("9", 0.5, func() { fired++ })
	port.Report("9", 0.9)
	require.Equal(t, 1, fired)

	port.Forget("9")
	port.Unobserve("9")
	port.Observe("9", 0.5, func() { fired++ })
	require.Equal(t, 1, fired)
}
