package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"Tradechat/internal/clock"
	"Tradechat/internal/event"
	"Tradechat/internal/model"
	"Tradechat/internal/presence"
	"Tradechat/internal/transport/transporttest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

// fakeAPI serves conversations, history, sends and notifications from
// memory.
type fakeAPI struct {
	mu            sync.Mutex
	convs         []model.Conversation
	history       map[string][]model.Message
	notifications map[string]model.Notification
	sendErr       error
	sends         int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		convs: []model.Conversation{
			{ID: "42", BuyerID: "alice", SellerID: "bob", ProductID: "bike", LastMessageAt: now.Add(-2 * time.Minute), UnreadCount: 1},
			{ID: "43", BuyerID: "alice", SellerID: "carol", ProductID: "lamp", LastMessageAt: now.Add(-time.Hour), UnreadCount: 1},
		},
		history: map[string][]model.Message{
			"42": {
				{ID: "1", ConversationID: "42", SenderID: "bob", Content: "still for sale", SentAt: now.Add(-3 * time.Minute), Status: model.MessageStatusDelivered},
				{ID: "2", ConversationID: "42", SenderID: "alice", Content: "great", SentAt: now.Add(-2 * time.Minute), Status: model.MessageStatusSent},
			},
		},
		notifications: map[string]model.Notification{"n1": {ID: "n1", UserID: "alice", ConversationID: "43"}},
	}
}

func (f *fakeAPI) ListConversations(context.Context) ([]model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Conversation(nil), f.convs...), nil
}

func (f *fakeAPI) GetMessages(_ context.Context, conversationID string) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Message(nil), f.history[conversationID]...), nil
}

func (f *fakeAPI) SendMessage(_ context.Context, conversationID, content, clientTempID string) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if f.sendErr != nil {
		return model.Message{}, f.sendErr
	}
	msg := model.Message{
		ID:             fmt.Sprintf("srv-%d", f.sends),
		ClientTempID:   clientTempID,
		ConversationID: conversationID,
		SenderID:       "alice",
		Content:        content,
		SentAt:         now,
		Status:         model.MessageStatusSent,
	}
	f.history[conversationID] = append(f.history[conversationID], msg)
	return msg, nil
}

func (f *fakeAPI) GetNotification(_ context.Context, id string) (model.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notifications[id]
	if !ok {
		return model.Notification{}, errors.New("not found")
	}
	return n, nil
}

func (f *fakeAPI) MarkNotificationRead(ctx context.Context, id string) (model.Notification, error) {
	n, err := f.GetNotification(ctx, id)
	if err != nil {
		return n, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n.Read = true
	f.notifications[id] = n
	return n, nil
}

type env struct {
	api      *fakeAPI
	sess     *transporttest.Session
	presence *presence.Tracker
	clock    *clock.FakeClock
	deps     Deps
}

func newEnv() *env {
	e := &env{
		api:   newFakeAPI(),
		sess:  transporttest.New("alice"),
		clock: clock.NewFake(now),
	}
	e.presence = presence.NewTracker(presence.DefaultWindows(), e.sess, e.clock, nil)
	e.deps = Deps{
		Session:       e.sess,
		Conversations: e.api,
		Messages:      e.api,
		Presence:      e.presence,
		Clock:         e.clock,
		Config:        DefaultConfig(),
	}
	return e
}

func (e *env) open(t *testing.T, id string) *View {
	t.Helper()
	v, err := Open(context.Background(), id, e.deps)
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestOpen_LoadsHistoryAndInfersPresence(t *testing.T) {
	e := newEnv()
	v := e.open(t, "42")

	assert.Equal(t, []string{"1", "2"}, ids(v.Messages()))
	assert.Equal(t, "bob", v.Counterpart())
	assert.True(t, v.CounterpartOnline(), "bob wrote 3 minutes ago")
	assert.Equal(t, 1, v.UnreadCount())
	assert.Equal(t, 1, v.viewport.Observed())
}

func TestOpen_Errors(t *testing.T) {
	e := newEnv()

	_, err := Open(context.Background(), "99", e.deps)
	require.ErrorIs(t, err, ErrConversationNotFound)

	_, err = Open(context.Background(), "", e.deps)
	require.Error(t, err)

	e.sess.UserID = "mallory"
	_, err = Open(context.Background(), "42", e.deps)
	require.ErrorIs(t, err, ErrNotParticipant)
}

// liveDuringFetch delivers live events while history is being fetched.
type liveDuringFetch struct {
	*fakeAPI
	sess   *transporttest.Session
	events []event.WsEvent
}

func (f *liveDuringFetch) GetMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	for _, ev := range f.events {
		if err := f.sess.Emit(ev.Event, ev.Payload); err != nil {
			return nil, err
		}
	}
	return f.fakeAPI.GetMessages(ctx, conversationID)
}

func TestOpen_AppliesEventsReceivedDuringFetch(t *testing.T) {
	e := newEnv()
	frame := func(name string, payload any) event.WsEvent {
		ev, err := event.New(name, payload)
		require.NoError(t, err)
		return ev
	}
	api := &liveDuringFetch{
		fakeAPI: e.api,
		sess:    e.sess,
		events: []event.WsEvent{
			frame(event.EventNewMessage, model.Message{ID: "1", ConversationID: "42", SenderID: "bob", Content: "still for sale", SentAt: now.Add(-3 * time.Minute)}),
			frame(event.EventNewMessage, model.Message{ID: "3", ConversationID: "42", SenderID: "bob", Content: "are you there?", SentAt: now}),
			frame(event.EventMessageRead, event.MessageStatusPayload{MessageID: "2", ConversationID: "42", UserID: "bob"}),
			frame(event.EventNewMessage, model.Message{ID: "x", ConversationID: "43", SenderID: "carol"}),
		},
	}
	e.deps.Messages = api

	v := e.open(t, "42")

	assert.Equal(t, []string{"1", "2", "3"}, ids(v.Messages()))
	own, _ := v.Message("2")
	assert.Equal(t, model.MessageStatusRead, own.Status)
	assert.Equal(t, 2, v.UnreadCount())
	assert.Equal(t, 2, v.viewport.Observed())

	require.NoError(t, e.sess.Emit(event.EventNewMessage, model.Message{ID: "4", ConversationID: "42", SenderID: "bob", SentAt: now}))
	assert.Equal(t, []string{"1", "2", "3", "4"}, ids(v.Messages()))
}

func TestOpen_FailureReleasesSubscriptions(t *testing.T) {
	e := newEnv()
	_, err := Open(context.Background(), "99", e.deps)
	require.ErrorIs(t, err, ErrConversationNotFound)
	assert.Zero(t, e.sess.Subscribers())
}

func TestView_InboundMessageIsReadWhenVisible(t *testing.T) {
	e := newEnv()
	v := e.open(t, "42")

	require.NoError(t, e.sess.Emit(event.EventNewMessage, model.Message{
		ID: "3", ConversationID: "42", SenderID: "bob", Content: "when can you pick it up?", SentAt: now, Status: model.MessageStatusSent,
	}))
	require.NoError(t, e.sess.Emit(event.EventNewMessage, model.Message{
		ID: "3", ConversationID: "42", SenderID: "bob", Content: "when can you pick it up?", SentAt: now,
	}))
	require.NoError(t, e.sess.Emit(event.EventNewMessage, model.Message{ID: "x", ConversationID: "43", SenderID: "carol"}))
	require.Equal(t, []string{"1", "2", "3"}, ids(v.Messages()))
	require.Equal(t, 2, v.UnreadCount())

	v.ReportVisibility("3", 0.2)
	require.Empty(t, e.sess.Published(event.EventMarkMessageRead))
	v.ReportVisibility("3", 0.7)
	v.ReportVisibility("3", 1)

	reads := e.sess.Published(event.EventMarkMessageRead)
	require.Len(t, reads, 1)
	msg, _ := v.Message("3")
	assert.Equal(t, model.MessageStatusRead, msg.Status)
	assert.Equal(t, 1, v.UnreadCount())
}

func TestView_ReceiptFailedWhileDegradedIsSentOnReconnect(t *testing.T) {
	e := newEnv()
	v := e.open(t, "42")

	e.sess.SetConnected(false)
	v.ReportVisibility("1", 1)
	require.Empty(t, e.sess.Published(event.EventMarkMessageRead))

	e.sess.SetConnected(true)

	reads := e.sess.Published(event.EventMarkMessageRead)
	require.Len(t, reads, 1)
	var p event.MarkReadPayload
	require.NoError(t, reads[0].Decode(&p))
	assert.Equal(t, "1", p.MessageID)
	msg, _ := v.Message("1")
	assert.Equal(t, model.MessageStatusRead, msg.Status)
}

func TestView_StatusEventsAdvanceOwnMessages(t *testing.T) {
	e := newEnv()
	v := e.open(t, "42")

	require.NoError(t, e.sess.Emit(event.EventMessageRead, event.MessageStatusPayload{MessageID: "2", ConversationID: "42", UserID: "bob"}))
	require.NoError(t, e.sess.Emit(event.EventMessageDelivered, event.MessageStatusPayload{MessageID: "2", ConversationID: "42"}))

	msg, _ := v.Message("2")
	assert.Equal(t, model.MessageStatusRead, msg.Status)
}

func TestView_OptimisticSendReconcilesWithEcho(t *testing.T) {
	e := newEnv()
	v := e.open(t, "42")
	ctx := context.Background()

	v.Keystroke(ctx)
	tempID, err := v.Send(ctx, "Hola")
	require.NoError(t, err)

	msg, ok := v.Message(tempID)
	require.True(t, ok)
	require.Equal(t, model.MessageStatusSending, msg.Status)
	v.Wait()

	var names []string
	for _, ev := range e.sess.Published() {
		names = append(names, ev.Event)
	}
	require.Equal(t, []string{event.EventTypingStart, event.EventTypingStop, event.EventSendMessage}, names)

	require.NoError(t, e.sess.Emit(event.EventNewMessage, model.Message{
		ID: "987", ClientTempID: tempID, ConversationID: "42", SenderID: "alice", Content: "Hola", SentAt: now,
	}))

	require.Equal(t, []string{"1", "2", "987"}, ids(v.Messages()))
	got, _ := v.Message("987")
	assert.Equal(t, model.MessageStatusSent, got.Status)
	assert.Equal(t, "Hola", got.Content)
	assert.Zero(t, v.Stats().Pending)
}

func TestView_DegradedTransport(t *testing.T) {
	e := newEnv()
	e.presence.SetOnline("bob", presence.SourceServer)
	e.sess.SetConnected(false)
	v := e.open(t, "42")

	assert.False(t, v.CounterpartOnline())
	assert.False(t, e.presence.IsOnline("carol"))
	assert.Equal(t, []string{"1", "2"}, ids(v.Messages()))

	require.NoError(t, e.sess.Emit(event.EventUserTyping, event.UserTypingPayload{ConversationID: "42", UserID: "bob"}))
	assert.Empty(t, v.TypingUsers())

	_, err := v.Send(context.Background(), "Hola")
	require.NoError(t, err)
	v.Wait()

	require.Equal(t, []string{"1", "2", "srv-1"}, ids(v.Messages()))
	got, _ := v.Message("srv-1")
	assert.Equal(t, model.MessageStatusSent, got.Status)
}

func TestView_FailedSendCanBeRetried(t *testing.T) {
	e := newEnv()
	e.sess.SetConnected(false)
	e.api.sendErr = errors.New("connection refused")
	v := e.open(t, "42")
	ctx := context.Background()

	tempID, err := v.Send(ctx, "Hola")
	require.NoError(t, err)
	v.Wait()
	msg, _ := v.Message(tempID)
	require.Equal(t, model.MessageStatusFailed, msg.Status)
	require.Equal(t, 1, v.Stats().Failed)

	e.api.mu.Lock()
	e.api.sendErr = nil
	e.api.mu.Unlock()

	_, err = v.Retry(ctx, tempID)
	require.NoError(t, err)
	v.Wait()
	require.Equal(t, []string{"1", "2", "srv-2"}, ids(v.Messages()))
}

func TestView_CloseReleasesSubscriptionsAndObservers(t *testing.T) {
	e := newEnv()
	v, err := Open(context.Background(), "42", e.deps)
	require.NoError(t, err)
	require.Positive(t, e.sess.Subscribers())

	v.Close()
	v.Close()

	assert.Zero(t, e.sess.Subscribers())
	assert.Zero(t, e.sess.StateListeners())
	assert.Zero(t, v.viewport.Observed())
	assert.Zero(t, e.clock.Pending())

	_, err = v.Send(context.Background(), "Hola")
	require.ErrorIs(t, err, ErrViewClosed)

	// events after close do not reach the store
	require.NoError(t, e.sess.Emit(event.EventNewMessage, model.Message{ID: "3", ConversationID: "42", SenderID: "bob"}))
	assert.Len(t, v.Messages(), 2)
}
