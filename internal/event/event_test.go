package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WireShape(t *testing.T) {
	ev, err := New(EventSendMessage, SendMessagePayload{ConversationID: "42", Content: "Hola", ClientTempID: "tmp-1"})
	require.NoError(t, err)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"sendMessage","payload":{"conversationId":"42","content":"Hola","clientTempId":"tmp-1"}}`, string(raw))

	bare, err := New(EventRequestOnlineUsers, nil)
	require.NoError(t, err)
	raw, err = json.Marshal(bare)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"requestOnlineUsers"}`, string(raw))
}

func TestDecode(t *testing.T) {
	var ev WsEvent
	require.NoError(t, json.Unmarshal([]byte(`{"event":"userTyping","payload":{"conversationId":"42","userId":"bob"}}`), &ev))

	var p UserTypingPayload
	require.NoError(t, ev.Decode(&p))
	assert.Equal(t, UserTypingPayload{ConversationID: "42", UserID: "bob"}, p)

	var empty OnlineUsersPayload
	require.NoError(t, WsEvent{Event: EventOnlineUsers}.Decode(&empty))
	assert.Empty(t, empty.UserIDs)

	bad := WsEvent{Event: EventNewMessage, Payload: json.RawMessage(`"nope"`)}
	assert.Error(t, bad.Decode(&NewMessagePayload{}))
}
