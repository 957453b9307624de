package ws

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"presence-service/internal/chat"
	"presence-service/internal/models"
	"presence-service/internal/repositories"
)

func newTestClient(userID int) *Client {
	return newClient("test-conn", userID, nil, zap.NewNop().Sugar())
}

func TestSendEnqueuesEnvelope(t *testing.T) {
	c := newTestClient(1)

	require.NoError(t, c.Send(models.EventUnreadUpdate, models.UnreadUpdatePayload{ChatID: 5, Unread: 2}))

	select {
	case frame := <-c.send:
		var env struct {
			Event string                     `json:"event"`
			Data  models.UnreadUpdatePayload `json:"data"`
		}
		require.NoError(t, json.Unmarshal(frame, &env))
		assert.Equal(t, models.EventUnreadUpdate, env.Event)
		assert.Equal(t, 5, env.Data.ChatID)
		assert.Equal(t, 2, env.Data.Unread)
	default:
		t.Fatal("expected a queued frame")
	}
}

func TestSendDropsWhenBufferFull(t *testing.T) {
	c := newTestClient(1)

	for i := 0; i < sendBuffer; i++ {
		require.NoError(t, c.Send(models.EventTyping, nil))
	}
	// Buffer is full; the next push is dropped, not blocked on.
	require.NoError(t, c.Send(models.EventTyping, nil))
	assert.Len(t, c.send, sendBuffer)
}

func TestSendAfterCloseIsNoop(t *testing.T) {
	c := newTestClient(1)
	close(c.done)

	// Drain path: a closing connection accepts and discards pushes.
	for i := 0; i < sendBuffer*2; i++ {
		require.NoError(t, c.Send(models.EventTyping, nil))
	}
}

func TestIntFieldAcceptsBareNumberAndObject(t *testing.T) {
	var p fastjson.Parser

	v, err := p.Parse(`{"event":"join_chat","data":7}`)
	require.NoError(t, err)
	assert.Equal(t, 7, intField(v.Get("data"), "chatId"))

	v, err = p.Parse(`{"event":"join_chat","data":{"chatId":9}}`)
	require.NoError(t, err)
	assert.Equal(t, 9, intField(v.Get("data"), "chatId"))

	v, err = p.Parse(`{"event":"join_chat"}`)
	require.NoError(t, err)
	assert.Equal(t, 0, intField(v.Get("data"), "chatId"))
}

func TestSendErrorText(t *testing.T) {
	assert.Equal(t, "message text is empty", sendErrorText(chat.ErrEmptyMessage))
	assert.Equal(t, "not a chat participant", sendErrorText(chat.ErrNotParticipant))
	assert.Equal(t, "chat not found", sendErrorText(repositories.ErrChatNotFound))
	assert.Equal(t, "could not send message", sendErrorText(assert.AnError))
}
