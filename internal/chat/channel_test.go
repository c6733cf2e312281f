package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfitz/docsync/internal/eventloop"
	"github.com/ericfitz/docsync/internal/transport"
	"github.com/ericfitz/docsync/internal/wire"
)

type chatHarness struct {
	loop    *eventloop.Loop
	pipe    *transport.Pipe
	chat    *Channel
	changes int
	drops   int
}

func newChatHarness(t *testing.T) *chatHarness {
	t.Helper()
	h := &chatHarness{loop: eventloop.New(32, nil), pipe: transport.NewPipe()}
	h.loop.Start()
	t.Cleanup(h.loop.Stop)

	h.chat = New(Options{
		DocumentID: "doc-42",
		UserID:     "alice",
		Channel:    h.pipe,
		Dispatcher: h.loop,
		Clock:      clockwork.NewFakeClockAt(time.Date(2024, 1, 2, 3, 4, 5, 6_000_000, time.UTC)),
		OnChange:   func([]Message) { h.changes++ },
		OnDrop:     func() { h.drops++ },
	})
	h.chat.Attach()
	return h
}

// on runs fn on the loop after every previously emitted event was handled.
func on[T any](t *testing.T, h *chatHarness, fn func() T) T {
	t.Helper()
	v, err := eventloop.Call(h.loop, fn)
	require.NoError(t, err)
	return v
}

func TestChannel_RequestsHistoryOnEachConnection(t *testing.T) {
	h := newChatHarness(t)

	require.NoError(t, h.pipe.Connect(context.Background()))
	on(t, h, h.chat.Connected)

	sent := h.pipe.Sent(wire.EventLoadChatHistory)
	require.Len(t, sent, 1)
	var docID string
	require.NoError(t, wire.DecodeArgs(sent[0].Args, &docID))
	assert.Equal(t, "doc-42", docID)

	h.pipe.Drop("lost")
	assert.False(t, on(t, h, h.chat.Connected))
	require.NoError(t, h.pipe.Reconnect())
	assert.True(t, on(t, h, h.chat.Connected))
	assert.Equal(t, 2, h.pipe.Count(wire.EventLoadChatHistory))
}

func TestChannel_HistoryReplacesOncePerConnection(t *testing.T) {
	h := newChatHarness(t)
	require.NoError(t, h.pipe.Connect(context.Background()))

	first := []Message{{UserID: "bob", Message: "one"}, {UserID: "carol", Message: "two"}}
	require.NoError(t, h.pipe.Emit(wire.EventChatHistory, first))
	require.NoError(t, h.pipe.Emit(wire.EventChatHistory, []Message{{UserID: "x", Message: "dup"}}))
	require.NoError(t, h.pipe.Emit(wire.EventReceiveChat, Message{UserID: "bob", Message: "three"}))

	msgs := on(t, h, h.chat.Messages)
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].Message)
	assert.Equal(t, "two", msgs[1].Message)
	assert.Equal(t, "three", msgs[2].Message)

	// A new connection accepts a fresh history that replaces the log.
	h.pipe.Drop("lost")
	require.NoError(t, h.pipe.Reconnect())
	require.NoError(t, h.pipe.Emit(wire.EventChatHistory, []Message{{UserID: "bob", Message: "fresh"}}))

	msgs = on(t, h, h.chat.Messages)
	require.Len(t, msgs, 1)
	assert.Equal(t, "fresh", msgs[0].Message)
	assert.Equal(t, 3, on(t, h, func() int { return h.changes }))
}

func TestChannel_ArrivalOrderNeverResorted(t *testing.T) {
	h := newChatHarness(t)
	require.NoError(t, h.pipe.Connect(context.Background()))

	for _, m := range []Message{
		{Message: "late", Timestamp: "2024-01-02T10:00:00.000Z"},
		{Message: "early", Timestamp: "2024-01-01T10:00:00.000Z"},
	} {
		require.NoError(t, h.pipe.Emit(wire.EventReceiveChat, m))
	}

	msgs := on(t, h, h.chat.Messages)
	require.Len(t, msgs, 2)
	assert.Equal(t, "late", msgs[0].Message)
	assert.Equal(t, "early", msgs[1].Message)
}

func TestChannel_SendMessage(t *testing.T) {
	h := newChatHarness(t)

	assert.False(t, on(t, h, func() bool { return h.chat.SendMessage("hi") }), "not connected")

	require.NoError(t, h.pipe.Connect(context.Background()))

	tests := []struct {
		name string
		text string
		sent bool
	}{
		{"empty", "", false},
		{"whitespace", "   \t\n", false},
		{"text", "hi there", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.sent, on(t, h, func() bool { return h.chat.SendMessage(tt.text) }))
		})
	}

	sent := h.pipe.Sent(wire.EventSendChat)
	require.Len(t, sent, 1)
	var userID, text, timestamp, docID string
	require.NoError(t, wire.DecodeArgs(sent[0].Args, &userID, &text, &timestamp, &docID))
	assert.Equal(t, "alice", userID)
	assert.Equal(t, "hi there", text)
	assert.Equal(t, "2024-01-02T03:04:05.006Z", timestamp)
	assert.Equal(t, "doc-42", docID)

	assert.Empty(t, on(t, h, h.chat.Messages), "no local echo")
}

func TestChannel_Draft(t *testing.T) {
	h := newChatHarness(t)
	require.NoError(t, h.pipe.Connect(context.Background()))

	on(t, h, func() bool { h.chat.SetDraft("  "); return true })
	assert.False(t, on(t, h, h.chat.SendDraft))
	assert.Equal(t, "  ", on(t, h, h.chat.Draft), "blank draft is kept")

	on(t, h, func() bool { h.chat.SetDraft("hello"); return true })
	assert.True(t, on(t, h, h.chat.SendDraft))
	assert.Equal(t, "", on(t, h, h.chat.Draft))
}

func TestChannel_DropsMalformed(t *testing.T) {
	h := newChatHarness(t)
	require.NoError(t, h.pipe.Connect(context.Background()))

	require.NoError(t, h.pipe.EmitRaw(wire.EventReceiveChat, json.RawMessage(`"just a string"`)))
	require.NoError(t, h.pipe.EmitRaw(wire.EventChatHistory, json.RawMessage(`{"not":"a list"}`)))
	require.NoError(t, h.pipe.EmitRaw(wire.EventReceiveChat))

	assert.Equal(t, 3, on(t, h, func() int { return h.drops }))
	assert.Empty(t, on(t, h, h.chat.Messages))

	// The malformed history did not consume this connection's history slot.
	require.NoError(t, h.pipe.Emit(wire.EventChatHistory, []Message{{Message: "ok"}}))
	assert.Len(t, on(t, h, h.chat.Messages), 1)
}

func TestChannel_Detach(t *testing.T) {
	h := newChatHarness(t)
	require.NoError(t, h.pipe.Connect(context.Background()))
	on(t, h, h.chat.Connected)

	require.NoError(t, h.loop.Do(h.chat.Detach))
	assert.Equal(t, 0, h.pipe.Handlers())

	require.NoError(t, h.pipe.Emit(wire.EventReceiveChat, Message{Message: "ignored"}))
	assert.Empty(t, on(t, h, h.chat.Messages))
	assert.False(t, on(t, h, func() bool { return h.chat.SendMessage("hi") }))
}

func TestFormatTimestamp(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	assert.Equal(t, "2024-05-06T05:00:00.000Z", FormatTimestamp(time.Date(2024, 5, 6, 7, 0, 0, 0, loc)))
}
