package presence

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfitz/docsync/internal/delta"
	"github.com/ericfitz/docsync/internal/eventloop"
	"github.com/ericfitz/docsync/internal/transport"
	"github.com/ericfitz/docsync/internal/wire"
)

func TestTracker_UpdatePeerCursor(t *testing.T) {
	tr := New("alice")

	assert.True(t, tr.UpdatePeerCursor("bob", delta.Range{Index: 3, Length: 0}))
	assert.False(t, tr.UpdatePeerCursor("bob", delta.Range{Index: 3, Length: 0}), "same range is not a change")
	assert.True(t, tr.UpdatePeerCursor("bob", delta.Range{Index: 4, Length: 2}))

	assert.False(t, tr.UpdatePeerCursor("alice", delta.Range{Index: 1}), "local peer is filtered")
	assert.False(t, tr.UpdatePeerCursor("", delta.Range{Index: 1}))
	assert.False(t, tr.UpdatePeerCursor("carol", delta.Range{Index: -1}))

	assert.Equal(t, []Cursor{{PeerID: "bob", Index: 4, Length: 2}}, tr.Snapshot())
}

func TestTracker_RemovalWins(t *testing.T) {
	tr := New("alice")
	tr.UpdatePeerCursor("bob", delta.Range{Index: 1})

	assert.True(t, tr.RemovePeer("bob"))
	assert.True(t, tr.Departed("bob"))
	assert.False(t, tr.UpdatePeerCursor("bob", delta.Range{Index: 2}), "stale update after departure")
	assert.Empty(t, tr.Snapshot())

	// Removing an unknown peer still tombstones it.
	assert.False(t, tr.RemovePeer("carol"))
	assert.False(t, tr.UpdatePeerCursor("carol", delta.Range{Index: 0}))
}

func TestTracker_SetMembers(t *testing.T) {
	tr := New("alice")
	tr.UpdatePeerCursor("bob", delta.Range{Index: 1})
	tr.UpdatePeerCursor("carol", delta.Range{Index: 2})
	tr.RemovePeer("dave")

	assert.True(t, tr.SetMembers([]string{"alice", "bob", "dave"}))
	assert.Equal(t, []Cursor{{PeerID: "bob", Index: 1}}, tr.Snapshot())

	assert.False(t, tr.Departed("dave"), "listed peer rejoined")
	assert.True(t, tr.UpdatePeerCursor("dave", delta.Range{Index: 5}))
}

func TestTracker_SnapshotSorted(t *testing.T) {
	tr := New("me")
	for _, id := range []string{"zed", "amy", "kim"} {
		tr.UpdatePeerCursor(id, delta.Range{})
	}
	snap := tr.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "amy", snap[0].PeerID)
	assert.Equal(t, "kim", snap[1].PeerID)
	assert.Equal(t, "zed", snap[2].PeerID)
}

func TestTracker_Reset(t *testing.T) {
	tr := New("me")
	assert.False(t, tr.Reset())
	tr.UpdatePeerCursor("bob", delta.Range{})
	tr.RemovePeer("carol")
	assert.True(t, tr.Reset())
	assert.Empty(t, tr.Snapshot())
	assert.False(t, tr.Departed("carol"))
}

func TestTracker_Subscribe(t *testing.T) {
	loop := eventloop.New(16, nil)
	loop.Start()
	defer loop.Stop()

	pipe := transport.NewPipe()
	require.NoError(t, pipe.Connect(context.Background()))

	tr := New("alice")
	var snapshots [][]Cursor
	drops := 0
	unsubscribe := tr.Subscribe(pipe, loop, nil,
		func(c []Cursor) { snapshots = append(snapshots, c) },
		func() { drops++ })

	require.NoError(t, pipe.Emit(wire.EventReceiveCursor, "bob", delta.Range{Index: 2, Length: 1}))
	require.NoError(t, pipe.Emit(wire.EventReceiveCursor, "alice", delta.Range{Index: 9}))
	require.NoError(t, pipe.Emit(wire.EventPeerLeft, "bob"))
	require.NoError(t, pipe.Emit(wire.EventReceiveCursor, "bob", delta.Range{Index: 3}))
	require.NoError(t, pipe.EmitRaw(wire.EventReceiveCursor, json.RawMessage(`"bob"`)))
	require.NoError(t, pipe.Emit(wire.EventUpdateUsers, []string{"alice", "bob"}))
	require.NoError(t, pipe.Emit(wire.EventReceiveCursor, "bob", delta.Range{Index: 4}))

	type result struct {
		snapshots [][]Cursor
		drops     int
	}
	got, err := eventloop.Call(loop, func() result { return result{snapshots, drops} })
	require.NoError(t, err)

	assert.Equal(t, 1, got.drops)
	require.Len(t, got.snapshots, 3)
	assert.Equal(t, []Cursor{{PeerID: "bob", Index: 2, Length: 1}}, got.snapshots[0])
	assert.Empty(t, got.snapshots[1])
	assert.Equal(t, []Cursor{{PeerID: "bob", Index: 4}}, got.snapshots[2])

	unsubscribe()
	assert.Equal(t, 0, pipe.Handlers())
}
