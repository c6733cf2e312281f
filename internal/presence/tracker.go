// Package presence tracks remote peers' cursors for one document session.
package presence

import (
	"encoding/json"
	"sort"

	"github.com/ericfitz/docsync/internal/delta"
	"github.com/ericfitz/docsync/internal/eventloop"
	"github.com/ericfitz/docsync/internal/slogging"
	"github.com/ericfitz/docsync/internal/transport"
	"github.com/ericfitz/docsync/internal/wire"
)

// Cursor is a remote peer's selection.
type Cursor struct {
	PeerID string `json:"peerId"`
	Index  int    `json:"index"`
	Length int    `json:"length"`
}

// Range returns the cursor's selection.
func (c Cursor) Range() delta.Range {
	return delta.Range{Index: c.Index, Length: c.Length}
}

// Tracker holds the latest cursor per remote peer. A peer removed by a
// departure notice stays departed until an authoritative membership list names
// it again, so a cursor update still in flight cannot bring it back.
//
// Tracker is not safe for concurrent use; it belongs to one session loop.
type Tracker struct {
	local    string
	cursors  map[string]delta.Range
	departed map[string]struct{}
}

// New creates a tracker that ignores updates about localPeerID.
func New(localPeerID string) *Tracker {
	return &Tracker{
		local:    localPeerID,
		cursors:  make(map[string]delta.Range),
		departed: make(map[string]struct{}),
	}
}

// UpdatePeerCursor records r for peerID and reports whether anything changed.
func (t *Tracker) UpdatePeerCursor(peerID string, r delta.Range) bool {
	if peerID == "" || peerID == t.local || !r.Valid() {
		return false
	}
	if t.Departed(peerID) {
		return false
	}
	if prev, ok := t.cursors[peerID]; ok && prev == r {
		return false
	}
	t.cursors[peerID] = r
	return true
}

// RemovePeer drops peerID's cursor and marks it departed. It reports whether a
// cursor was removed.
func (t *Tracker) RemovePeer(peerID string) bool {
	if peerID == "" || peerID == t.local {
		return false
	}
	t.departed[peerID] = struct{}{}
	if _, ok := t.cursors[peerID]; !ok {
		return false
	}
	delete(t.cursors, peerID)
	return true
}

// SetMembers applies the room membership list. Listed peers may report
// cursors again; cursors of unlisted peers are dropped. It reports whether any
// cursor was removed.
func (t *Tracker) SetMembers(peerIDs []string) bool {
	members := make(map[string]struct{}, len(peerIDs))
	for _, id := range peerIDs {
		members[id] = struct{}{}
		delete(t.departed, id)
	}

	changed := false
	for id := range t.cursors {
		if _, ok := members[id]; !ok {
			delete(t.cursors, id)
			changed = true
		}
	}
	return changed
}

// Reset forgets every peer. Used when the connection drops and membership is
// unknown until the next join.
func (t *Tracker) Reset() bool {
	changed := len(t.cursors) > 0
	t.cursors = make(map[string]delta.Range)
	t.departed = make(map[string]struct{})
	return changed
}

// Snapshot returns the cursors sorted by peer id.
func (t *Tracker) Snapshot() []Cursor {
	out := make([]Cursor, 0, len(t.cursors))
	for id, r := range t.cursors {
		out = append(out, Cursor{PeerID: id, Index: r.Index, Length: r.Length})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Departed reports whether peerID is currently tombstoned.
func (t *Tracker) Departed(peerID string) bool {
	_, ok := t.departed[peerID]
	return ok
}

// Subscribe wires the tracker to the presence events of ch. Handlers run on d;
// onChange receives a fresh snapshot after each change and onDrop is called
// for undecodable events. The returned function removes every subscription.
func (t *Tracker) Subscribe(ch transport.Channel, d eventloop.Dispatcher, logger *slogging.Logger, onChange func([]Cursor), onDrop func()) func() {
	if logger == nil {
		logger = slogging.Get()
	}
	notify := func(changed bool) {
		if changed && onChange != nil {
			onChange(t.Snapshot())
		}
	}
	drop := func(event string, err error) {
		logger.Warn("dropping %s: %v", event, err)
		if onDrop != nil {
			onDrop()
		}
	}

	unsubs := []func(){
		ch.On(wire.EventReceiveCursor, transport.Dispatched(d, func(args []json.RawMessage) {
			var (
				peerID string
				r      delta.Range
			)
			if err := wire.DecodeArgs(args, &peerID, &r); err != nil {
				drop(wire.EventReceiveCursor, err)
				return
			}
			notify(t.UpdatePeerCursor(peerID, r))
		})),
		ch.On(wire.EventPeerLeft, transport.Dispatched(d, func(args []json.RawMessage) {
			var peerID string
			if err := wire.DecodeArgs(args, &peerID); err != nil {
				drop(wire.EventPeerLeft, err)
				return
			}
			notify(t.RemovePeer(peerID))
		})),
		ch.On(wire.EventUpdateUsers, transport.Dispatched(d, func(args []json.RawMessage) {
			var peers []string
			if err := wire.DecodeArgs(args, &peers); err != nil {
				drop(wire.EventUpdateUsers, err)
				return
			}
			notify(t.SetMembers(peers))
		})),
		ch.On(transport.EventDisconnect, transport.Dispatched(d, func([]json.RawMessage) {
			notify(t.Reset())
		})),
	}

	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
