package session

import (
	"encoding/json"
	"fmt"

	"github.com/ericfitz/docsync/internal/delta"
	"github.com/ericfitz/docsync/internal/transport"
	"github.com/ericfitz/docsync/internal/wire"
)

// attach subscribes every session handler. Runs on the loop. If the channel
// panics while subscribing, whatever was registered is released.
func (s *Session) attach() (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.release()
			err = fmt.Errorf("subscribe handlers: %v", r)
		}
	}()

	on := func(event string, h transport.Handler) {
		s.unsubs = append(s.unsubs, s.ch.On(event, transport.Dispatched(s.loop, s.guard(event, h))))
	}
	on(transport.EventConnect, s.onConnect)
	on(transport.EventDisconnect, s.onDisconnect)
	on(wire.EventDocumentSnapshot, s.onSnapshot)
	on(wire.EventReceiveChange, s.onReceiveChange)
	on(wire.EventTitleUpdated, s.onTitleUpdated)
	on(wire.EventError, s.onServerError)

	s.unsubs = append(s.unsubs, s.presence.Subscribe(s.ch, s.loop, s.log, s.presenceChanged, s.countDropped))
	s.chat.Attach()

	// A channel that is already up does not fire EventConnect again.
	if s.ch.Connected() {
		_ = s.loop.Post(func() { s.onConnect(nil) })
	}
	return nil
}

// guard drops events that arrive after teardown and recovers handler panics so
// a bad payload cannot take the loop down.
func (s *Session) guard(event string, h transport.Handler) transport.Handler {
	return func(args []json.RawMessage) {
		if s.state == StateClosed {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("handler for %s panicked: %v", event, r)
				s.stats.DroppedEvents++
			}
		}()
		h(args)
	}
}

func (s *Session) drop(event string, err error) {
	s.stats.DroppedEvents++
	s.log.Warn("dropping %s in state %s: %v", event, s.state, err)
}

func (s *Session) onConnect([]json.RawMessage) {
	s.stats.Connections++
	s.joinRequested = false
	s.installed = false
	s.join()
}

// join sends request-document at most once per connection.
func (s *Session) join() {
	if s.state == StateClosed || s.joinRequested {
		return
	}
	if err := s.ch.Send(wire.EventRequestDocument, s.opts.DocumentID, s.opts.PeerID); err != nil {
		s.log.Warn("request-document failed: %v", err)
		return
	}
	s.joinRequested = true
	s.setState(StateAwaitingDocument)
}

func (s *Session) onDisconnect(args []json.RawMessage) {
	var reason string
	_ = wire.DecodeArgs(args, &reason)
	s.log.Info("channel dropped: %s", reason)

	s.autosave.Stop()
	s.editor.Disable()
	s.joinRequested = false
	s.installed = false
	s.setState(StateConnecting)
}

func (s *Session) onSnapshot(args []json.RawMessage) {
	if s.installed {
		s.stats.DuplicateSnapshots++
		s.log.Debug("ignoring duplicate document-snapshot")
		return
	}
	if s.state != StateAwaitingDocument {
		s.drop(wire.EventDocumentSnapshot, ErrNotReady)
		return
	}

	var content delta.Delta
	if err := wire.DecodeArgs(args, &content); err != nil {
		s.drop(wire.EventDocumentSnapshot, err)
		return
	}
	if err := content.Validate(); err != nil {
		s.drop(wire.EventDocumentSnapshot, err)
		return
	}
	if !content.IsDocument() {
		s.drop(wire.EventDocumentSnapshot, delta.ErrNotDocument)
		return
	}
	var title string
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &title); err != nil {
			s.log.Debug("snapshot title undecodable: %v", err)
		}
	}

	s.installed = true
	if s.loaded && s.dirty {
		// Edits made since the last persist would be lost by the server copy.
		// Peer edits made while disconnected are overwritten by this persist.
		s.stats.DivergedRejoins++
		s.log.Warn("keeping local document over rejoin snapshot (%d local positions, %d in snapshot)",
			s.doc.Length(), content.Length())
		s.persist()
	} else {
		s.doc = content
		s.editor.SetContents(content)
		s.contentChanged()
	}
	s.loaded = true
	if title != "" {
		s.applyRemoteTitle(title)
	}

	s.editor.Enable()
	s.autosave.Start()
	s.setState(StateReady)
}

func (s *Session) onReceiveChange(args []json.RawMessage) {
	if s.state != StateReady {
		s.drop(wire.EventReceiveChange, ErrNotReady)
		return
	}
	var change delta.Delta
	if err := wire.DecodeArgs(args, &change); err != nil {
		s.drop(wire.EventReceiveChange, err)
		return
	}
	next, err := delta.Apply(s.doc, change)
	if err != nil {
		s.drop(wire.EventReceiveChange, err)
		return
	}
	s.doc = next
	s.stats.RemoteChanges++
	s.syncEditor(change)
	s.contentChanged()
}

// syncEditor forwards change to the editor, reinstalling the whole document if
// the editor cannot take it.
func (s *Session) syncEditor(change delta.Delta) {
	if err := s.editor.UpdateContents(change); err != nil {
		s.log.Warn("editor rejected change, resynchronising: %v", err)
		s.editor.SetContents(s.doc)
	}
}

func (s *Session) onTitleUpdated(args []json.RawMessage) {
	var title string
	if err := wire.DecodeArgs(args, &title); err != nil {
		s.drop(wire.EventTitleUpdated, err)
		return
	}
	s.applyRemoteTitle(title)
}

// applyRemoteTitle defers a remote title while a local edit is open.
func (s *Session) applyRemoteTitle(title string) {
	if s.titleEdit != nil {
		s.titleEdit.remote = &title
		return
	}
	if title == s.title {
		return
	}
	s.title = title
	s.titleChanged()
}

func (s *Session) onServerError(args []json.RawMessage) {
	var e wire.ErrorPayload
	if err := wire.DecodeArgs(args, &e.Code, &e.Message); err != nil {
		s.drop(wire.EventError, err)
		return
	}
	s.stats.ServerErrors++
	s.log.Warn("relay reported error: %v", e)
}

// persist sends the current document. Runs on autosave ticks.
func (s *Session) persist() {
	if !s.installed || s.state == StateClosed {
		return
	}
	if err := s.ch.Send(wire.EventPersistDocument, s.opts.DocumentID, s.doc); err != nil {
		s.log.Warn("persist-document failed: %v", err)
		return
	}
	s.stats.Persists++
	s.dirty = false
}
