// Package session implements the document synchronization session: it owns the
// live document, joins it over a transport channel, applies local and remote
// changes in arrival order and schedules periodic persistence.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ericfitz/docsync/internal/autosave"
	"github.com/ericfitz/docsync/internal/chat"
	"github.com/ericfitz/docsync/internal/delta"
	"github.com/ericfitz/docsync/internal/editor"
	"github.com/ericfitz/docsync/internal/eventloop"
	"github.com/ericfitz/docsync/internal/presence"
	"github.com/ericfitz/docsync/internal/slogging"
	"github.com/ericfitz/docsync/internal/transport"
)

// Options configures a session.
type Options struct {
	DocumentID string
	PeerID     string
	Channel    transport.Channel
	// Editor defaults to a fresh editor.Buffer.
	Editor           Editor
	Clock            clockwork.Clock
	AutosaveInterval time.Duration
	MailboxSize      int
	Observer         Observer
	Logger           *slogging.Logger
}

// Session is one client's participation in one document. All state is owned by
// a private event loop; public methods submit work to it and wait.
type Session struct {
	opts Options
	log  *slogging.Logger
	loop *eventloop.Loop
	ch   transport.Channel

	editor   Editor
	presence *presence.Tracker
	chat     *chat.Channel
	autosave *autosave.Scheduler

	state     State
	doc       delta.Delta
	title     string
	titleEdit *titleEdit
	stats     Stats

	// Per connection.
	joinRequested bool
	installed     bool

	// Local edits applied since the last persist.
	dirty  bool
	loaded bool

	unsubs    []func()
	closeOnce sync.Once
	closeErr  error
}

type titleEdit struct {
	draft  string
	remote *string
}

// Open validates opts, subscribes to the channel and connects it. The session
// joins the document once the channel reports a connection.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.PeerID == "" {
		return nil, ErrMissingIdentity
	}
	if opts.DocumentID == "" {
		return nil, ErrMissingDocument
	}
	if opts.Channel == nil {
		return nil, ErrMissingChannel
	}
	if opts.Editor == nil {
		opts.Editor = editor.NewBuffer()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slogging.Get()
	}

	s := &Session{
		opts:     opts,
		log:      opts.Logger.With("document_id", opts.DocumentID, "peer_id", opts.PeerID),
		loop:     eventloop.New(opts.MailboxSize, opts.Logger),
		ch:       opts.Channel,
		editor:   opts.Editor,
		presence: presence.New(opts.PeerID),
		state:    StateConnecting,
		title:    DefaultTitle,
	}
	s.autosave = autosave.New(opts.Clock, s.loop, opts.AutosaveInterval, s.persist)
	s.chat = chat.New(chat.Options{
		DocumentID: opts.DocumentID,
		UserID:     opts.PeerID,
		Channel:    opts.Channel,
		Dispatcher: s.loop,
		Clock:      opts.Clock,
		Logger:     s.log,
		OnChange:   s.chatChanged,
		OnDrop:     s.countDropped,
	})

	s.loop.Start()
	var attachErr error
	if err := s.loop.Do(func() { attachErr = s.attach() }); err != nil || attachErr != nil {
		s.loop.Stop()
		<-s.loop.Done()
		if err == nil {
			err = attachErr
		}
		return nil, fmt.Errorf("start session %s: %w", opts.DocumentID, err)
	}

	if err := s.ch.Connect(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("connect session %s: %w", opts.DocumentID, err)
	}
	s.log.Info("session opened for %s", opts.DocumentID)
	return s, nil
}

// Close stops autosave, releases every subscription, disconnects the channel
// and stops the loop. It is synchronous and idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if err := s.loop.Do(s.teardown); err != nil {
			s.log.Debug("session teardown skipped: %v", err)
		}
		// Stopping first unblocks any read pump waiting to post, so
		// Disconnect can wait for it.
		s.loop.Stop()
		s.closeErr = s.ch.Disconnect()
		<-s.loop.Done()
		s.log.Info("session closed for %s", s.opts.DocumentID)
	})
	return s.closeErr
}

func (s *Session) teardown() {
	s.autosave.Stop()
	s.release()
	s.editor.Disable()
	s.setState(StateClosed)
}

func (s *Session) release() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.chat.Detach()
}

// DocumentID returns the id the session was opened with.
func (s *Session) DocumentID() string {
	return s.opts.DocumentID
}

// PeerID returns the local peer id.
func (s *Session) PeerID() string {
	return s.opts.PeerID
}

// State returns the current state.
func (s *Session) State() State {
	return read(s, func() State { return s.state })
}

// Title returns the last known title.
func (s *Session) Title() string {
	return read(s, func() string { return s.title })
}

// TitleDraft returns the title being edited and whether an edit is open.
func (s *Session) TitleDraft() (string, bool) {
	type draft struct {
		text string
		open bool
	}
	d := read(s, func() draft {
		if s.titleEdit == nil {
			return draft{}
		}
		return draft{s.titleEdit.draft, true}
	})
	return d.text, d.open
}

// Content returns the session's copy of the document.
func (s *Session) Content() delta.Delta {
	return read(s, func() delta.Delta { return s.doc })
}

// Text returns the document as plain text.
func (s *Session) Text() string {
	return s.Content().Text()
}

// Peers returns the remote cursors sorted by peer id.
func (s *Session) Peers() []presence.Cursor {
	return read(s, s.presence.Snapshot)
}

// ChatLog returns the chat log in arrival order.
func (s *Session) ChatLog() []chat.Message {
	return read(s, s.chat.Messages)
}

// Stats returns a copy of the session counters.
func (s *Session) Stats() Stats {
	return read(s, func() Stats {
		st := s.stats
		st.AutosaveTicks = s.autosave.Fired()
		return st
	})
}

// read runs fn on the loop. Once the loop has exited nothing else touches the
// session state, so fn runs on the caller's goroutine.
func read[T any](s *Session, fn func() T) T {
	v, err := eventloop.Call(s.loop, fn)
	if err != nil {
		<-s.loop.Done()
		return fn()
	}
	return v
}

// command runs fn on the loop and maps a stopped loop to ErrClosed.
func (s *Session) command(fn func() error) error {
	var result error
	if err := s.loop.Do(func() { result = fn() }); err != nil {
		return ErrClosed
	}
	return result
}

func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	prev := s.state
	s.state = next
	s.log.Debug("session state %s -> %s", prev, next)
	if s.opts.Observer.StateChanged != nil {
		s.opts.Observer.StateChanged(next)
	}
}

func (s *Session) contentChanged() {
	if s.opts.Observer.ContentChanged != nil {
		s.opts.Observer.ContentChanged(s.doc)
	}
}

func (s *Session) titleChanged() {
	if s.opts.Observer.TitleChanged != nil {
		s.opts.Observer.TitleChanged(s.title)
	}
}

func (s *Session) presenceChanged(cursors []presence.Cursor) {
	if s.state == StateClosed {
		return
	}
	if s.opts.Observer.PresenceChanged != nil {
		s.opts.Observer.PresenceChanged(cursors)
	}
}

func (s *Session) chatChanged(msgs []chat.Message) {
	if s.state == StateClosed {
		return
	}
	if s.opts.Observer.ChatAppended != nil {
		s.opts.Observer.ChatAppended(msgs)
	}
}

func (s *Session) countDropped() {
	s.stats.DroppedEvents++
}
