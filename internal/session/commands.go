package session

import (
	"fmt"
	"strings"

	"github.com/ericfitz/docsync/internal/delta"
	"github.com/ericfitz/docsync/internal/wire"
)

// LocalEdit applies change to the document and the editor, then sends it to
// the relay. The change is applied before it is sent, so the local document is
// never behind what was transmitted.
func (s *Session) LocalEdit(change delta.Delta) error {
	return s.command(func() error {
		if s.state != StateReady {
			return ErrNotReady
		}
		next, err := delta.Apply(s.doc, change)
		if err != nil {
			return fmt.Errorf("local edit: %w", err)
		}
		s.doc = next
		s.dirty = true
		s.stats.LocalChanges++
		s.syncEditor(change)
		s.contentChanged()

		if err := s.ch.Send(wire.EventSendChange, change, s.opts.DocumentID); err != nil {
			return fmt.Errorf("send-change: %w", err)
		}
		return nil
	})
}

// BeginTitleEdit opens a title edit seeded with the current title. While it is
// open, remote titles are held back.
func (s *Session) BeginTitleEdit() error {
	return s.command(func() error {
		s.beginTitleEdit()
		return nil
	})
}

func (s *Session) beginTitleEdit() {
	if s.titleEdit == nil {
		s.titleEdit = &titleEdit{draft: s.title}
	}
}

// SetTitleDraft replaces the draft, opening an edit if none is open.
func (s *Session) SetTitleDraft(title string) error {
	return s.command(func() error {
		s.beginTitleEdit()
		s.titleEdit.draft = title
		return nil
	})
}

// CommitTitle sends the draft as the new title and closes the edit. A blank
// draft cancels instead. When the session is not ready the edit stays open.
func (s *Session) CommitTitle() error {
	return s.command(func() error {
		if s.titleEdit == nil {
			return nil
		}
		if s.state != StateReady {
			return ErrNotReady
		}
		title := strings.TrimSpace(s.titleEdit.draft)
		if title == "" {
			s.cancelTitleEdit()
			return nil
		}
		if err := s.ch.Send(wire.EventUpdateTitle, s.opts.DocumentID, title); err != nil {
			return fmt.Errorf("update-title: %w", err)
		}
		s.titleEdit = nil
		if title != s.title {
			s.title = title
			s.titleChanged()
		}
		return nil
	})
}

// CancelTitleEdit discards the draft. The title reverts to the last known
// value, or to a remote title that arrived during the edit. Nothing is sent.
func (s *Session) CancelTitleEdit() error {
	return s.command(func() error {
		s.cancelTitleEdit()
		return nil
	})
}

func (s *Session) cancelTitleEdit() {
	if s.titleEdit == nil {
		return
	}
	if remote := s.titleEdit.remote; remote != nil {
		s.title = *remote
	}
	s.titleEdit = nil
	s.titleChanged()
}

// MoveCursor reports the local selection to the other peers.
func (s *Session) MoveCursor(r delta.Range) error {
	return s.command(func() error {
		if s.state != StateReady {
			return ErrNotReady
		}
		if !r.Within(s.doc.Length()) {
			return fmt.Errorf("%w: %d+%d in %d", ErrInvalidRange, r.Index, r.Length, s.doc.Length())
		}
		if err := s.ch.Send(wire.EventSendCursor, s.opts.PeerID, r, s.opts.DocumentID); err != nil {
			return fmt.Errorf("send-cursor: %w", err)
		}
		return nil
	})
}

// SendChat sends text to the document chat. It reports false when the text is
// blank or the channel is down.
func (s *Session) SendChat(text string) (bool, error) {
	var sent bool
	err := s.command(func() error {
		sent = s.chat.SendMessage(text)
		return nil
	})
	return sent, err
}

// SetChatDraft replaces the chat composer text.
func (s *Session) SetChatDraft(text string) error {
	return s.command(func() error {
		s.chat.SetDraft(text)
		return nil
	})
}

// ChatDraft returns the chat composer text.
func (s *Session) ChatDraft() string {
	return read(s, s.chat.Draft)
}

// SendChatDraft sends the composer text and clears it on success.
func (s *Session) SendChatDraft() (bool, error) {
	var sent bool
	err := s.command(func() error {
		sent = s.chat.SendDraft()
		return nil
	})
	return sent, err
}
