package session

import (
	"errors"

	"github.com/ericfitz/docsync/internal/chat"
	"github.com/ericfitz/docsync/internal/delta"
	"github.com/ericfitz/docsync/internal/presence"
)

// State is the connection state of a session.
type State int

const (
	// StateConnecting waits for the channel to come up.
	StateConnecting State = iota
	// StateAwaitingDocument has sent request-document and waits for the snapshot.
	StateAwaitingDocument
	// StateReady has a document installed and accepts edits.
	StateReady
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingDocument:
		return "awaiting_document"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DefaultTitle is shown until a snapshot provides one.
const DefaultTitle = "Untitled Document"

var (
	// ErrMissingIdentity is returned by Open when no local peer id is set.
	ErrMissingIdentity = errors.New("missing local peer identity")
	// ErrMissingDocument is returned by Open when no document id is set.
	ErrMissingDocument = errors.New("missing document id")
	// ErrMissingChannel is returned by Open when no transport channel is set.
	ErrMissingChannel = errors.New("missing transport channel")
	// ErrNotReady is returned by commands that need an installed document.
	ErrNotReady = errors.New("session not ready")
	// ErrClosed is returned by commands issued after Close.
	ErrClosed = errors.New("session closed")
	// ErrInvalidRange is returned for a cursor outside the document.
	ErrInvalidRange = errors.New("invalid range")
)

// Editor is the rich-text surface a session drives. The session keeps its own
// copy of the document; when UpdateContents fails the editor is resynchronised
// with SetContents.
type Editor interface {
	SetContents(doc delta.Delta)
	UpdateContents(change delta.Delta) error
	Enable()
	Disable()
}

// Observer receives session notifications. Every callback is optional and runs
// on the session loop, so it must not call back into the Session.
type Observer struct {
	StateChanged    func(State)
	ContentChanged  func(delta.Delta)
	TitleChanged    func(string)
	PresenceChanged func([]presence.Cursor)
	ChatAppended    func([]chat.Message)
}

// Stats counts what a session has seen.
type Stats struct {
	Connections        int
	DuplicateSnapshots int
	DroppedEvents      int
	RemoteChanges      int
	LocalChanges       int
	Persists           int
	AutosaveTicks      int
	ServerErrors       int
	// DivergedRejoins counts rejoins where unsaved local edits were kept
	// over the relay's snapshot.
	DivergedRejoins int
}
