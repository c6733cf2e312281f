// Package wire defines the events exchanged between document clients and the
// relay, and the JSON envelope that carries them over a websocket.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client to server events.
const (
	EventRequestDocument = "request-document"
	EventSendChange      = "send-change"
	EventPersistDocument = "persist-document"
	EventSendCursor      = "send-cursor"
	EventUpdateTitle     = "update-title"
	EventLoadChatHistory = "load-chat-history"
	EventSendChat        = "send-chat"
)

// Server to client events.
const (
	EventDocumentSnapshot = "document-snapshot"
	EventReceiveChange    = "receive-change"
	EventReceiveCursor    = "receive-cursor"
	EventPeerLeft         = "peer-left"
	EventUpdateUsers      = "update-users"
	EventTitleUpdated     = "title-updated"
	EventChatHistory      = "chat-history"
	EventReceiveChat      = "receive-chat"
	EventError            = "error"
)

// Error codes carried by EventError.
const (
	CodeUnknownEvent   = "unknown_event"
	CodeBadArguments   = "bad_arguments"
	CodeNotJoined      = "not_joined"
	CodeOutOfRange     = "out_of_range"
	CodeStoreFailure   = "store_failure"
	CodeRejectedInput  = "rejected_input"
	CodeMalformedFrame = "malformed_frame"
)

var (
	// ErrMalformedFrame is returned for frames that are not an envelope.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrArity is returned when an event carries fewer arguments than needed.
	ErrArity = errors.New("wrong number of arguments")
	// ErrArgument is returned when an argument cannot be decoded.
	ErrArgument = errors.New("undecodable argument")
)

// Envelope is one websocket text frame: {"event":"<name>","args":[...]}.
type Envelope struct {
	Event string            `json:"event"`
	Args  []json.RawMessage `json:"args"`
}

// Encode builds a frame for event with positional args.
func Encode(event string, args ...any) ([]byte, error) {
	env := Envelope{Event: event, Args: make([]json.RawMessage, 0, len(args))}
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encode %s arg %d: %w", event, i, err)
		}
		env.Args = append(env.Args, raw)
	}
	return json.Marshal(env)
}

// Decode parses a frame.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrMalformedFrame)
	}
	return env, nil
}

// DecodeArgs decodes args positionally into dst. Extra args are ignored;
// missing ones fail with ErrArity.
func DecodeArgs(args []json.RawMessage, dst ...any) error {
	if len(args) < len(dst) {
		return fmt.Errorf("%w: got %d, want %d", ErrArity, len(args), len(dst))
	}
	for i, d := range dst {
		if err := json.Unmarshal(args[i], d); err != nil {
			return fmt.Errorf("%w %d: %v", ErrArgument, i, err)
		}
	}
	return nil
}

// ChatMessage is a chat log entry as the relay broadcasts it.
type ChatMessage struct {
	ID        string `json:"id,omitempty"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// ErrorPayload is the decoded form of EventError.
type ErrorPayload struct {
	Code    string
	Message string
}

func (e ErrorPayload) Error() string {
	return e.Code + ": " + e.Message
}
