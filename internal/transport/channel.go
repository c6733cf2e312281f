// Package transport provides the persistent bidirectional channel a document
// session talks over: named events with positional JSON arguments.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/ericfitz/docsync/internal/eventloop"
)

// Reserved pseudo-events fired by every Channel implementation.
const (
	// EventConnect fires on each logical connection, including reconnects
	EventConnect = "connect"
	// EventDisconnect fires when a live connection drops. Its single argument
	// is the reason as a JSON string.
	EventDisconnect = "disconnect"
)

var (
	// ErrNotConnected is returned by Send when there is no live connection
	ErrNotConnected = errors.New("channel not connected")
	// ErrClosed is returned once Disconnect has been called
	ErrClosed = errors.New("channel closed")
)

// Handler receives the raw positional arguments of one inbound event.
type Handler func(args []json.RawMessage)

// Channel is the contract a session needs from its transport.
type Channel interface {
	// Connect establishes the connection and fires EventConnect.
	Connect(ctx context.Context) error
	// Send enqueues an event. It does not wait for delivery.
	Send(event string, args ...any) error
	// On registers h for event. Handlers for one event run in wire order.
	On(event string, h Handler) (unsubscribe func())
	// Connected reports whether a live connection exists.
	Connected() bool
	// Disconnect releases the connection and every handler.
	Disconnect() error
}

// Dispatched wraps h so that each invocation is posted to d instead of running
// on the caller's goroutine. Events posted after d stops are dropped.
func Dispatched(d eventloop.Dispatcher, h Handler) Handler {
	return func(args []json.RawMessage) {
		_ = d.Post(func() { h(args) })
	}
}

type handlerEntry struct {
	id int
	h  Handler
}

// handlerSet is the subscription registry shared by Channel implementations.
type handlerSet struct {
	mu      sync.Mutex
	nextID  int
	byEvent map[string][]handlerEntry
}

func (s *handlerSet) add(event string, h Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byEvent == nil {
		s.byEvent = make(map[string][]handlerEntry)
	}
	s.nextID++
	id := s.nextID
	s.byEvent[event] = append(s.byEvent[event], handlerEntry{id: id, h: h})

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(event, id) })
	}
}

func (s *handlerSet) remove(event string, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.byEvent[event]
	for i, e := range entries {
		if e.id == id {
			s.byEvent[event] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(s.byEvent[event]) == 0 {
		delete(s.byEvent, event)
	}
}

// dispatch invokes the handlers registered for event. Handlers run outside the
// lock so they may unsubscribe.
func (s *handlerSet) dispatch(event string, args []json.RawMessage) int {
	s.mu.Lock()
	entries := append([]handlerEntry(nil), s.byEvent[event]...)
	s.mu.Unlock()

	for _, e := range entries {
		e.h(args)
	}
	return len(entries)
}

func (s *handlerSet) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byEvent = nil
}

func (s *handlerSet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, entries := range s.byEvent {
		n += len(entries)
	}
	return n
}

func reasonArgs(reason string) []json.RawMessage {
	raw, _ := json.Marshal(reason)
	return []json.RawMessage{raw}
}

func encodeArgs(args []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}
