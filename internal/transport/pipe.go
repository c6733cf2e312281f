package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ericfitz/docsync/internal/wire"
)

// Pipe is an in-process Channel. The far end is driven through the methods
// that are not part of Channel: Emit delivers an inbound event, Sent reports
// what was sent, Drop and Reconnect simulate the link going away and coming
// back. Embedding hosts use it to run a session without a network.
type Pipe struct {
	handlers handlerSet

	mu         sync.Mutex
	connected  bool
	closed     bool
	connectErr error
	sent       []wire.Envelope
	onSend     func(wire.Envelope)
}

// NewPipe returns an unconnected pipe.
func NewPipe() *Pipe {
	return &Pipe{}
}

// Connect marks the pipe connected and fires EventConnect.
func (p *Pipe) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.connectErr != nil {
		err := p.connectErr
		p.mu.Unlock()
		return err
	}
	if p.connected {
		p.mu.Unlock()
		return nil
	}
	p.connected = true
	p.mu.Unlock()

	p.handlers.dispatch(EventConnect, nil)
	return nil
}

// Send records the event and passes it to the OnSend hook.
func (p *Pipe) Send(event string, args ...any) error {
	raw, err := encodeArgs(args)
	if err != nil {
		return err
	}
	env := wire.Envelope{Event: event, Args: raw}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if !p.connected {
		p.mu.Unlock()
		return ErrNotConnected
	}
	p.sent = append(p.sent, env)
	hook := p.onSend
	p.mu.Unlock()

	if hook != nil {
		hook(env)
	}
	return nil
}

// On registers a handler.
func (p *Pipe) On(event string, h Handler) func() {
	return p.handlers.add(event, h)
}

// Connected reports whether the pipe is connected.
func (p *Pipe) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Disconnect closes the pipe and drops every handler.
func (p *Pipe) Disconnect() error {
	p.mu.Lock()
	p.closed = true
	p.connected = false
	p.mu.Unlock()
	p.handlers.clear()
	return nil
}

// Emit delivers an inbound event to the registered handlers.
func (p *Pipe) Emit(event string, args ...any) error {
	raw, err := encodeArgs(args)
	if err != nil {
		return err
	}
	return p.EmitRaw(event, raw...)
}

// EmitRaw delivers an inbound event with pre-encoded arguments.
func (p *Pipe) EmitRaw(event string, args ...json.RawMessage) error {
	if !p.Connected() {
		return ErrNotConnected
	}
	p.handlers.dispatch(event, args)
	return nil
}

// Drop simulates losing the connection.
func (p *Pipe) Drop(reason string) {
	p.mu.Lock()
	was := p.connected
	p.connected = false
	p.mu.Unlock()
	if was {
		p.handlers.dispatch(EventDisconnect, reasonArgs(reason))
	}
}

// Reconnect simulates a new logical connection after Drop.
func (p *Pipe) Reconnect() error {
	return p.Connect(context.Background())
}

// FailConnect makes subsequent Connect calls return err. Nil clears it.
func (p *Pipe) FailConnect(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = err
}

// OnSend installs a hook run after each successful Send, on the sender's
// goroutine.
func (p *Pipe) OnSend(hook func(wire.Envelope)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSend = hook
}

// Sent returns every event sent so far, optionally filtered by name.
func (p *Pipe) Sent(events ...string) []wire.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(events) == 0 {
		return append([]wire.Envelope(nil), p.sent...)
	}
	want := make(map[string]bool, len(events))
	for _, e := range events {
		want[e] = true
	}
	var out []wire.Envelope
	for _, env := range p.sent {
		if want[env.Event] {
			out = append(out, env)
		}
	}
	return out
}

// Count returns how many times event was sent.
func (p *Pipe) Count(event string) int {
	return len(p.Sent(event))
}

// ResetSent forgets recorded sends.
func (p *Pipe) ResetSent() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = nil
}

// Handlers returns the number of registered handlers.
func (p *Pipe) Handlers() int {
	return p.handlers.count()
}
