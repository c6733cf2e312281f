// Package chat keeps a document's append-only chat log in sync with the relay.
package chat

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ericfitz/docsync/internal/eventloop"
	"github.com/ericfitz/docsync/internal/slogging"
	"github.com/ericfitz/docsync/internal/transport"
	"github.com/ericfitz/docsync/internal/wire"
)

// TimestampLayout is ISO-8601 in UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Message is one chat log entry.
type Message = wire.ChatMessage

// Options configures a Channel.
type Options struct {
	DocumentID string
	UserID     string
	Channel    transport.Channel
	Dispatcher eventloop.Dispatcher
	Clock      clockwork.Clock
	Logger     *slogging.Logger
	// OnChange receives the full log after every change.
	OnChange func([]Message)
	// OnDrop is called for each event that could not be decoded.
	OnDrop func()
}

// Channel is the chat side of a session. The log only grows through relay
// events: a sent message appears when the relay echoes it back.
//
// Apart from Attach and Detach, methods must run on the dispatcher's
// goroutine.
type Channel struct {
	opts Options
	log  *slogging.Logger

	messages      []Message
	connected     bool
	historyLoaded bool
	draft         string
	unsubs        []func()
}

// New creates a detached chat channel.
func New(opts Options) *Channel {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slogging.Get()
	}
	return &Channel{opts: opts, log: opts.Logger}
}

// Attach subscribes to the chat events of the transport channel.
func (c *Channel) Attach() {
	if c.unsubs != nil {
		return
	}
	ch, d := c.opts.Channel, c.opts.Dispatcher
	c.unsubs = []func(){
		ch.On(transport.EventConnect, transport.Dispatched(d, c.onConnect)),
		ch.On(transport.EventDisconnect, transport.Dispatched(d, c.onDisconnect)),
		ch.On(wire.EventChatHistory, transport.Dispatched(d, c.onHistory)),
		ch.On(wire.EventReceiveChat, transport.Dispatched(d, c.onReceive)),
	}
	if ch.Connected() {
		_ = d.Post(func() { c.onConnect(nil) })
	}
}

// Detach removes every subscription.
func (c *Channel) Detach() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
	c.connected = false
}

// Connected reports whether the channel is between a connect and a drop.
func (c *Channel) Connected() bool {
	return c.connected
}

// Messages returns a copy of the log in arrival order.
func (c *Channel) Messages() []Message {
	return append([]Message(nil), c.messages...)
}

// Draft returns the composer text.
func (c *Channel) Draft() string {
	return c.draft
}

// SetDraft replaces the composer text.
func (c *Channel) SetDraft(text string) {
	c.draft = text
}

// SendDraft sends the composer text.
func (c *Channel) SendDraft() bool {
	return c.SendMessage(c.draft)
}

// SendMessage emits text unless it is blank or the channel is down. On
// success the composer draft is cleared.
func (c *Channel) SendMessage(text string) bool {
	if strings.TrimSpace(text) == "" || !c.connected {
		return false
	}
	timestamp := FormatTimestamp(c.opts.Clock.Now())
	if err := c.opts.Channel.Send(wire.EventSendChat, c.opts.UserID, text, timestamp, c.opts.DocumentID); err != nil {
		c.log.Warn("send-chat for %s failed: %v", c.opts.DocumentID, err)
		return false
	}
	c.draft = ""
	return true
}

func (c *Channel) onConnect([]json.RawMessage) {
	c.connected = true
	c.historyLoaded = false
	if err := c.opts.Channel.Send(wire.EventLoadChatHistory, c.opts.DocumentID); err != nil {
		c.log.Warn("load-chat-history for %s failed: %v", c.opts.DocumentID, err)
	}
}

func (c *Channel) onDisconnect([]json.RawMessage) {
	c.connected = false
}

func (c *Channel) onHistory(args []json.RawMessage) {
	if c.historyLoaded {
		c.log.Debug("ignoring repeated chat history for %s", c.opts.DocumentID)
		return
	}
	var history []Message
	if err := wire.DecodeArgs(args, &history); err != nil {
		c.dropped(wire.EventChatHistory, err)
		return
	}
	c.historyLoaded = true
	c.messages = append([]Message(nil), history...)
	c.notify()
}

func (c *Channel) onReceive(args []json.RawMessage) {
	var msg Message
	if err := wire.DecodeArgs(args, &msg); err != nil {
		c.dropped(wire.EventReceiveChat, err)
		return
	}
	c.messages = append(c.messages, msg)
	c.notify()
}

func (c *Channel) notify() {
	if c.opts.OnChange != nil {
		c.opts.OnChange(c.Messages())
	}
}

func (c *Channel) dropped(event string, err error) {
	c.log.Warn("dropping %s for %s: %v", event, c.opts.DocumentID, err)
	if c.opts.OnDrop != nil {
		c.opts.OnDrop()
	}
}

// FormatTimestamp renders t the way outgoing messages are stamped.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
