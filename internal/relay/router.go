package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/ericfitz/docsync/internal/slogging"
	"github.com/ericfitz/docsync/internal/wire"
)

// HandlerFunc handles one client event
type HandlerFunc func(c *Client, args []json.RawMessage) error

// replyError is returned by handlers to send error(code, message) to the
// client. Any other error is reported as bad_arguments.
type replyError struct {
	code    string
	message string
}

func (e *replyError) Error() string {
	return e.code + ": " + e.message
}

func reply(code, format string, args ...any) error {
	return &replyError{code: code, message: fmt.Sprintf(format, args...)}
}

// Router routes decoded frames to the handler registered for their event
type Router struct {
	hub      *Hub
	handlers map[string]HandlerFunc
}

// NewRouter creates a router with the relay's client event handlers
func NewRouter(h *Hub) *Router {
	r := &Router{hub: h, handlers: make(map[string]HandlerFunc)}
	r.Handle(wire.EventRequestDocument, h.handleRequestDocument)
	r.Handle(wire.EventSendChange, h.handleSendChange)
	r.Handle(wire.EventPersistDocument, h.handlePersistDocument)
	r.Handle(wire.EventSendCursor, h.handleSendCursor)
	r.Handle(wire.EventUpdateTitle, h.handleUpdateTitle)
	r.Handle(wire.EventLoadChatHistory, h.handleLoadChatHistory)
	r.Handle(wire.EventSendChat, h.handleSendChat)
	return r
}

// Handle registers fn for event, replacing any previous handler
func (r *Router) Handle(event string, fn HandlerFunc) {
	r.handlers[event] = fn
}

// RouteMessage decodes one frame and runs its handler. Panics are recovered
// and logged; the connection stays up.
func (r *Router) RouteMessage(c *Client, frame []byte) {
	logger := slogging.Get()
	defer func() {
		if rec := recover(); rec != nil {
			r.hub.metrics.Panics.Inc()
			logger.Error("PANIC in RouteMessage - client: %s, peer: %s, error: %v, stack: %s",
				c.ID, c.peerID, rec, debug.Stack())
		}
	}()

	env, err := wire.Decode(frame)
	if err != nil {
		logger.Warn("Malformed frame from client %s: %v", c.ID, err)
		c.sendError(wire.CodeMalformedFrame, err.Error())
		return
	}
	logger.LogFrame(slogging.FrameInbound, c.ID, env.Event, frame, r.hub.opts.FrameLogging)

	handler, ok := r.handlers[env.Event]
	if !ok {
		logger.Warn("Unsupported event %q from client %s", slogging.SanitizeLogMessage(env.Event), c.ID)
		r.hub.metrics.Events.WithLabelValues("unknown").Inc()
		c.sendError(wire.CodeUnknownEvent, fmt.Sprintf("event %q is not supported", env.Event))
		return
	}
	r.hub.metrics.Events.WithLabelValues(env.Event).Inc()

	if err := handler(c, env.Args); err != nil {
		var re *replyError
		if errors.As(err, &re) {
			logger.Debug("Rejected %s from client %s: %v", env.Event, c.ID, err)
			c.sendError(re.code, re.message)
			return
		}
		logger.Debug("Bad arguments for %s from client %s: %v", env.Event, c.ID, err)
		c.sendError(wire.CodeBadArguments, fmt.Sprintf("%s: %v", env.Event, err))
	}
}
