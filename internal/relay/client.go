package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ericfitz/docsync/internal/slogging"
	"github.com/ericfitz/docsync/internal/wire"
)

// Client is one websocket connection to the relay. Every inbound frame is
// routed on the read pump goroutine, so room and peerID need no locking on
// that side; rooms read peerID under their own lock.
type Client struct {
	ID     string
	Claims Claims

	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	room   *Room
	peerID string

	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, id string, claims Claims) *Client {
	return &Client{
		ID:     id,
		Claims: claims,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, hub.opts.Transport.SendQueue),
		done:   make(chan struct{}),
	}
}

// PeerID returns the peer id announced in request-document
func (c *Client) PeerID() string {
	return c.peerID
}

// displayName picks the chat name: token name, then the claimed user id.
func (c *Client) displayName(userID string) string {
	if name := c.Claims.DisplayName(); name != "" {
		return name
	}
	return userID
}

// Emit encodes and queues one event for the client
func (c *Client) Emit(event string, args ...any) {
	frame, err := wire.Encode(event, args...)
	if err != nil {
		slogging.Get().Error("Failed to encode %s for client %s: %v", event, c.ID, err)
		return
	}
	c.enqueue(event, frame)
}

// sendError replies with an error event
func (c *Client) sendError(code, message string) {
	c.hub.metrics.Errors.WithLabelValues(code).Inc()
	c.Emit(wire.EventError, code, message)
}

// enqueue never blocks. A client whose queue is full is disconnected.
func (c *Client) enqueue(event string, frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
		slogging.Get().LogFrame(slogging.FrameOutbound, c.ID, event, frame, c.hub.opts.FrameLogging)
	default:
		slogging.Get().Warn("Send queue full for client %s, disconnecting", c.ID)
		c.close()
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// ReadPump pumps frames from the websocket to the router
func (c *Client) ReadPump() {
	tc := c.hub.opts.Transport
	defer func() {
		c.hub.unregister(c)
		c.close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(tc.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(tc.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(tc.PongWait))
	})

	for {
		messageType, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slogging.Get().Warn("WebSocket error for client %s: %v", c.ID, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.sendError(wire.CodeMalformedFrame, "only text frames are accepted")
			continue
		}
		c.hub.router.RouteMessage(c, frame)
	}
}

// WritePump pumps queued frames to the websocket and keeps it alive with pings
func (c *Client) WritePump() {
	tc := c.hub.opts.Transport
	ticker := time.NewTicker(tc.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(tc.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(tc.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.drain(tc.WriteTimeout)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(tc.WriteTimeout))
			return
		}
	}
}

// drain flushes frames queued before the client was closed.
func (c *Client) drain(timeout time.Duration) {
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
