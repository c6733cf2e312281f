package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/ericfitz/docsync/internal/slogging"
	"github.com/ericfitz/docsync/internal/uuidgen"
	"github.com/ericfitz/docsync/internal/wire"
)

// ReconnectPolicy controls redialling after a dropped connection.
type ReconnectPolicy struct {
	Enabled bool
	// MaxAttempts bounds consecutive failed redials; 0 means unlimited.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Delay returns the wait before redial attempt n (0-based).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	delay := p.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// WebSocketConfig configures a WebSocket channel.
type WebSocketConfig struct {
	URL              string
	Token            string
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PongWait         time.Duration
	PingPeriod       time.Duration
	MaxMessageBytes  int64
	SendQueue        int
	Reconnect        ReconnectPolicy
	FrameLogging     slogging.ChannelLoggingConfig
	Clock            clockwork.Clock
	Logger           *slogging.Logger
}

func (c *WebSocketConfig) setDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slogging.Get()
	}
}

// link is one physical websocket connection.
type link struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}

// WebSocket is a Channel over gorilla/websocket with optional reconnect.
type WebSocket struct {
	cfg      WebSocketConfig
	dialer   *websocket.Dialer
	handlers handlerSet
	log      *slogging.Logger

	mu     sync.Mutex
	link   *link
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewWebSocket creates an unconnected channel.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	cfg.setDefaults()
	return &WebSocket{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		log:  cfg.Logger,
		stop: make(chan struct{}),
	}
}

// Connect dials the endpoint once. Redials after a drop are governed by the
// reconnect policy.
func (w *WebSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	closed, live := w.closed, w.link != nil
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if live {
		return nil
	}
	return w.dial(ctx)
}

func (w *WebSocket) header() http.Header {
	h := http.Header{}
	for k, v := range w.cfg.Header {
		h[k] = append([]string(nil), v...)
	}
	if w.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+w.cfg.Token)
	}
	return h
}

func (w *WebSocket) dial(ctx context.Context) error {
	header := w.header()
	conn, resp, err := w.dialer.DialContext(ctx, w.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", w.cfg.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", w.cfg.URL, err)
	}

	l := &link{
		id:   uuidgen.MustNewForConnection(),
		conn: conn,
		send: make(chan []byte, w.cfg.SendQueue),
		done: make(chan struct{}),
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	w.link = l
	w.wg.Add(2)
	w.mu.Unlock()

	w.log.GetSlogger().Debug("websocket handshake", "conn_id", l.id, "header", slogging.RedactHeaders(header))
	w.log.LogConnection("connect", l.id, w.cfg.URL, nil)

	go w.writePump(l)
	// Connect handlers run before the first inbound frame is read.
	w.handlers.dispatch(EventConnect, nil)
	go w.readPump(l)
	return nil
}

// Send encodes the event and queues it on the live connection.
func (w *WebSocket) Send(event string, args ...any) error {
	frame, err := wire.Encode(event, args...)
	if err != nil {
		return err
	}

	w.mu.Lock()
	l, closed := w.link, w.closed
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if l == nil {
		return ErrNotConnected
	}

	select {
	case l.send <- frame:
		w.log.LogFrame(slogging.FrameOutbound, l.id, event, frame, w.cfg.FrameLogging)
		return nil
	case <-l.done:
		return ErrNotConnected
	}
}

// On registers a handler.
func (w *WebSocket) On(event string, h Handler) func() {
	return w.handlers.add(event, h)
}

// Connected reports whether a connection is live.
func (w *WebSocket) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.link != nil
}

// Disconnect closes the connection, drops every handler and disables
// reconnection. It waits for the pumps to exit.
func (w *WebSocket) Disconnect() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	l := w.link
	w.link = nil
	close(w.stop)
	w.mu.Unlock()

	w.handlers.clear()
	if l != nil {
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(w.cfg.WriteTimeout))
		l.close()
		w.log.LogConnection("disconnect", l.id, w.cfg.URL, nil)
	}
	w.wg.Wait()
	return nil
}

func (w *WebSocket) readPump(l *link) {
	defer w.wg.Done()

	l.conn.SetReadLimit(w.cfg.MaxMessageBytes)
	_ = l.conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	})

	var readErr error
	for {
		_, frame, err := l.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		env, err := wire.Decode(frame)
		if err != nil {
			w.log.Warn("dropping undecodable frame on %s: %v", l.id, err)
			continue
		}
		w.log.LogFrame(slogging.FrameInbound, l.id, env.Event, frame, w.cfg.FrameLogging)
		if w.handlers.dispatch(env.Event, env.Args) == 0 {
			w.log.Debug("no handler for event %s", env.Event)
		}
	}

	l.close()
	w.onLinkLost(l, readErr)
}

func (w *WebSocket) writePump(l *link) {
	defer w.wg.Done()
	ticker := w.cfg.Clock.NewTicker(w.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
			if err := l.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				w.log.Warn("write on %s failed: %v", l.id, err)
				l.close()
				return
			}
		case <-ticker.Chan():
			_ = l.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				l.close()
				return
			}
		case <-l.done:
			return
		}
	}
}

func (w *WebSocket) onLinkLost(l *link, err error) {
	w.mu.Lock()
	if w.link == l {
		w.link = nil
	}
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}

	reason := "connection closed"
	if err != nil {
		reason = err.Error()
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			w.log.LogConnection("drop", l.id, w.cfg.URL, err)
		}
	}
	w.handlers.dispatch(EventDisconnect, reasonArgs(reason))

	if w.cfg.Reconnect.Enabled {
		w.mu.Lock()
		if !w.closed {
			w.wg.Add(1)
			go w.reconnect()
		}
		w.mu.Unlock()
	}
}

// reconnect redials with exponential backoff until it succeeds, the attempt
// budget runs out or Disconnect is called.
func (w *WebSocket) reconnect() {
	defer w.wg.Done()
	policy := w.cfg.Reconnect

	for attempt := 0; policy.MaxAttempts == 0 || attempt < policy.MaxAttempts; attempt++ {
		delay := policy.Delay(attempt)
		w.log.Info("reconnecting to %s in %s (attempt %d)", w.cfg.URL, delay, attempt+1)
		select {
		case <-w.cfg.Clock.After(delay):
		case <-w.stop:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.HandshakeTimeout)
		err := w.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		w.log.Warn("reconnect attempt %d failed: %v", attempt+1, err)
	}
	w.log.Error("giving up on %s after %d reconnect attempts", w.cfg.URL, policy.MaxAttempts)
}
