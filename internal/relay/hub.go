package relay

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ericfitz/docsync/internal/config"
	"github.com/ericfitz/docsync/internal/delta"
	"github.com/ericfitz/docsync/internal/session"
	"github.com/ericfitz/docsync/internal/slogging"
	"github.com/ericfitz/docsync/internal/store"
	"github.com/ericfitz/docsync/internal/wire"
)

// Room is the relay's view of one document and the clients that joined it.
// Lock order is Hub.mu before Room.mu.
type Room struct {
	ID string

	mu      sync.Mutex
	clients map[*Client]struct{}
	doc     delta.Delta
	title   string
	loaded  bool
	// Changes composed since the last persist-document.
	dirty        bool
	lastActivity time.Time
}

func newRoom(id string) *Room {
	return &Room{
		ID:           id,
		clients:      make(map[*Client]struct{}),
		doc:          delta.New(),
		title:        session.DefaultTitle,
		lastActivity: time.Now().UTC(),
	}
}

// load fills the room from the store the first time a client joins.
func (r *Room) load(ctx context.Context, s store.Store) error {
	if r.loaded {
		return nil
	}
	doc, err := s.LoadDocument(ctx, r.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		slogging.Get().Debug("Document %s not stored yet, starting empty", r.ID)
	case err != nil:
		return err
	default:
		r.doc = doc.Content
		if doc.Title != "" {
			r.title = doc.Title
		}
	}
	r.loaded = true
	return nil
}

// peers returns the sorted peer ids of the joined clients.
func (r *Room) peers() []string {
	seen := make(map[string]struct{}, len(r.clients))
	ids := make([]string, 0, len(r.clients))
	for c := range r.clients {
		if _, dup := seen[c.peerID]; dup {
			continue
		}
		seen[c.peerID] = struct{}{}
		ids = append(ids, c.peerID)
	}
	sort.Strings(ids)
	return ids
}

// broadcast queues an event for every client except skip (which may be nil).
func (r *Room) broadcast(skip *Client, event string, args ...any) {
	frame, err := wire.Encode(event, args...)
	if err != nil {
		slogging.Get().Error("Failed to encode %s for room %s: %v", event, r.ID, err)
		return
	}
	r.lastActivity = time.Now().UTC()
	for c := range r.clients {
		if c != skip {
			c.enqueue(event, frame)
		}
	}
}

// HubOptions configures a Hub
type HubOptions struct {
	Relay        config.RelayConfig
	Transport    config.TransportConfig
	FrameLogging slogging.ChannelLoggingConfig
}

// Hub tracks connected clients and document rooms
type Hub struct {
	opts      HubOptions
	store     store.Store
	metrics   *Metrics
	sanitizer *Sanitizer
	router    *Router

	mu      sync.Mutex
	rooms   map[string]*Room
	clients map[*Client]struct{}
}

func (o *HubOptions) setDefaults() {
	tc := &o.Transport
	if tc.WriteTimeout <= 0 {
		tc.WriteTimeout = 10 * time.Second
	}
	if tc.PongWait <= 0 {
		tc.PongWait = 60 * time.Second
	}
	if tc.PingPeriod <= 0 || tc.PingPeriod >= tc.PongWait {
		tc.PingPeriod = tc.PongWait * 9 / 10
	}
	if tc.MaxMessageBytes <= 0 {
		tc.MaxMessageBytes = 1 << 20
	}
	if tc.SendQueue <= 0 {
		tc.SendQueue = 256
	}
}

// NewHub creates a hub persisting through s
func NewHub(opts HubOptions, s store.Store, m *Metrics) *Hub {
	opts.setDefaults()
	h := &Hub{
		opts:      opts,
		store:     s,
		metrics:   m,
		sanitizer: NewSanitizer(opts.Relay.MaxTitleLength, opts.Relay.MaxChatLength),
		rooms:     make(map[string]*Room),
		clients:   make(map[*Client]struct{}),
	}
	h.router = NewRouter(h)
	return h
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.ConnectedClients.Inc()
	slogging.Get().Info("Client %s connected", c.ID)
}

// unregister removes c from its room and the hub.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, known := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if !known {
		return
	}
	h.leave(c)
	h.metrics.ConnectedClients.Dec()
	slogging.Get().Info("Client %s disconnected", c.ID)
}

// join moves c into the room for documentID and returns the room locked.
// The caller must unlock it.
func (h *Hub) join(ctx context.Context, c *Client, documentID, peerID string) (*Room, error) {
	if c.room != nil {
		h.leave(c)
	}

	h.mu.Lock()
	r, ok := h.rooms[documentID]
	if !ok {
		r = newRoom(documentID)
		h.rooms[documentID] = r
		h.metrics.Rooms.Inc()
	}
	r.mu.Lock()
	h.mu.Unlock()

	if err := r.load(ctx, h.store); err != nil {
		r.mu.Unlock()
		h.dropRoomIfEmpty(r)
		return nil, err
	}

	c.peerID = peerID
	c.room = r
	r.clients[c] = struct{}{}
	r.lastActivity = time.Now().UTC()
	return r, nil
}

// leave removes c from its room, telling the others, and flushes and drops the
// room when it empties.
func (h *Hub) leave(c *Client) {
	r := c.room
	if r == nil {
		return
	}
	c.room = nil

	h.mu.Lock()
	defer h.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}
	delete(r.clients, c)
	if len(r.clients) > 0 {
		stillPresent := false
		for other := range r.clients {
			if other.peerID == c.peerID {
				stillPresent = true
				break
			}
		}
		if !stillPresent {
			r.broadcast(nil, wire.EventPeerLeft, c.peerID)
		}
		r.broadcast(nil, wire.EventUpdateUsers, r.peers())
		return
	}

	if r.dirty {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := h.store.SaveContent(ctx, r.ID, r.doc); err != nil {
			slogging.Get().Error("Failed to flush document %s: %v", r.ID, err)
		}
		cancel()
	}
	if h.rooms[r.ID] == r {
		delete(h.rooms, r.ID)
		h.metrics.Rooms.Dec()
	}
	slogging.Get().Debug("Room %s closed", r.ID)
}

func (h *Hub) dropRoomIfEmpty(r *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.clients) == 0 && h.rooms[r.ID] == r {
		delete(h.rooms, r.ID)
		h.metrics.Rooms.Dec()
	}
}

// Room returns the room for documentID, if any client has joined it
func (h *Hub) Room(documentID string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[documentID]
	return r, ok
}

// Snapshot returns the relay's copy of a room's document and title
func (r *Room) Snapshot() (delta.Delta, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc, r.title
}

// Peers returns the sorted peer ids in the room
func (r *Room) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers()
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
