package relay

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfitz/docsync/internal/config"
	"github.com/ericfitz/docsync/internal/delta"
	"github.com/ericfitz/docsync/internal/store"
	"github.com/ericfitz/docsync/internal/wire"
)

type testRelay struct {
	srv   *Server
	http  *httptest.Server
	store *store.Memory
	url   string
}

func newTestRelay(t *testing.T, mutate func(*config.Config)) *testRelay {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	st := store.NewMemory()
	srv := NewServer(cfg, st)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Hub().Close()
		hs.Close()
	})
	return &testRelay{
		srv:   srv,
		http:  hs,
		store: st,
		url:   "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws",
	}
}

type testConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func (r *testRelay) dial(t *testing.T, header http.Header) *testConn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(r.url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testConn{t: t, conn: conn}
}

func (c *testConn) send(event string, args ...any) {
	c.t.Helper()
	frame, err := wire.Encode(event, args...)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))
}

func (c *testConn) next() wire.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	env, err := wire.Decode(frame)
	require.NoError(c.t, err)
	return env
}

// expect reads the next frame and requires it to be event.
func (c *testConn) expect(event string) wire.Envelope {
	c.t.Helper()
	env := c.next()
	require.Equal(c.t, event, env.Event, "args: %s", rawArgs(env))
	return env
}

// sync proves that nothing else was queued for this connection before it.
func (c *testConn) sync(documentID string) {
	c.t.Helper()
	c.send(wire.EventLoadChatHistory, documentID)
	c.expect(wire.EventChatHistory)
}

func (c *testConn) join(documentID, peerID string) wire.Envelope {
	c.t.Helper()
	c.send(wire.EventRequestDocument, documentID, peerID)
	snap := c.expect(wire.EventDocumentSnapshot)
	c.expect(wire.EventUpdateUsers)
	return snap
}

func (c *testConn) expectError(code string) string {
	c.t.Helper()
	env := c.expect(wire.EventError)
	var gotCode, message string
	require.NoError(c.t, wire.DecodeArgs(env.Args, &gotCode, &message))
	assert.Equal(c.t, code, gotCode, message)
	return message
}

func rawArgs(env wire.Envelope) string {
	b, _ := json.Marshal(env.Args)
	return string(b)
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestRelay_JoinSnapshot(t *testing.T) {
	r := newTestRelay(t, nil)
	alice := r.dial(t, nil)
	bob := r.dial(t, nil)

	alice.send(wire.EventRequestDocument, "doc-42", "alice")
	snap := alice.expect(wire.EventDocumentSnapshot)
	require.Len(t, snap.Args, 2)
	assert.JSONEq(t, `{"ops":[]}`, string(snap.Args[0]))
	assert.Equal(t, "Untitled Document", decode[string](t, snap.Args[1]))
	users := alice.expect(wire.EventUpdateUsers)
	assert.Equal(t, []string{"alice"}, decode[[]string](t, users.Args[0]))

	bob.send(wire.EventRequestDocument, "doc-42", "bob")
	bob.expect(wire.EventDocumentSnapshot)
	assert.Equal(t, []string{"alice", "bob"}, decode[[]string](t, bob.expect(wire.EventUpdateUsers).Args[0]))
	assert.Equal(t, []string{"alice", "bob"}, decode[[]string](t, alice.expect(wire.EventUpdateUsers).Args[0]))

	room, ok := r.srv.Hub().Room("doc-42")
	require.True(t, ok)
	assert.Equal(t, []string{"alice", "bob"}, room.Peers())
}

func TestRelay_SnapshotFromStore(t *testing.T) {
	r := newTestRelay(t, nil)
	ctx := t.Context()
	require.NoError(t, r.store.SaveContent(ctx, "doc-42", delta.New().Insert("stored\n", nil)))
	require.NoError(t, r.store.SaveTitle(ctx, "doc-42", "Plans"))

	alice := r.dial(t, nil)
	snap := alice.join("doc-42", "alice")
	assert.JSONEq(t, `{"ops":[{"insert":"stored\n"}]}`, string(snap.Args[0]))
	assert.Equal(t, "Plans", decode[string](t, snap.Args[1]))
}

func TestRelay_ChangeFanOut(t *testing.T) {
	r := newTestRelay(t, nil)
	alice := r.dial(t, nil)
	bob := r.dial(t, nil)
	alice.join("doc-42", "alice")
	bob.join("doc-42", "bob")
	alice.expect(wire.EventUpdateUsers)

	changes := []delta.Delta{
		delta.New().Insert("Hello", nil),
		delta.New().Retain(5, nil).Insert(" World", nil),
		delta.New().Retain(11, nil).Insert("!", nil),
	}
	for _, ch := range changes {
		alice.send(wire.EventSendChange, ch, "doc-42")
	}
	for _, want := range changes {
		env := bob.expect(wire.EventReceiveChange)
		got := decode[delta.Delta](t, env.Args[0])
		assert.True(t, want.Equal(got), "got %s", string(env.Args[0]))
	}

	// No echo to the sender.
	alice.sync("doc-42")

	room, _ := r.srv.Hub().Room("doc-42")
	doc, _ := room.Snapshot()
	assert.Equal(t, "Hello World!", doc.Text())
}

func TestRelay_ChangeBeyondRelayCopyStillForwarded(t *testing.T) {
	r := newTestRelay(t, nil)
	alice := r.dial(t, nil)
	bob := r.dial(t, nil)
	alice.join("doc-42", "alice")
	bob.join("doc-42", "bob")
	alice.expect(wire.EventUpdateUsers)

	alice.send(wire.EventSendChange, delta.New().Retain(10, nil).Insert("x", nil), "doc-42")
	bob.expect(wire.EventReceiveChange)

	huge := math.MaxInt/2 + 1
	overflow := delta.Delta{Ops: []delta.Op{{Retain: huge}, {Retain: huge}, {Retain: huge}, {Insert: "x"}}}
	alice.send(wire.EventSendChange, overflow, "doc-42")
	bob.expect(wire.EventReceiveChange)

	room, _ := r.srv.Hub().Room("doc-42")
	doc, _ := room.Snapshot()
	assert.Equal(t, 0, doc.Length())
	assert.True(t, doc.IsDocument())
}

func TestRelay_PersistDocument(t *testing.T) {
	r := newTestRelay(t, nil)
	alice := r.dial(t, nil)
	alice.join("doc-42", "alice")

	alice.send(wire.EventPersistDocument, "doc-42", delta.New().Insert("saved\n", nil))
	alice.sync("doc-42")

	doc, err := r.store.LoadDocument(t.Context(), "doc-42")
	require.NoError(t, err)
	assert.Equal(t, "saved\n", doc.Content.Text())

	// Only whole documents can be persisted.
	alice.send(wire.EventPersistDocument, "doc-42", delta.New().Retain(1, nil))
	alice.expectError(wire.CodeBadArguments)
}

func TestRelay_Title(t *testing.T) {
	r := newTestRelay(t, nil)
	alice := r.dial(t, nil)
	bob := r.dial(t, nil)
	alice.join("doc-42", "alice")
	bob.join("doc-42", "bob")
	alice.expect(wire.EventUpdateUsers)

	alice.send(wire.EventUpdateTitle, "doc-42", "Plans")
	assert.Equal(t, "Plans", decode[string](t, bob.expect(wire.EventTitleUpdated).Args[0]))
	alice.sync("doc-42")

	alice.send(wire.EventUpdateTitle, "doc-42", "  <b>Tom</b> & Jerry ")
	assert.Equal(t, "Tom & Jerry", decode[string](t, bob.expect(wire.EventTitleUpdated).Args[0]))
	assert.Equal(t, "Tom & Jerry", decode[string](t, alice.expect(wire.EventTitleUpdated).Args[0]),
		"sender learns the sanitised title")

	alice.send(wire.EventUpdateTitle, "doc-42", "evil\u202etxt")
	alice.expectError(wire.CodeRejectedInput)
	alice.send(wire.EventUpdateTitle, "doc-42", "   ")
	alice.expectError(wire.CodeRejectedInput)

	doc, err := r.store.LoadDocument(t.Context(), "doc-42")
	require.NoError(t, err)
	assert.Equal(t, "Tom & Jerry", doc.Title)
}

func TestRelay_Cursor(t *testing.T) {
	r := newTestRelay(t, nil)
	alice := r.dial(t, nil)
	bob := r.dial(t, nil)
	alice.join("doc-42", "alice")
	bob.join("doc-42", "bob")
	alice.expect(wire.EventUpdateUsers)

	// The relay stamps the joined peer id rather than trusting the claim.
	alice.send(wire.EventSendCursor, "mallory", delta.Range{Index: 1, Length: 2}, "doc-42")
	env := bob.expect(wire.EventReceiveCursor)
	assert.Equal(t, "alice", decode[string](t, env.Args[0]))
	assert.Equal(t, delta.Range{Index: 1, Length: 2}, decode[delta.Range](t, env.Args[1]))

	alice.send(wire.EventSendCursor, "alice", delta.Range{Index: -1}, "doc-42")
	alice.expectError(wire.CodeOutOfRange)
}

func TestRelay_Chat(t *testing.T) {
	r := newTestRelay(t, nil)
	alice := r.dial(t, nil)
	bob := r.dial(t, nil)
	alice.join("doc-42", "alice")
	bob.join("doc-42", "bob")
	alice.expect(wire.EventUpdateUsers)

	alice.send(wire.EventSendChat, "alice", "hi <script>x</script>there", "2024-01-02T05:04:05.006+02:00", "doc-42")
	for _, c := range []*testConn{alice, bob} {
		msg := decode[wire.ChatMessage](t, c.expect(wire.EventReceiveChat).Args[0])
		assert.NotEmpty(t, msg.ID)
		assert.Equal(t, "alice", msg.UserID)
		assert.Equal(t, "alice", msg.UserName)
		assert.Equal(t, "hi there", msg.Message)
		assert.Equal(t, "2024-01-02T03:04:05.006Z", msg.Timestamp)
	}

	bob.send(wire.EventLoadChatHistory, "doc-42")
	history := decode[[]wire.ChatMessage](t, bob.expect(wire.EventChatHistory).Args[0])
	require.Len(t, history, 1)
	assert.Equal(t, "hi there", history[0].Message)

	alice.send(wire.EventSendChat, "alice", "   ", "2024-01-02T03:04:05.006Z", "doc-42")
	alice.expectError(wire.CodeRejectedInput)
}

func TestRelay_ChatHistoryLimit(t *testing.T) {
	r := newTestRelay(t, func(c *config.Config) { c.Relay.MaxChatHistory = 2 })
	for _, m := range []string{"one", "two", "three"} {
		require.NoError(t, r.store.AppendChat(t.Context(), "doc-42", wire.ChatMessage{UserID: "u", Message: m}))
	}

	alice := r.dial(t, nil)
	alice.send(wire.EventLoadChatHistory, "doc-42")
	history := decode[[]wire.ChatMessage](t, alice.expect(wire.EventChatHistory).Args[0])
	require.Len(t, history, 2)
	assert.Equal(t, "two", history[0].Message)
	assert.Equal(t, "three", history[1].Message)
}

func TestRelay_ProtocolErrors(t *testing.T) {
	r := newTestRelay(t, nil)
	alice := r.dial(t, nil)

	alice.send(wire.EventSendChange, delta.New().Insert("x", nil), "doc-42")
	alice.expectError(wire.CodeNotJoined)

	alice.send(wire.EventReceiveChange, delta.New())
	alice.expectError(wire.CodeUnknownEvent)

	require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	alice.expectError(wire.CodeMalformedFrame)

	require.NoError(t, alice.conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	alice.expectError(wire.CodeMalformedFrame)

	alice.send(wire.EventRequestDocument, "doc-42")
	alice.expectError(wire.CodeBadArguments)

	alice.send(wire.EventRequestDocument, "doc-42", "")
	alice.expectError(wire.CodeBadArguments)

	alice.join("doc-42", "alice")
	alice.send(wire.EventSendChange, json.RawMessage(`{"ops":[{"retain":-1}]}`), "doc-42")
	alice.expectError(wire.CodeBadArguments)
	alice.send(wire.EventSendChange, delta.New().Insert("x", nil), "doc-7")
	alice.expectError(wire.CodeNotJoined)

	assert.Equal(t, 3.0, testutil.ToFloat64(r.srv.Metrics().Errors.WithLabelValues(wire.CodeBadArguments)))
}

func TestRelay_HandlerPanicRecovered(t *testing.T) {
	r := newTestRelay(t, nil)
	r.srv.hub.router.Handle("boom", func(*Client, []json.RawMessage) error {
		panic("handler exploded")
	})

	alice := r.dial(t, nil)
	alice.send("boom")
	alice.sync("doc-42")
	assert.Equal(t, 1.0, testutil.ToFloat64(r.srv.Metrics().Panics))
}

func TestRelay_PeerLeft(t *testing.T) {
	r := newTestRelay(t, nil)
	alice := r.dial(t, nil)
	bob := r.dial(t, nil)
	alice.join("doc-42", "alice")
	bob.join("doc-42", "bob")
	alice.expect(wire.EventUpdateUsers)

	require.NoError(t, bob.conn.Close())
	assert.Equal(t, "bob", decode[string](t, alice.expect(wire.EventPeerLeft).Args[0]))
	assert.Equal(t, []string{"alice"}, decode[[]string](t, alice.expect(wire.EventUpdateUsers).Args[0]))
}

func TestRelay_RejoinOtherDocument(t *testing.T) {
	r := newTestRelay(t, nil)
	alice := r.dial(t, nil)
	bob := r.dial(t, nil)
	alice.join("doc-42", "alice")
	bob.join("doc-42", "bob")
	alice.expect(wire.EventUpdateUsers)

	bob.join("doc-7", "bob")
	assert.Equal(t, "bob", decode[string](t, alice.expect(wire.EventPeerLeft).Args[0]))
	alice.expect(wire.EventUpdateUsers)

	room, ok := r.srv.Hub().Room("doc-7")
	require.True(t, ok)
	assert.Equal(t, []string{"bob"}, room.Peers())
}

func TestRelay_LastLeaveFlushesRoom(t *testing.T) {
	r := newTestRelay(t, nil)
	alice := r.dial(t, nil)
	alice.join("doc-42", "alice")
	alice.send(wire.EventSendChange, delta.New().Insert("unsaved", nil), "doc-42")
	alice.sync("doc-42")

	require.NoError(t, alice.conn.Close())
	assert.Eventually(t, func() bool {
		_, ok := r.srv.Hub().Room("doc-42")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	doc, err := r.store.LoadDocument(t.Context(), "doc-42")
	require.NoError(t, err)
	assert.Equal(t, "unsaved", doc.Content.Text())
	assert.Equal(t, 0.0, testutil.ToFloat64(r.srv.Metrics().Rooms))
}

func TestRelay_HealthAndMetrics(t *testing.T) {
	r := newTestRelay(t, nil)
	alice := r.dial(t, nil)
	alice.join("doc-42", "alice")

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(r.srv.Metrics().ConnectedClients) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.srv.Metrics().Rooms))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.srv.Metrics().Events.WithLabelValues(wire.EventRequestDocument)))

	resp, err := http.Get(r.http.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
		Rooms   int    `json:"rooms"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Clients)
	assert.Equal(t, 1, health.Rooms)

	rec := httptest.NewRecorder()
	r.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "docsync_relay_connected_clients 1")
	assert.Contains(t, rec.Body.String(), `docsync_relay_events_total{event="request-document"} 1`)
}

func TestRelay_OriginAllowList(t *testing.T) {
	r := newTestRelay(t, func(c *config.Config) {
		c.Relay.AllowedOrigins = []string{"http://docs.example.com"}
	})

	_, resp, err := websocket.DefaultDialer.Dial(r.url, http.Header{"Origin": {"http://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	r.dial(t, http.Header{"Origin": {"http://docs.example.com"}})
}
