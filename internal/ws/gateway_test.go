package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chatcore/internal/apperr"
	"chatcore/internal/audit"
	"chatcore/internal/auth"
	"chatcore/internal/broker"
	"chatcore/internal/event"
	"chatcore/internal/fanout"
	"chatcore/internal/models"
	"chatcore/internal/pipeline"
	"chatcore/internal/presence"
	"chatcore/internal/store/storetest"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ ns atomic.Int64 }

func newClock() *clock {
	c := &clock{}
	c.ns.Store(time.Now().UnixNano())
	return c
}

func (c *clock) Now() time.Time       { return time.Unix(0, c.ns.Load()) }
func (c *clock) Add(d time.Duration) { c.ns.Add(int64(d)) }

type harness struct {
	t      *testing.T
	srv    *httptest.Server
	gw     *Gateway
	kv     *broker.Memory
	tokens *auth.Tokens
	clock  *clock
	sup    *Supervisor
	alice  *models.User
	bob    *models.User
	eve    *models.User
	chatID uint
	down   atomic.Bool
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st := storetest.Open(t)
	h := &harness{t: t, kv: broker.NewMemory(), clock: newClock()}
	h.alice = storetest.User(t, st, "alice")
	h.bob = storetest.User(t, st, "bob")
	h.eve = storetest.User(t, st, "eve")
	h.chatID = storetest.Chat(t, st, "seven", h.alice.ID, h.bob.ID).ID

	hub := NewHub(fanout.NewBridge(h.kv, "", "test"))
	require.NoError(t, hub.Start(ctx))
	pipe := pipeline.New(st, h.kv, hub, pipeline.Config{
		RateLimitMax:       100,
		RateLimitWindow:    time.Minute,
		ReplayWindow:       5 * time.Minute,
		MaxCiphertextBytes: 1024,
	})
	h.tokens = auth.NewTokens("secret", time.Minute, time.Hour)
	ready := func(context.Context) error {
		if h.down.Load() {
			return errors.New("store down")
		}
		return nil
	}
	h.gw = NewGateway(hub, auth.NewAuthenticator(h.tokens), pipe, presence.NewTracker(h.kv, hub), &audit.Recorder{}, ready, opts)
	h.gw.Now = h.clock.Now
	h.sup = NewSupervisor(hub, time.Hour, 5*time.Second)
	h.sup.Now = h.clock.Now

	r := gin.New()
	r.GET("/v1/ws", h.gw.Serve)
	h.srv = httptest.NewServer(r)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) token(u *models.User, sid string) string {
	tok, _, err := h.tokens.IssueAccess(auth.Identity{UserID: u.ID, Username: u.Username, SessionID: sid})
	require.NoError(h.t, err)
	return tok
}

func (h *harness) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/v1/ws"
}

func (h *harness) dial(u *models.User, sid string) *websocket.Conn {
	h.t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url()+"?token="+h.token(u, sid), nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *harness) waitConnections(n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.gw.Hub().Len() == n }, 2*time.Second, 5*time.Millisecond)
}

type inFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func send(t *testing.T, conn *websocket.Conn, name string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(inFrame{Event: name, Data: raw}))
}

// expect reads frames until one named name satisfies match.
func expect(t *testing.T, conn *websocket.Conn, name string, match func(json.RawMessage) bool) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f inFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", name, err)
		}
		if f.Event == name && (match == nil || match(f.Data)) {
			return f.Data
		}
	}
}

func field(key string, want any) func(json.RawMessage) bool {
	return func(raw json.RawMessage) bool {
		var m map[string]any
		if json.Unmarshal(raw, &m) != nil {
			return false
		}
		got, _ := json.Marshal(m[key])
		exp, _ := json.Marshal(want)
		return string(got) == string(exp)
	}
}

func join(t *testing.T, conn *websocket.Conn, chatID uint) {
	t.Helper()
	send(t, conn, event.NameJoin, map[string]any{"chatId": chatID})
	expect(t, conn, event.NameJoinAck, field("ok", true))
}

func TestGateway_MessageAckAndSeen(t *testing.T) {
	h := newHarness(t, Options{MaxQueueDepth: 64, MaxFrameBytes: 1 << 16})
	a := h.dial(h.alice, "sa")
	b := h.dial(h.bob, "sb")
	join(t, a, h.chatID)
	join(t, b, h.chatID)

	send(t, a, event.NameSend, map[string]any{
		"chatId": h.chatID, "clientMessageId": "m1", "nonce": "n1", "ciphertext": "c1",
		"sentAt": time.Now().UTC().Format(time.RFC3339Nano),
	})

	var ack event.Ack
	require.NoError(t, json.Unmarshal(expect(t, a, event.NameAck, nil), &ack))
	assert.True(t, ack.OK)
	assert.Equal(t, "m1", ack.ClientMessageID)
	assert.False(t, ack.Duplicate)

	var onA, onB event.Message
	require.NoError(t, json.Unmarshal(expect(t, a, event.NameMessage, nil), &onA))
	require.NoError(t, json.Unmarshal(expect(t, b, event.NameMessage, nil), &onB))
	assert.Equal(t, ack.MessageID, onA.ID)
	assert.Equal(t, ack.MessageID, onB.ID)
	assert.False(t, onB.Duplicate)
	assert.Equal(t, "c1", onB.Ciphertext)

	delivered := expect(t, a, event.NameReceipt, field("type", event.ReceiptDelivered))
	assert.True(t, field("recipientIds", []uint{h.bob.ID})(delivered))

	send(t, b, event.NameSeen, map[string]any{"chatId": h.chatID, "messageIds": []uint{ack.MessageID}})
	for _, conn := range []*websocket.Conn{a, b} {
		raw := expect(t, conn, event.NameReceipt, field("type", event.ReceiptSeen))
		var r event.Receipt
		require.NoError(t, json.Unmarshal(raw, &r))
		assert.Equal(t, []uint{ack.MessageID}, r.MessageIDs)
		assert.Equal(t, h.bob.ID, r.SeenBy)
	}

	// a retry converges on the same id
	send(t, a, event.NameSend, map[string]any{
		"chatId": h.chatID, "clientMessageId": "m1", "nonce": "n1", "ciphertext": "c1",
		"sentAt": time.Now().UTC().Format(time.RFC3339Nano),
	})
	var retry event.Ack
	require.NoError(t, json.Unmarshal(expect(t, a, event.NameAck, nil), &retry))
	assert.Equal(t, ack.MessageID, retry.MessageID)
	assert.True(t, retry.Duplicate)
}

func TestGateway_Errors(t *testing.T) {
	h := newHarness(t, Options{MaxQueueDepth: 64, MaxFrameBytes: 1 << 16})
	e := h.dial(h.eve, "se")

	send(t, e, event.NameJoin, map[string]any{"chatId": h.chatID})
	expect(t, e, event.NameJoinAck, field("ok", false))
	expect(t, e, event.NameSocketError, field("code", apperr.CodeForbidden))

	require.NoError(t, e.WriteMessage(websocket.TextMessage, []byte(`{"event":"chat:dance"}`)))
	expect(t, e, event.NameSocketError, field("code", apperr.CodeBadPayload))

	send(t, e, event.NameSend, map[string]any{"chatId": h.chatID})
	expect(t, e, event.NameSocketError, field("code", apperr.CodeBadPayload))

	// errors do not close the connection
	send(t, e, event.NameHeartbeat, map[string]any{})
	expect(t, e, event.NameHeartbeatAck, nil)
}

func TestGateway_Typing(t *testing.T) {
	h := newHarness(t, Options{MaxQueueDepth: 64, MaxFrameBytes: 1 << 16})
	a := h.dial(h.alice, "sa")
	b := h.dial(h.bob, "sb")
	join(t, a, h.chatID)
	join(t, b, h.chatID)

	send(t, a, event.NameTypingStart, map[string]any{"chatId": h.chatID})
	raw := expect(t, b, event.NameTyping, nil)
	assert.True(t, field("state", "start")(raw))
	assert.True(t, field("userId", h.alice.ID)(raw))

	// the typist's own connection is skipped: its next frame is the heartbeat ack
	send(t, a, event.NameHeartbeat, map[string]any{})
	require.NoError(t, a.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f inFrame
		require.NoError(t, a.ReadJSON(&f))
		require.NotEqual(t, event.NameTyping, f.Event)
		if f.Event == event.NameHeartbeatAck {
			break
		}
	}
}

func TestGateway_Handshake(t *testing.T) {
	h := newHarness(t, Options{MaxQueueDepth: 64, MaxFrameBytes: 1 << 16})

	refresh, _, err := h.tokens.IssueRefresh(auth.Identity{UserID: h.alice.ID, Username: "alice", SessionID: "sa"})
	require.NoError(t, err)
	tests := []struct {
		name   string
		url    string
		header http.Header
		want   int
	}{
		{"missing token", h.url(), nil, http.StatusUnauthorized},
		{"refresh token", h.url() + "?token=" + refresh, nil, http.StatusUnauthorized},
		{"garbage token", h.url(), http.Header{"Authorization": {"Bearer nope"}}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(tt.url, tt.header)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	t.Run("subprotocol token", func(t *testing.T) {
		d := websocket.Dialer{Subprotocols: []string{"chatcore.v1", "bearer." + h.token(h.alice, "sa")}}
		conn, _, err := d.Dial(h.url(), nil)
		require.NoError(t, err)
		defer conn.Close()
		assert.Equal(t, "chatcore.v1", conn.Subprotocol())
	})

	t.Run("degraded", func(t *testing.T) {
		h.down.Store(true)
		defer h.down.Store(false)
		_, resp, err := websocket.DefaultDialer.Dial(h.url()+"?token="+h.token(h.alice, "sa"), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}

func TestSupervisor_LivenessTimeout(t *testing.T) {
	h := newHarness(t, Options{MaxQueueDepth: 64, MaxFrameBytes: 1 << 16})
	a := h.dial(h.alice, "sa")
	b := h.dial(h.bob, "sb")
	h.waitConnections(2)
	connKey := "presence:conn:" + strconv.FormatUint(uint64(h.alice.ID), 10)
	require.Eventually(t, func() bool {
		n, _ := h.kv.Get(context.Background(), connKey)
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.clock.Add(10 * time.Second)
	send(t, b, event.NameHeartbeat, map[string]any{})
	expect(t, b, event.NameHeartbeatAck, nil)

	assert.Equal(t, 1, h.sup.Sweep())
	expect(t, a, event.NameSocketError, field("code", apperr.CodeLivenessTimeout))
	_, _, err := a.ReadMessage()
	assert.Error(t, err, "the stale connection is closed")

	expect(t, b, event.NamePresence, func(raw json.RawMessage) bool {
		return field("userId", h.alice.ID)(raw) && field("state", event.PresenceOffline)(raw)
	})
	h.waitConnections(1)
	require.Eventually(t, func() bool {
		n, _ := h.kv.Get(context.Background(), connKey)
		return n == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.sup.Sweep(), "bob is alive")
}

func TestGateway_KickSession(t *testing.T) {
	h := newHarness(t, Options{MaxQueueDepth: 64, MaxFrameBytes: 1 << 16})
	a := h.dial(h.alice, "sa")
	other := h.dial(h.alice, "sa2")
	h.waitConnections(2)

	require.NoError(t, h.gw.Hub().KickSession(context.Background(), "sa"))
	expect(t, a, event.NameSocketError, field("code", apperr.CodeRevoked))
	h.waitConnections(1)

	send(t, other, event.NameHeartbeat, map[string]any{})
	expect(t, other, event.NameHeartbeatAck, nil)
}

// rawClient returns a Client over a live server-side conn with no pumps
// running, so its queue only fills.
func (h *harness) rawClient(id string, identity auth.Identity) (*Client, *websocket.Conn) {
	h.t.Helper()
	serverSide := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.gw.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- conn
	}))
	h.t.Cleanup(srv.Close)
	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = peer.Close() })
	return newClient(h.gw, <-serverSide, id, identity), peer
}

func waitClosed(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("overloaded connection was not closed")
	}
}

func TestClient_Backpressure(t *testing.T) {
	h := newHarness(t, Options{MaxQueueDepth: 2, MaxFrameBytes: 1 << 16})
	c, peer := h.rawClient("slow", auth.Identity{UserID: h.alice.ID})

	assert.True(t, c.sendEvent(event.HeartbeatAck{}))
	assert.True(t, c.sendEvent(event.HeartbeatAck{}))
	assert.False(t, c.sendEvent(event.HeartbeatAck{}))
	assert.False(t, c.forceClose(apperr.ErrBackpressure, "backpressure"), "close is claimed once")

	expect(t, peer, event.NameSocketError, field("code", apperr.CodeBackpressureOverload))
	waitClosed(t, c)
	assert.False(t, c.enqueue([]byte("late")), "closed connections accept nothing")
}

func TestClient_OverflowDoesNotBlockOnWriter(t *testing.T) {
	h := newHarness(t, Options{MaxQueueDepth: 1, MaxFrameBytes: 1 << 16})
	c, peer := h.rawClient("stuck", auth.Identity{UserID: h.alice.ID})
	require.True(t, c.sendEvent(event.HeartbeatAck{}))

	// a write in flight holds the socket
	c.writeMu.Lock()
	start := time.Now()
	assert.False(t, c.enqueue([]byte("overflow")))
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.False(t, c.enqueue([]byte("after")))
	c.writeMu.Unlock()

	expect(t, peer, event.NameSocketError, field("code", apperr.CodeBackpressureOverload))
	waitClosed(t, c)
}

func TestClient_SendFansOutWhenAckOverflows(t *testing.T) {
	h := newHarness(t, Options{MaxQueueDepth: 64, MaxFrameBytes: 1 << 16})
	b := h.dial(h.bob, "sb")
	join(t, b, h.chatID)

	c, peer := h.rawClient("full", auth.Identity{UserID: h.alice.ID, Username: "alice", SessionID: "sa"})
	c.send = make(chan []byte, 1)
	require.True(t, c.sendEvent(event.HeartbeatAck{}))

	raw, err := json.Marshal(map[string]any{
		"event": event.NameSend,
		"data": map[string]any{
			"chatId": h.chatID, "clientMessageId": "m1", "nonce": "n1", "ciphertext": "c1",
			"sentAt": time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
	require.NoError(t, err)
	c.handle(context.Background(), raw)

	var onB event.Message
	require.NoError(t, json.Unmarshal(expect(t, b, event.NameMessage, nil), &onB))
	assert.Equal(t, "m1", onB.ClientMessageID)
	assert.Equal(t, "c1", onB.Ciphertext)

	expect(t, peer, event.NameSocketError, field("code", apperr.CodeBackpressureOverload))
	waitClosed(t, c)
}
