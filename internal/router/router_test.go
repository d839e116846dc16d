package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcast/internal/websocket"
	"roomcast/pkg/types"
)

type recordingBridge struct {
	mu       sync.Mutex
	messages []*types.ChatMessage
	joins    []string
	reject   bool
}

func (b *recordingBridge) Submit(msg *types.ChatMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reject {
		return false
	}
	b.messages = append(b.messages, msg)
	return true
}

func (b *recordingBridge) RecordJoin(roomID, userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joins = append(b.joins, roomID+"/"+userID)
	return true
}

func (b *recordingBridge) recordedJoins() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.joins...)
}

func (b *recordingBridge) submitted() []*types.ChatMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.ChatMessage(nil), b.messages...)
}

type tokenAuthenticator struct{}

// Authenticate treats the token as the user id
func (tokenAuthenticator) Authenticate(ctx context.Context, token string) (*types.Identity, error) {
	if token == "" {
		return nil, &types.AuthenticationError{Missing: true}
	}
	return &types.Identity{UserID: token, DisplayName: strings.ToUpper(token)}, nil
}

type endpoints struct {
	chat      *websocket.Registry
	signal    *websocket.Registry
	bridge    *recordingBridge
	url       string
	chatLimit *RateLimiter
}

func newEndpoints(t *testing.T) *endpoints {
	t.Helper()
	opts := websocket.Options{
		PingInterval:  time.Second,
		PongWait:      3 * time.Second,
		WriteTimeout:  time.Second,
		SendBuffer:    32,
		MaxFrameBytes: 1 << 16,
	}

	e := &endpoints{
		chat:      websocket.NewRegistry("chat"),
		signal:    websocket.NewRegistry("signal"),
		bridge:    &recordingBridge{},
		chatLimit: NewRateLimiter(1000, 1000),
	}
	chat := websocket.NewHandler("chat", e.chat, tokenAuthenticator{},
		NewChatDispatcher(e.chat, websocket.NewRelay(e.chat), e.bridge, e.chatLimit), opts)
	signal := websocket.NewHandler("signal", e.signal, tokenAuthenticator{},
		NewSignalingDispatcher(e.signal, websocket.NewRelay(e.signal), NewRateLimiter(1000, 1000)), opts)

	mux := http.NewServeMux()
	mux.Handle("/ws", chat)
	mux.Handle("/ws/signal", signal)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = chat.Shutdown(ctx)
		_ = signal.Shutdown(ctx)
		srv.Close()
	})

	e.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return e
}

type client struct {
	t    *testing.T
	conn *gorilla.Conn
}

func (e *endpoints) dial(t *testing.T, path, userID string) *client {
	t.Helper()
	conn, _, err := gorilla.DefaultDialer.Dial(e.url+path+"?token="+userID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &client{t: t, conn: conn}
	hello := c.read()
	require.Equal(t, types.FrameConnected, hello["type"])
	require.Equal(t, userID, hello["userId"])
	return c
}

func (c *client) send(frame string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(gorilla.TextMessage, []byte(frame)))
}

func (c *client) read() map[string]interface{} {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	var out map[string]interface{}
	require.NoError(c.t, json.Unmarshal(data, &out))
	return out
}

func (c *client) readRaw() []byte {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	return data
}

// expectSilence asserts nothing arrives within d
func (c *client) expectSilence(d time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(d))
	_, data, err := c.conn.ReadMessage()
	require.Error(c.t, err, "unexpected frame %s", data)
}

func (c *client) join(roomID string) map[string]interface{} {
	c.t.Helper()
	c.send(`{"type":"join","roomId":"` + roomID + `"}`)
	ack := c.read()
	require.Equal(c.t, types.FrameJoined, ack["type"])
	require.Equal(c.t, roomID, ack["roomId"])
	return ack
}

func TestChat_JoinAckCarriesMemberCount(t *testing.T) {
	e := newEndpoints(t)
	u1 := e.dial(t, "/ws", "u1")
	u2 := e.dial(t, "/ws", "u2")

	assert.EqualValues(t, 1, u1.join("group-42")["members"])
	assert.EqualValues(t, 2, u2.join("group-42")["members"])
}

func TestChat_JoinIsRecordedOnRoster(t *testing.T) {
	e := newEndpoints(t)
	u1 := e.dial(t, "/ws", "u1")
	u1.join("group-42")

	sig := e.dial(t, "/ws/signal", "u2")
	sig.join("call-7")

	assert.Equal(t, []string{"group-42/u1"}, e.bridge.recordedJoins(), "signaling joins are not persisted")
}

func TestChat_MessageIsSenderInclusive(t *testing.T) {
	e := newEndpoints(t)
	u1 := e.dial(t, "/ws", "u1")
	u2 := e.dial(t, "/ws", "u2")
	u1.join("group-42")
	u2.join("group-42")

	u1.send(`{"type":"message","roomId":"group-42","data":{"content":"hi"}}`)

	for _, c := range []*client{u1, u2} {
		got := c.read()
		assert.Equal(t, types.FrameNewMessage, got["type"])
		data := got["data"].(map[string]interface{})
		assert.Equal(t, "hi", data["content"])
		assert.Equal(t, "u1", data["senderId"])
		assert.Equal(t, "U1", data["senderName"])
		assert.Equal(t, "group-42", data["roomId"])
		assert.NotEmpty(t, data["id"])
		assert.NotEmpty(t, data["timestamp"])
	}

	require.Eventually(t, func() bool { return len(e.bridge.submitted()) == 1 }, time.Second, 10*time.Millisecond)
	stored := e.bridge.submitted()[0]
	assert.Equal(t, "hi", stored.Content)
	assert.Equal(t, "group-42", stored.RoomID)
}

func TestChat_BareStringContent(t *testing.T) {
	e := newEndpoints(t)
	u1 := e.dial(t, "/ws", "u1")
	u1.join("group-42")

	u1.send(`{"type":"message","roomId":"group-42","data":"plain"}`)
	got := u1.read()
	assert.Equal(t, "plain", got["data"].(map[string]interface{})["content"])
}

func TestChat_BroadcastScopeIsOneRoom(t *testing.T) {
	e := newEndpoints(t)
	u1 := e.dial(t, "/ws", "u1")
	u3 := e.dial(t, "/ws", "u3")
	u1.join("group-42")
	u3.join("group-7")

	u1.send(`{"type":"message","roomId":"group-42","data":{"content":"hi"}}`)
	u1.read()
	u3.expectSilence(200 * time.Millisecond)
}

func TestChat_MalformedFramesDoNotCloseConnection(t *testing.T) {
	e := newEndpoints(t)
	u1 := e.dial(t, "/ws", "u1")
	u1.join("group-42")

	u1.send(`garbage`)
	u1.send(`{"type":"message","roomId":"group-42","data":{"content":""}}`)
	u1.send(`{"type":"message","roomId":"group-42","data":42}`)
	u1.send(`{"type":"message","roomId":"not-joined","data":"x"}`)
	u1.send(`{"type":"warp","roomId":"group-42"}`)

	u1.send(`{"type":"message","roomId":"group-42","data":"still here"}`)
	got := u1.read()
	assert.Equal(t, "still here", got["data"].(map[string]interface{})["content"])
	assert.Len(t, e.bridge.submitted(), 1)
}

func TestChat_RelayContinuesWhenBridgeRejects(t *testing.T) {
	e := newEndpoints(t)
	e.bridge.reject = true
	u1 := e.dial(t, "/ws", "u1")
	u1.join("group-42")

	u1.send(`{"type":"message","roomId":"group-42","data":"live only"}`)
	assert.Equal(t, types.FrameNewMessage, u1.read()["type"])
}

func TestChat_LeaveStopsDelivery(t *testing.T) {
	e := newEndpoints(t)
	u1 := e.dial(t, "/ws", "u1")
	u2 := e.dial(t, "/ws", "u2")
	u1.join("group-42")
	u2.join("group-42")

	u2.send(`{"type":"leave","roomId":"group-42"}`)
	left := u2.read()
	assert.Equal(t, types.FrameLeft, left["type"])

	u1.send(`{"type":"message","roomId":"group-42","data":"anyone?"}`)
	u1.read()
	u2.expectSilence(200 * time.Millisecond)
	assert.Equal(t, 1, e.chat.MemberCount("group-42"))
}

func TestSignal_RelayIsSenderExclusiveAndVerbatim(t *testing.T) {
	e := newEndpoints(t)
	caller := e.dial(t, "/ws/signal", "caller")
	callee := e.dial(t, "/ws/signal", "callee")
	caller.join("call-1")
	callee.join("call-1")

	offer := `{"type":"offer","roomId":"call-1","data":{"sdp":"v=0\r\n"},"extra":true}`
	caller.send(offer)

	assert.JSONEq(t, offer, string(callee.readRaw()))
	caller.expectSilence(200 * time.Millisecond)
}

func TestSignal_SingleMemberRoomIsValid(t *testing.T) {
	e := newEndpoints(t)
	caller := e.dial(t, "/ws/signal", "caller")
	assert.EqualValues(t, 1, caller.join("call-1")["members"])

	caller.send(`{"type":"ice-candidate","roomId":"call-1","data":{"candidate":"c"}}`)
	caller.expectSilence(100 * time.Millisecond)
	assert.Equal(t, 1, e.signal.MemberCount("call-1"))
}

func TestSignal_RejectsChatMessages(t *testing.T) {
	e := newEndpoints(t)
	a := e.dial(t, "/ws/signal", "a")
	b := e.dial(t, "/ws/signal", "b")
	a.join("call-1")
	b.join("call-1")

	a.send(`{"type":"message","roomId":"call-1","data":"hi"}`)
	b.expectSilence(200 * time.Millisecond)
	assert.Empty(t, e.bridge.submitted())
}

func TestEndpoints_HaveSeparateRegistries(t *testing.T) {
	e := newEndpoints(t)
	chat := e.dial(t, "/ws", "u1")
	signal := e.dial(t, "/ws/signal", "u1")
	chat.join("shared-id")
	signal.join("shared-id")

	assert.Equal(t, 1, e.chat.MemberCount("shared-id"))
	assert.Equal(t, 1, e.signal.MemberCount("shared-id"))
}

func TestDispatcher_ErrorsAreProtocolErrors(t *testing.T) {
	registry := websocket.NewRegistry("chat")
	d := NewChatDispatcher(registry, websocket.NewRelay(registry), nil, nil)

	conn := websocket.NewConnection(nil, websocket.DefaultConnectionOptions())
	defer conn.Close()
	conn.SetIdentity(&types.Identity{UserID: "u1", DisplayName: "u1"})
	require.NoError(t, registry.RegisterConnection(conn))

	err := d.Dispatch(context.Background(), conn, &types.Frame{Type: types.FrameMessage, RoomID: "r", Data: []byte(`"x"`)})
	assert.ErrorIs(t, err, types.ErrProtocol)
	assert.ErrorIs(t, err, ErrNotRoomMember)

	require.NoError(t, d.Dispatch(context.Background(), conn, &types.Frame{Type: types.FrameJoin, RoomID: "r"}))
	err = d.Dispatch(context.Background(), conn, &types.Frame{Type: types.FrameMessage, RoomID: "r", Data: []byte(`{}`)})
	assert.ErrorIs(t, err, types.ErrInvalidContent)

	sig := NewSignalingDispatcher(registry, websocket.NewRelay(registry), nil)
	err = sig.Dispatch(context.Background(), conn, &types.Frame{Type: types.FrameMessage, RoomID: "r"})
	assert.True(t, errors.Is(err, ErrFrameNotAllowed))
}

func TestDispatcher_AdmitAndRelease(t *testing.T) {
	registry := websocket.NewRegistry("chat")
	limiter := NewRateLimiter(1, 2)
	d := NewChatDispatcher(registry, websocket.NewRelay(registry), nil, limiter)

	conn := websocket.NewConnection(nil, websocket.DefaultConnectionOptions())
	defer conn.Close()

	assert.NoError(t, d.Admit(conn))
	assert.NoError(t, d.Admit(conn))
	assert.ErrorIs(t, d.Admit(conn), ErrRateLimitExceeded)

	d.Release(conn)
	assert.Zero(t, limiter.Tracked())
	assert.NoError(t, d.Admit(conn), "a released connection starts with a full bucket")
}
