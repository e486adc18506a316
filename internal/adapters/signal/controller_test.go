package signal

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/groupcall/internal/adapters/memmedia"
	"github.com/dkeye/groupcall/internal/app"
	"github.com/dkeye/groupcall/internal/app/orch"
)

type testServer struct {
	url   string
	rooms *app.Rooms
}

func newTestServer(t *testing.T, limiter *JoinLimiter) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	opts := app.Options{ReleaseTimeout: time.Second, StopTimeout: 50 * time.Millisecond}
	rooms := app.NewRooms(memmedia.New(), app.SimplePolicy{}, opts)
	ctl := NewSignalWSController(orch.NewDispatcher(rooms, opts, time.Second), limiter, Options{})

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set("client_token", c.Query("ct"))
		ctl.HandleSignal(context.Background(), c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", rooms: rooms}
}

func (s *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(s.url+"?ct="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readMsg(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m map[string]any
	require.NoError(t, ws.ReadJSON(&m))
	return m
}

func TestSignal_JoinAndLeaveOverWebsocket(t *testing.T) {
	s := newTestServer(t, nil)

	a := s.dial(t, "a")
	require.NoError(t, a.WriteJSON(map[string]any{"id": "joinRoom", "name": "A", "roomName": "R1"}))
	m := readMsg(t, a)
	assert.Equal(t, app.MsgExistingParticipants, m["id"])
	assert.Equal(t, []any{}, m["data"])

	b := s.dial(t, "b")
	require.NoError(t, b.WriteJSON(map[string]any{"id": "joinRoom", "name": "B", "roomName": "R1"}))
	m = readMsg(t, b)
	assert.Equal(t, []any{"A"}, m["data"])

	m = readMsg(t, a)
	assert.Equal(t, app.MsgNewParticipantArrived, m["id"])
	assert.Equal(t, "B", m["name"])

	require.NoError(t, b.WriteJSON(map[string]any{"id": "receiveVideoFrom", "sender": "A", "sdpOffer": "X"}))
	m = readMsg(t, b)
	assert.Equal(t, app.MsgReceiveVideoAnswer, m["id"])
	assert.Equal(t, memmedia.Answer("X"), m["sdpAnswer"])

	require.NoError(t, b.WriteJSON(map[string]any{"id": "leaveRoom"}))
	m = readMsg(t, a)
	assert.Equal(t, app.MsgParticipantLeft, m["id"])
	assert.Equal(t, "B", m["name"])

	// The server ends the leaver's connection.
	require.NoError(t, b.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := b.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestSignal_DisconnectActsAsLeave(t *testing.T) {
	s := newTestServer(t, nil)

	a := s.dial(t, "a")
	require.NoError(t, a.WriteJSON(map[string]any{"id": "joinRoom", "name": "A", "roomName": "R1"}))
	readMsg(t, a)

	b := s.dial(t, "b")
	require.NoError(t, b.WriteJSON(map[string]any{"id": "joinRoom", "name": "B", "roomName": "R1"}))
	readMsg(t, b)
	readMsg(t, a)

	require.NoError(t, b.Close())
	m := readMsg(t, a)
	assert.Equal(t, app.MsgParticipantLeft, m["id"])
	assert.Equal(t, "B", m["name"])

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return len(s.rooms.List()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSignal_MalformedFrameKeepsConnection(t *testing.T) {
	s := newTestServer(t, nil)
	a := s.dial(t, "a")

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("{oops")))
	m := readMsg(t, a)
	assert.Equal(t, app.MsgError, m["id"])
	assert.Equal(t, app.ReasonBadRequest, m["reason"])

	require.NoError(t, a.WriteJSON(map[string]any{"id": "ping"}))
	m = readMsg(t, a)
	assert.Equal(t, app.MsgPong, m["id"])
}

func TestSignal_JoinsAreRateLimitedPerClient(t *testing.T) {
	s := newTestServer(t, NewJoinLimiter(0.001, 1))

	a := s.dial(t, "same")
	require.NoError(t, a.WriteJSON(map[string]any{"id": "joinRoom", "name": "A", "roomName": "R1"}))
	assert.Equal(t, app.MsgExistingParticipants, readMsg(t, a)["id"])

	a2 := s.dial(t, "same")
	require.NoError(t, a2.WriteJSON(map[string]any{"id": "joinRoom", "name": "A2", "roomName": "R1"}))
	m := readMsg(t, a2)
	assert.Equal(t, app.MsgError, m["id"])
	assert.Equal(t, app.ReasonRateLimited, m["reason"])

	other := s.dial(t, "other")
	require.NoError(t, other.WriteJSON(map[string]any{"id": "joinRoom", "name": "C", "roomName": "R1"}))
	assert.Equal(t, app.MsgExistingParticipants, readMsg(t, other)["id"])
}
