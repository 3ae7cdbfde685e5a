package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/jason-s-yu/hostrelay/internal/room"
	"github.com/jason-s-yu/hostrelay/internal/session"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type relayServer struct {
	srv      *httptest.Server
	hub      *Hub
	coord    *session.Coordinator
	registry *room.Registry
}

func startRelay(t *testing.T, codes ...string) *relayServer {
	t.Helper()
	logger, _ := test.NewNullLogger()

	opts := []room.Option{room.WithLogger(logger)}
	if len(codes) > 0 {
		next := 0
		opts = append(opts, room.WithCodeGenerator(func() (string, error) {
			code := codes[next%len(codes)]
			next++
			return code, nil
		}))
	}
	registry := room.NewRegistry(opts...)
	hub := NewHub(logger)
	coord := session.NewCoordinator(registry, hub, logger)

	mux := http.NewServeMux()
	mux.Handle("/relay/ws", RelayWSHandler(logger, hub, coord, []string{"*"}))
	mux.Handle("/rooms/stats", RoomStatsHandler(logger, registry, hub))
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		hub.Close("test finished")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, hub.Wait(ctx))
		srv.Close()
	})
	return &relayServer{srv: srv, hub: hub, coord: coord, registry: registry}
}

func (s *relayServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/relay/ws"
}

type frame struct {
	Type    string          `json:"type"`
	ID      int64           `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

type client struct {
	t      *testing.T
	conn   *websocket.Conn
	id     uuid.UUID
	nextID int64
}

func (s *relayServer) dial(t *testing.T) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, s.wsURL(), &websocket.DialOptions{Subprotocols: []string{relaySubprotocol}})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	c := &client{t: t, conn: conn}
	var hello session.ConnectedEvent
	c.expect(session.EventConnected, &hello)
	c.id = hello.PlayerID
	require.NotEqual(t, uuid.Nil, c.id)
	return c
}

func (c *client) read() (frame, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var f frame
	err := wsjson.Read(ctx, c.conn, &f)
	return f, err
}

// expect reads the next frame, checks its type and decodes its payload into out.
func (c *client) expect(typ string, out any) frame {
	c.t.Helper()
	f, err := c.read()
	require.NoError(c.t, err)
	require.Equal(c.t, typ, f.Type, "payload: %s", f.Payload)
	if out != nil {
		require.NoError(c.t, json.Unmarshal(f.Payload, out))
	}
	return f
}

func (c *client) send(typ string, payload any) int64 {
	c.t.Helper()
	c.nextID++
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, wsjson.Write(ctx, c.conn, map[string]any{
		"type":    typ,
		"id":      c.nextID,
		"payload": payload,
	}))
	return c.nextID
}

// request sends a request and decodes its ack into out.
func (c *client) request(typ string, payload, out any) {
	c.t.Helper()
	id := c.send(typ, payload)
	f := c.expect(session.EventAck, out)
	require.Equal(c.t, id, f.ID)
}

func (c *client) expectClosed(code websocket.StatusCode) {
	c.t.Helper()
	_, err := c.read()
	require.Error(c.t, err)
	assert.Equal(c.t, code, websocket.CloseStatus(err))
}

func TestRelayHostJoinStateDisconnect(t *testing.T) {
	s := startRelay(t, "K7XQP2")
	host, alice := s.dial(t), s.dial(t)

	var created session.CreateRoomReply
	host.request(session.TypeCreateRoom, nil, &created)
	assert.Equal(t, "K7XQP2", created.Code)

	var joined session.JoinRoomReply
	alice.request(session.TypeJoinRoom, session.JoinRoomRequest{Code: created.Code, Name: "Alice"}, &joined)
	assert.Equal(t, session.JoinRoomReply{PlayerID: alice.id, PlayerCount: 2}, joined)

	var notice session.PlayerNotice
	host.expect(session.EventPlayerJoined, &notice)
	assert.Equal(t, session.PlayerNotice{PlayerID: alice.id, Name: "Alice"}, notice)

	host.send(session.TypeGameState, map[string]any{"code": created.Code, "state": map[string]int{"x": 1}})
	state := alice.expect(session.EventGameState, nil)
	assert.JSONEq(t, `{"x":1}`, string(state.Payload))

	require.NoError(t, host.conn.Close(websocket.StatusNormalClosure, "bye"))

	var ended session.GameEndedEvent
	alice.expect(session.EventGameEnded, &ended)
	assert.Equal(t, session.GameEndedEvent{Code: "K7XQP2", Reason: room.ReasonHostDisconnected}, ended)

	late := s.dial(t)
	var rejected session.ErrorReply
	late.request(session.TypeJoinRoom, session.JoinRoomRequest{Code: "K7XQP2", Name: "Late"}, &rejected)
	assert.Equal(t, "invalid code", rejected.Error)
}

func TestRelayRoomAtCapacity(t *testing.T) {
	s := startRelay(t)
	host := s.dial(t)

	var created session.CreateRoomReply
	host.request(session.TypeCreateRoom, nil, &created)

	for i := 0; i < room.MaxJoiners; i++ {
		var joined session.JoinRoomReply
		s.dial(t).request(session.TypeJoinRoom, session.JoinRoomRequest{Code: created.Code}, &joined)
		assert.Equal(t, i+2, joined.PlayerCount)
	}

	var rejected session.ErrorReply
	s.dial(t).request(session.TypeJoinRoom, session.JoinRoomRequest{Code: created.Code, Name: "Dave"}, &rejected)
	assert.Equal(t, "room full", rejected.Error)
}

func TestRelayInputReachesHost(t *testing.T) {
	s := startRelay(t)
	host, alice := s.dial(t), s.dial(t)

	var created session.CreateRoomReply
	host.request(session.TypeCreateRoom, nil, &created)
	alice.request(session.TypeJoinRoom, session.JoinRoomRequest{Code: created.Code, Name: "Alice"}, nil)
	host.expect(session.EventPlayerJoined, nil)

	alice.send(session.TypePlayerInput, map[string]any{"code": created.Code, "input": map[string]string{"key": "left"}})

	var in session.InputEvent
	host.expect(session.EventPlayerInput, &in)
	assert.Equal(t, alice.id, in.PlayerID)
	assert.JSONEq(t, `{"key":"left"}`, string(in.Input))
}

func TestRelayKickClosesSocket(t *testing.T) {
	s := startRelay(t)
	host, bob := s.dial(t), s.dial(t)

	var created session.CreateRoomReply
	host.request(session.TypeCreateRoom, nil, &created)
	bob.request(session.TypeJoinRoom, session.JoinRoomRequest{Code: created.Code, Name: "Bob"}, nil)
	host.expect(session.EventPlayerJoined, nil)

	var ok session.SuccessReply
	host.request(session.TypeKickPlayer, session.KickPlayerRequest{Code: created.Code, PlayerID: bob.id.String()}, &ok)
	assert.True(t, ok.Success)

	var kicked session.KickedEvent
	bob.expect(session.EventKicked, &kicked)
	assert.Equal(t, created.Code, kicked.Code)
	bob.expectClosed(KickedError)

	stats := s.registry.Stats()
	assert.Equal(t, room.Stats{Rooms: 1, Players: 1}, stats)
}

func TestRelayRejectsMissingSubprotocol(t *testing.T) {
	s := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, s.wsURL(), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, BadSubprotocolError, websocket.CloseStatus(err))
}

func TestRelayInvalidJSON(t *testing.T) {
	s := startRelay(t)
	c := s.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.conn.Write(ctx, websocket.MessageText, []byte("{not json")))

	var reply session.ErrorReply
	c.expect(session.EventAck, &reply)
	assert.Equal(t, "invalid json", reply.Error)

	// the connection survives a bad frame
	var created session.CreateRoomReply
	c.request(session.TypeCreateRoom, nil, &created)
	assert.True(t, room.ValidCode(created.Code))
}

func TestRelayServerShutdown(t *testing.T) {
	s := startRelay(t)
	host, alice := s.dial(t), s.dial(t)

	var created session.CreateRoomReply
	host.request(session.TypeCreateRoom, nil, &created)
	alice.request(session.TypeJoinRoom, session.JoinRoomRequest{Code: created.Code}, nil)
	host.expect(session.EventPlayerJoined, nil)

	s.coord.Shutdown()
	s.hub.Close(room.ReasonShutdown)

	for _, c := range []*client{host, alice} {
		var ended session.GameEndedEvent
		c.expect(session.EventGameEnded, &ended)
		assert.Equal(t, room.ReasonShutdown, ended.Reason)

		var bye session.ShutdownEvent
		c.expect(session.EventServerShutdown, &bye)
		c.expectClosed(websocket.StatusGoingAway)
	}
	assert.Equal(t, 0, s.registry.Len())
}

func TestRelayRefusesClientsAfterShutdown(t *testing.T) {
	s := startRelay(t)
	s.hub.Close(room.ReasonShutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, s.wsURL(), &websocket.DialOptions{Subprotocols: []string{relaySubprotocol}})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	c := &client{t: t, conn: conn}
	var bye session.ShutdownEvent
	c.expect(session.EventServerShutdown, &bye)
	assert.Equal(t, room.ReasonShutdown, bye.Reason)
	c.expectClosed(websocket.StatusGoingAway)
	assert.Equal(t, 0, s.hub.Len())
}

func TestRoomStatsHandler(t *testing.T) {
	s := startRelay(t)
	host, alice := s.dial(t), s.dial(t)

	var created session.CreateRoomReply
	host.request(session.TypeCreateRoom, nil, &created)
	alice.request(session.TypeJoinRoom, session.JoinRoomRequest{Code: created.Code}, nil)

	resp, err := http.Get(s.srv.URL + "/rooms/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, map[string]int{"rooms": 1, "players": 2, "connections": 2}, body)

	post, err := http.Post(s.srv.URL+"/rooms/stats", "application/json", nil)
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

// failingWriter accepts headers but refuses the body.
type failingWriter struct {
	header http.Header
}

func (w *failingWriter) Header() http.Header { return w.header }
func (w *failingWriter) WriteHeader(int)     {}
func (w *failingWriter) Write([]byte) (int, error) { return 0, errors.New("client went away") }

func TestRoomStatsHandlerLogsWriteFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()
	h := RoomStatsHandler(logger, room.NewRegistry(room.WithLogger(logger)), NewHub(logger))

	h.ServeHTTP(&failingWriter{header: http.Header{}}, httptest.NewRequest(http.MethodGet, "/rooms/stats", nil))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Contains(t, entry.Message, "client went away")
}
