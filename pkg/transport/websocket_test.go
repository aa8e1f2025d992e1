package transport

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/jsonrpc-session-go/pkg/client"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/protocol"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/server"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/session"
)

// echoTestHandler answers "echo" with its own params.
type echoTestHandler struct {
	*server.DefaultHandler
}

func (h *echoTestHandler) HandleRequest(s session.Session, req *protocol.Request, tx *session.Transaction) error {
	if req.Method == "echo" {
		return tx.SendResponse(json.RawMessage(req.Params))
	}
	return tx.SendError(protocol.MethodNotFound, "unknown method", nil)
}

func startWSServer(t *testing.T) (*server.ProtocolManager, string) {
	t.Helper()
	manager := server.NewProtocolManager(&echoTestHandler{DefaultHandler: server.NewDefaultHandler(nil)}, server.DefaultConfig())
	ts := httptest.NewServer(NewWebSocketServer(manager, nil))
	t.Cleanup(ts.Close)
	t.Cleanup(manager.Shutdown)
	return manager, "ws" + strings.TrimPrefix(ts.URL, "http")
}

// wsPeer drives a raw socket for protocol-level assertions.
type wsPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialPeer(t *testing.T, url string) *wsPeer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsPeer{t: t, conn: conn}
}

func (p *wsPeer) send(id int64, method, sessionID string, params interface{}) {
	p.t.Helper()
	req, err := protocol.NewRequest(protocol.ID(id), method, params)
	require.NoError(p.t, err)
	req.SessionID = sessionID
	require.NoError(p.t, p.conn.WriteJSON(req))
}

func (p *wsPeer) readResponse() *protocol.Response {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := p.conn.ReadMessage()
	require.NoError(p.t, err)
	resp, err := protocol.ParseResponse(data)
	require.NoError(p.t, err)
	return resp
}

func TestWebSocketConnectHandshake(t *testing.T) {
	manager, url := startWSServer(t)
	peer := dialPeer(t, url)

	peer.send(1, protocol.MethodConnect, "", nil)
	resp := peer.readResponse()

	require.Nil(t, resp.Error)
	assert.Equal(t, json.RawMessage(`"OK"`), resp.Result)
	require.NotEmpty(t, resp.SessionID)
	assert.NotNil(t, manager.Registry().Get(resp.SessionID))
}

func TestWebSocketPingPong(t *testing.T) {
	_, url := startWSServer(t)
	peer := dialPeer(t, url)

	peer.send(1, protocol.MethodConnect, "", nil)
	sessionID := peer.readResponse().SessionID

	peer.send(2, protocol.MethodPing, sessionID, map[string]int64{protocol.IntervalField: 5000})
	pong := peer.readResponse()

	require.Nil(t, pong.Error)
	assert.Equal(t, sessionID, pong.SessionID)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(pong.Result, &payload))
	assert.Equal(t, protocol.PongValue, payload[protocol.PongPayloadField])
}

func TestWebSocketEcho(t *testing.T) {
	_, url := startWSServer(t)
	peer := dialPeer(t, url)

	peer.send(1, protocol.MethodConnect, "", nil)
	sessionID := peer.readResponse().SessionID

	peer.send(2, "echo", sessionID, map[string]string{"msg": "hello"})
	resp := peer.readResponse()

	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"msg":"hello"}`, string(resp.Result))
}

func TestWebSocketCloseHandshake(t *testing.T) {
	manager, url := startWSServer(t)
	peer := dialPeer(t, url)

	peer.send(1, protocol.MethodConnect, "", nil)
	sessionID := peer.readResponse().SessionID

	peer.send(2, protocol.MethodClose, sessionID, nil)
	bye := peer.readResponse()

	require.Nil(t, bye.Error)
	assert.Equal(t, json.RawMessage(`"bye"`), bye.Result)

	require.Eventually(t, func() bool {
		return manager.Registry().Get(sessionID) == nil
	}, time.Second, 10*time.Millisecond)
}

func TestWebSocketReconnectKeepsSession(t *testing.T) {
	manager, url := startWSServer(t)

	peer1 := dialPeer(t, url)
	peer1.send(1, protocol.MethodConnect, "", nil)
	sessionID := peer1.readResponse().SessionID
	require.NoError(t, peer1.conn.Close())

	peer2 := dialPeer(t, url)
	peer2.send(1, protocol.MethodConnect, sessionID, nil)
	resp := peer2.readResponse()

	require.Nil(t, resp.Error)
	assert.Equal(t, json.RawMessage(`"reconnected"`), resp.Result)
	assert.Equal(t, sessionID, resp.SessionID)
	assert.Equal(t, 1, manager.Registry().Len())

	// The rebound wire carries traffic for the same session.
	peer2.send(2, "echo", sessionID, map[string]string{"after": "rebind"})
	echo := peer2.readResponse()
	require.Nil(t, echo.Error)
	assert.JSONEq(t, `{"after":"rebind"}`, string(echo.Result))
}

func TestWebSocketGhostSessionRejected(t *testing.T) {
	_, url := startWSServer(t)
	peer := dialPeer(t, url)

	peer.send(1, protocol.MethodConnect, "nobody-knows-me", nil)
	resp := peer.readResponse()

	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ReconnectionErrorCode, resp.Error.Code)
}

func TestWebSocketClientEndToEnd(t *testing.T) {
	manager, url := startWSServer(t)

	cfg := client.DefaultConfig(url)
	cfg.PingInterval = 100 * time.Millisecond
	c, err := client.New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	sessionID := c.Session().SessionID()
	require.NotEmpty(t, sessionID)
	require.NotNil(t, manager.Registry().Get(sessionID))

	result, err := c.Session().SendRequest(ctx, "echo", map[string]string{"msg": "roundtrip"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"roundtrip"}`, string(result))

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		return manager.Registry().Get(sessionID) == nil
	}, time.Second, 10*time.Millisecond)
}

func TestWebSocketServerToClientRequest(t *testing.T) {
	manager, url := startWSServer(t)

	handled := make(chan *protocol.Request, 1)
	cfg := client.DefaultConfig(url)
	c, err := client.New(cfg, client.RequestHandlerFunc(func(ctx context.Context, req *protocol.Request) (interface{}, error) {
		handled <- req
		return "client-says-hi", nil
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	s := manager.Registry().Get(c.Session().SessionID())
	require.NotNil(t, s)

	result, err := s.SendRequest(ctx, "notifyClient", map[string]string{"event": "update"})
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"client-says-hi"`), result)

	select {
	case req := <-handled:
		assert.Equal(t, "notifyClient", req.Method)
	case <-time.After(time.Second):
		t.Fatal("client handler never ran")
	}
}
