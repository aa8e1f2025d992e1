package client_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/jsonrpc-session-go/pkg/client"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/protocol"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/server"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/session"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/transport"
)

type echoHandler struct {
	*server.DefaultHandler
}

func (h *echoHandler) HandleRequest(s session.Session, req *protocol.Request, tx *session.Transaction) error {
	if req.Method == "echo" {
		return tx.SendResponse(json.RawMessage(req.Params))
	}
	return tx.SendError(protocol.MethodNotFound, "unknown method", nil)
}

func startServer(t *testing.T) (*server.ProtocolManager, string) {
	t.Helper()
	manager := server.NewProtocolManager(&echoHandler{DefaultHandler: server.NewDefaultHandler(nil)}, server.DefaultConfig())
	ts := httptest.NewServer(transport.NewWebSocketServer(manager, nil))
	t.Cleanup(ts.Close)
	t.Cleanup(manager.Shutdown)
	return manager, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestClientRequiresURL(t *testing.T) {
	_, err := client.New(nil, nil)
	assert.Error(t, err)
	_, err = client.New(&client.Config{}, nil)
	assert.Error(t, err)
}

func TestClientConnectAndEcho(t *testing.T) {
	_, url := startServer(t)

	c, err := client.New(client.DefaultConfig(url), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	require.NotEmpty(t, c.Session().SessionID())

	result, err := c.Session().SendRequest(ctx, "echo", map[string]string{"msg": "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"hi"}`, string(result))
}

func TestClientReconnectsWithSameSession(t *testing.T) {
	manager, url := startServer(t)

	cfg := client.DefaultConfig(url)
	cfg.ReconnectBackoff = 50 * time.Millisecond
	reconnected := make(chan bool, 1)
	cfg.OnReconnected = func(sameSession bool) { reconnected <- sameSession }

	c, err := client.New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	sessionID := c.Session().SessionID()
	s := manager.Registry().Get(sessionID)
	require.NotNil(t, s)

	// Drop the server side of the socket; the client must rebind on its own.
	require.NoError(t, s.Close())

	select {
	case same := <-reconnected:
		assert.True(t, same, "the retained session id was still valid")
	case <-time.After(5 * time.Second):
		t.Fatal("client never reconnected")
	}

	assert.Equal(t, sessionID, c.Session().SessionID())
	require.Eventually(t, func() bool {
		live := manager.Registry().Get(sessionID)
		return live != nil && live.TransportID() != ""
	}, time.Second, 10*time.Millisecond)

	result, err := c.Session().SendRequest(ctx, "echo", map[string]string{"after": "drop"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"after":"drop"}`, string(result))
}

func TestClientFallsBackToFreshSession(t *testing.T) {
	manager, url := startServer(t)

	cfg := client.DefaultConfig(url)
	cfg.ReconnectBackoff = 50 * time.Millisecond
	reconnected := make(chan bool, 1)
	cfg.OnReconnected = func(sameSession bool) { reconnected <- sameSession }

	c, err := client.New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	oldSessionID := c.Session().SessionID()
	s := manager.Registry().Get(oldSessionID)
	require.NotNil(t, s)

	// Dispose the session server-side before dropping the socket, so the
	// reconnect attempt hits an id nobody recognizes.
	manager.CloseSession(s, "evicted")

	select {
	case same := <-reconnected:
		assert.False(t, same, "the old session was gone, a fresh one was negotiated")
	case <-time.After(5 * time.Second):
		t.Fatal("client never reconnected")
	}

	newSessionID := c.Session().SessionID()
	require.NotEmpty(t, newSessionID)
	assert.NotEqual(t, oldSessionID, newSessionID)
	assert.NotNil(t, manager.Registry().Get(newSessionID))
}
