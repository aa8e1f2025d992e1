package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/jsonrpc-session-go/pkg/logging"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/protocol"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/server"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/session"
)

// WebSocketConfig configures the WebSocket server adapter.
type WebSocketConfig struct {
	// ReadBufferSize and WriteBufferSize size the upgrader's buffers.
	ReadBufferSize  int
	WriteBufferSize int

	// MaxMessageSize caps inbound message size in bytes.
	MaxMessageSize int64

	// WriteTimeout bounds each write on the socket.
	WriteTimeout time.Duration

	// SendQueueSize is the per-connection outbound queue depth.
	SendQueueSize int

	// CheckOrigin overrides the upgrader's origin policy. The default
	// accepts every origin.
	CheckOrigin func(r *http.Request) bool

	Logger logging.Logger
}

// DefaultWebSocketConfig returns the adapter defaults.
func DefaultWebSocketConfig() *WebSocketConfig {
	return &WebSocketConfig{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		MaxMessageSize:  1 << 20,
		WriteTimeout:    10 * time.Second,
		SendQueueSize:   64,
		Logger:          logging.NewNop(),
	}
}

// WebSocketServer upgrades HTTP requests to WebSocket connections and feeds
// their traffic into the protocol manager. It implements http.Handler, so it
// mounts on any mux.
type WebSocketServer struct {
	manager  *server.ProtocolManager
	config   *WebSocketConfig
	logger   logging.Logger
	upgrader websocket.Upgrader
}

// NewWebSocketServer creates a WebSocket adapter for manager. A nil cfg uses
// DefaultWebSocketConfig.
func NewWebSocketServer(manager *server.ProtocolManager, cfg *WebSocketConfig) *WebSocketServer {
	if cfg == nil {
		cfg = DefaultWebSocketConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	return &WebSocketServer{
		manager: manager,
		config:  cfg,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeHTTP implements http.Handler.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", logging.ErrorField(err))
		return
	}

	conn := newWSConnection(ws, s.manager, s.config, s.logger)
	conn.run(r.Context())
}

// wsFrame is one queued outbound write. A close frame flushes the close
// handshake and tears the socket down; ordering through the queue guarantees
// every response enqueued before it reaches the wire first.
type wsFrame struct {
	data   []byte
	close  bool
	reason string
}

// wsConnection is one upgraded socket. It is the session's wire: it carries
// inbound traffic to the manager and implements the response sender, the
// outbound dispatcher and the native closer for sessions bound to it.
type wsConnection struct {
	id      string
	ws      *websocket.Conn
	manager *server.ProtocolManager
	config  *WebSocketConfig
	logger  logging.Logger

	sendCh       chan wsFrame
	closed       chan struct{}
	shutdownOnce sync.Once
	serverClosed atomic.Bool
}

func newWSConnection(ws *websocket.Conn, manager *server.ProtocolManager, cfg *WebSocketConfig, logger logging.Logger) *wsConnection {
	id := uuid.NewString()
	return &wsConnection{
		id:      id,
		ws:      ws,
		manager: manager,
		config:  cfg,
		logger:  logger.WithFields(logging.TransportID(id)),
		sendCh:  make(chan wsFrame, cfg.SendQueueSize),
		closed:  make(chan struct{}),
	}
}

// run pumps the connection until it drops, then starts the bound session's
// reconnection window.
func (c *wsConnection) run(ctx context.Context) {
	c.logger.Debug("websocket connection established")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readPump(ctx) })
	g.Go(func() error { return c.writePump(ctx) })

	err := g.Wait()
	c.teardown()

	reason := "connectionClosed"
	if err != nil && !isExpectedClose(err) && !c.serverClosed.Load() {
		c.logger.Debug("websocket connection dropped", logging.ErrorField(err))
		c.manager.ProcessTransportError(c.id, err)
		reason = "transportError"
	}
	c.manager.CloseSessionIfTimeout(c.id, reason)
}

func (c *wsConnection) readPump(ctx context.Context) error {
	if c.config.MaxMessageSize > 0 {
		c.ws.SetReadLimit(c.config.MaxMessageSize)
	}

	factory := &wsSessionFactory{conn: c}
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		c.manager.ProcessMessage(ctx, data, factory, c, c.id)
	}
}

func (c *wsConnection) writePump(ctx context.Context) error {
	for {
		select {
		case f := <-c.sendCh:
			if c.config.WriteTimeout > 0 {
				_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			}
			if f.close {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, f.reason)
				_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				c.teardown()
				return nil
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, f.data); err != nil {
				return err
			}
		case <-c.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *wsConnection) enqueue(f wsFrame) error {
	select {
	case c.sendCh <- f:
		return nil
	case <-c.closed:
		return fmt.Errorf("connection %s is closed", c.id)
	}
}

// SendResponse implements session.ResponseSender.
func (c *wsConnection) SendResponse(resp *protocol.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return c.enqueue(wsFrame{data: data})
}

// SendPingResponse implements session.ResponseSender. Pongs take the same
// path as ordinary responses on a socket transport.
func (c *wsConnection) SendPingResponse(resp *protocol.Response) error {
	return c.SendResponse(resp)
}

// DispatchRequest implements session.Dispatcher for server-to-client calls.
func (c *wsConnection) DispatchRequest(ctx context.Context, req *protocol.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return c.enqueue(wsFrame{data: data})
}

// CloseTransport implements session.NativeCloser. The close rides the send
// queue so any response enqueued first, such as the close ack, still goes
// out before the socket drops.
func (c *wsConnection) CloseTransport(reason string) error {
	c.serverClosed.Store(true)
	select {
	case c.sendCh <- wsFrame{close: true, reason: reason}:
	case <-c.closed:
	}
	return nil
}

func (c *wsConnection) teardown() {
	c.shutdownOnce.Do(func() {
		_ = c.ws.Close()
		close(c.closed)
	})
}

// wsSessionFactory builds sessions wired to one socket.
type wsSessionFactory struct {
	conn *wsConnection
}

// CreateSession implements server.SessionFactory.
func (f *wsSessionFactory) CreateSession(sessionID string, registerInfo interface{}) *session.ServerSession {
	s := session.NewServerSession(sessionID, registerInfo, f.conn.id, f.conn)
	s.SetNativeCloser(f.conn)
	return s
}

// UpdateSessionOnReconnection implements server.SessionFactory: the session
// keeps its identity and pending calls, only the wire changes.
func (f *wsSessionFactory) UpdateSessionOnReconnection(s *session.ServerSession) {
	s.SetDispatcher(f.conn)
	s.SetNativeCloser(f.conn)
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived)
}
