// Package client implements the client role of the session engine over
// WebSocket: the connect handshake, the heartbeat loop, transparent
// reconnection with the retained session id, and dispatch of
// server-to-client requests.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ajitpratap0/jsonrpc-session-go/pkg/errors"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/logging"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/protocol"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/session"
)

// Config carries the client tunables.
type Config struct {
	// URL is the WebSocket endpoint, e.g. ws://host:port/jsonrpc.
	URL string

	// PingInterval is the heartbeat period declared to the server.
	PingInterval time.Duration

	// RequestTimeout bounds each blocking outbound call, the handshake
	// included.
	RequestTimeout time.Duration

	// MaxReconnectAttempts caps reconnection tries after a drop. Zero means
	// five.
	MaxReconnectAttempts int

	// ReconnectBackoff is the pause between reconnection attempts.
	ReconnectBackoff time.Duration

	// MissedPongsBeforeReconnect is how many consecutive heartbeat failures
	// force a reconnect.
	MissedPongsBeforeReconnect int

	// Dialer overrides the WebSocket dialer, mainly for TLS setup.
	Dialer *websocket.Dialer

	Logger logging.Logger

	// OnReconnected runs after a successful reconnection. sameSession is
	// false when the server refused the old id and a fresh session was
	// negotiated.
	OnReconnected func(sameSession bool)
}

// DefaultConfig returns the client defaults.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:                        url,
		PingInterval:               5 * time.Second,
		RequestTimeout:             15 * time.Second,
		MaxReconnectAttempts:       5,
		ReconnectBackoff:           time.Second,
		MissedPongsBeforeReconnect: 3,
		Logger:                     logging.NewNop(),
	}
}

// RequestHandler processes server-to-client requests. The returned result
// becomes the response payload; a returned error becomes a structured error
// response.
type RequestHandler interface {
	HandleRequest(ctx context.Context, req *protocol.Request) (interface{}, error)
}

// RequestHandlerFunc adapts a function to the RequestHandler interface.
type RequestHandlerFunc func(ctx context.Context, req *protocol.Request) (interface{}, error)

func (f RequestHandlerFunc) HandleRequest(ctx context.Context, req *protocol.Request) (interface{}, error) {
	return f(ctx, req)
}

// Client is a WebSocket JSON-RPC session client.
type Client struct {
	config  *Config
	logger  logging.Logger
	session *session.ClientSession
	handler RequestHandler

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	closed       atomic.Bool
	reconnecting atomic.Bool
	pingFailures atomic.Int64
	pingStop     chan struct{}
	pingOnce     sync.Once
}

// New creates a client. A nil cfg is rejected; start from DefaultConfig.
func New(cfg *Config, handler RequestHandler) (*Client, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("client config requires a URL")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = time.Second
	}
	if cfg.MissedPongsBeforeReconnect <= 0 {
		cfg.MissedPongsBeforeReconnect = 3
	}

	c := &Client{
		config:   cfg,
		logger:   logger,
		handler:  handler,
		pingStop: make(chan struct{}),
	}
	c.session = session.NewClientSession("", nil, session.DispatcherFunc(c.dispatch))
	c.session.SetConnector(c)
	return c, nil
}

// Session exposes the client session for outbound calls.
func (c *Client) Session() *session.ClientSession {
	return c.session
}

// Connect dials the server and performs the session handshake. The session
// id assigned by the server is adopted automatically.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return errors.WrapTransport(err, "could not dial server")
	}
	c.setConn(conn)
	go c.readLoop(conn)

	if err := c.handshake(ctx); err != nil {
		c.teardown(conn)
		return err
	}

	go c.pingLoop()
	c.logger.Info("connected", logging.SessionID(c.session.SessionID()))
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := c.config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, c.config.URL, nil)
	return conn, err
}

func (c *Client) handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()
	_, err := c.session.SendRequest(ctx, protocol.MethodConnect, nil)
	return err
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// dispatch writes an outbound message on the current socket.
func (c *Client) dispatch(ctx context.Context, req *protocol.Request) error {
	conn := c.currentConn()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) writeRaw(data []byte) error {
	conn := c.currentConn()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() || conn != c.currentConn() {
				return
			}
			c.logger.Warn("connection lost", logging.ErrorField(err))
			c.reconnect()
			return
		}

		if protocol.IsRequest(data) {
			req, err := protocol.ParseRequest(data)
			if err != nil {
				c.logger.Warn("dropping malformed server request", logging.ErrorField(err))
				continue
			}
			go c.handleServerRequest(req)
			continue
		}

		resp, err := protocol.ParseResponse(data)
		if err != nil {
			c.logger.Warn("dropping malformed response", logging.ErrorField(err))
			continue
		}
		if !c.session.HandleResponse(resp) {
			c.logger.Debug("dropping response with no pending call",
				logging.Any("response", resp.String()))
		}
	}
}

func (c *Client) handleServerRequest(req *protocol.Request) {
	if c.handler == nil {
		if req.IsNotification() {
			return
		}
		c.respondError(req, errors.New(errors.CodeMethodNotFound, "no handler registered", errors.CategoryRPC, errors.SeverityWarning))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
	defer cancel()

	result, err := c.handler.HandleRequest(ctx, req)
	if req.IsNotification() {
		return
	}
	if err != nil {
		c.respondError(req, err)
		return
	}

	resp, err := protocol.NewResponse(req.ID, result)
	if err != nil {
		c.respondError(req, err)
		return
	}
	resp.SessionID = c.session.SessionID()
	c.sendResponse(resp)
}

func (c *Client) respondError(req *protocol.Request, cause error) {
	resp := &protocol.Response{
		JSONRPC:   protocol.JSONRPCVersion,
		ID:        req.ID,
		Error:     errors.ToProtocol(cause),
		SessionID: c.session.SessionID(),
	}
	c.sendResponse(resp)
}

func (c *Client) sendResponse(resp *protocol.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Warn("could not marshal response", logging.ErrorField(err))
		return
	}
	if err := c.writeRaw(data); err != nil {
		c.logger.Warn("could not send response", logging.ErrorField(err))
	}
}

// pingLoop declares the heartbeat period to the server and keeps it beating.
// Consecutive failures force a reconnect.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.closed.Load() || c.reconnecting.Load() {
				continue
			}
			if err := c.ping(); err != nil {
				failures := c.pingFailures.Add(1)
				c.logger.Debug("ping failed",
					logging.Int64("consecutive_failures", failures), logging.ErrorField(err))
				if failures >= int64(c.config.MissedPongsBeforeReconnect) {
					c.pingFailures.Store(0)
					if conn := c.currentConn(); conn != nil {
						// Wake the read loop so it drives reconnection.
						_ = conn.Close()
					}
				}
				continue
			}
			c.pingFailures.Store(0)
		case <-c.pingStop:
			return
		}
	}
}

func (c *Client) ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
	defer cancel()
	params := map[string]int64{protocol.IntervalField: c.config.PingInterval.Milliseconds()}
	_, err := c.session.SendRequest(ctx, protocol.MethodPing, params)
	return err
}

// reconnect re-dials and replays the connect handshake with the retained
// session id. A server that refuses the id with the reserved reconnection
// error gets a fresh handshake instead; pending state from the old session
// is gone either way in that case.
func (c *Client) reconnect() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	for attempt := 1; attempt <= c.config.MaxReconnectAttempts; attempt++ {
		if c.closed.Load() {
			return
		}
		time.Sleep(c.config.ReconnectBackoff)

		ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			c.logger.Warn("reconnect attempt failed",
				logging.Int("attempt", attempt), logging.ErrorField(err))
			continue
		}

		c.setConn(conn)
		go c.readLoop(conn)

		hctx, hcancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
		err = c.handshake(hctx)
		hcancel()
		if err == nil {
			c.logger.Info("reconnected", logging.SessionID(c.session.SessionID()))
			if c.config.OnReconnected != nil {
				c.config.OnReconnected(true)
			}
			return
		}

		if errors.IsCode(err, errors.CodeReconnectionError) {
			c.logger.Info("server refused old session, starting fresh",
				logging.SessionID(c.session.SessionID()))
			c.session.SetSessionID("")
			c.session.SetNew(true)

			fctx, fcancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
			err = c.handshake(fctx)
			fcancel()
			if err == nil {
				c.logger.Info("fresh session established", logging.SessionID(c.session.SessionID()))
				if c.config.OnReconnected != nil {
					c.config.OnReconnected(false)
				}
				return
			}
		}

		c.logger.Warn("handshake failed after reconnect",
			logging.Int("attempt", attempt), logging.ErrorField(err))
		c.teardown(conn)
	}

	c.logger.Error("giving up on reconnection",
		logging.Int("attempts", c.config.MaxReconnectAttempts))
}

func (c *Client) teardown(conn *websocket.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

// Close gracefully terminates the session: the close request is sent
// best-effort, then the socket goes down.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.pingOnce.Do(func() { close(c.pingStop) })

	conn := c.currentConn()
	if conn == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
	defer cancel()
	if _, err := c.session.SendRequest(ctx, protocol.MethodClose, nil); err != nil {
		c.logger.Debug("close request failed", logging.ErrorField(err))
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return conn.Close()
}
