package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/ajitpratap0/jsonrpc-session-go/pkg/logging"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/protocol"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/server"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/session"
)

// HTTPConfig configures the long-polling adapter.
type HTTPConfig struct {
	// MaxBodySize caps the request body in bytes.
	MaxBodySize int64

	Logger logging.Logger
}

// DefaultHTTPConfig returns the adapter defaults.
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		MaxBodySize: 1 << 20,
		Logger:      logging.NewNop(),
	}
}

// HTTPServer is the long-polling adapter: each POST carries one inbound
// message, responses ride back on the same exchange, and server-to-client
// requests queue per session until the next poll drains them. It implements
// http.Handler.
type HTTPServer struct {
	manager *server.ProtocolManager
	config  *HTTPConfig
	logger  logging.Logger

	mu     sync.Mutex
	queues map[string]*outboundQueue
}

// NewHTTPServer creates a long-polling adapter for manager. A nil cfg uses
// DefaultHTTPConfig.
func NewHTTPServer(manager *server.ProtocolManager, cfg *HTTPConfig) *HTTPServer {
	if cfg == nil {
		cfg = DefaultHTTPConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &HTTPServer{
		manager: manager,
		config:  cfg,
		logger:  logger,
		queues:  make(map[string]*outboundQueue),
	}
}

// ServeHTTP implements http.Handler.
func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize))
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}

	sessionID := peekSessionID(body)
	transportID := s.transportID(sessionID)

	exchange := newHTTPExchange()
	factory := &httpSessionFactory{server: s, transportID: transportID}

	s.manager.ProcessMessage(r.Context(), body, factory, exchange, transportID)

	// Every exchange completes right away; an empty poll acks empty and the
	// client schedules the next one.
	pending := s.drainOutbound(sessionID)
	exchange.write(w, pending, s.logger)
}

// transportID derives a stable pseudo-transport identity. Sessions created
// over HTTP keep one binding across exchanges instead of rebinding per
// request.
func (s *HTTPServer) transportID(sessionID string) string {
	if sessionID != "" {
		return "http:" + sessionID
	}
	return "http:" + uuid.NewString()
}

func (s *HTTPServer) queueFor(sessionID string) *outboundQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[sessionID]
	if !ok {
		q = newOutboundQueue()
		s.queues[sessionID] = q
	}
	return q
}

func (s *HTTPServer) drainOutbound(sessionID string) []*protocol.Request {
	if sessionID == "" {
		return nil
	}
	s.mu.Lock()
	q, ok := s.queues[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return q.drain()
}

// RemoveSession drops the session's outbound queue. Call it from the
// handler's AfterConnectionClosed when serving long-polling clients.
func (s *HTTPServer) RemoveSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, sessionID)
}

// outboundQueue buffers server-to-client requests between polls.
type outboundQueue struct {
	mu      sync.Mutex
	pending []*protocol.Request
}

func newOutboundQueue() *outboundQueue {
	return &outboundQueue{}
}

func (q *outboundQueue) push(req *protocol.Request) {
	q.mu.Lock()
	q.pending = append(q.pending, req)
	q.mu.Unlock()
}

func (q *outboundQueue) drain() []*protocol.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

// httpExchange buffers the responses produced while processing one POST so
// they can travel back on that same exchange.
type httpExchange struct {
	mu        sync.Mutex
	responses []*protocol.Response
}

func newHTTPExchange() *httpExchange {
	return &httpExchange{}
}

// SendResponse implements session.ResponseSender.
func (e *httpExchange) SendResponse(resp *protocol.Response) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responses = append(e.responses, resp)
	return nil
}

// SendPingResponse implements session.ResponseSender.
func (e *httpExchange) SendPingResponse(resp *protocol.Response) error {
	return e.SendResponse(resp)
}

// write flushes the buffered responses plus any queued server-to-client
// requests. A single lone response goes out as one object; anything else
// goes out as an array.
func (e *httpExchange) write(w http.ResponseWriter, pending []*protocol.Request, logger logging.Logger) {
	e.mu.Lock()
	responses := e.responses
	e.responses = nil
	e.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	if len(responses) == 0 && len(pending) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if len(responses) == 1 && len(pending) == 0 {
		if err := json.NewEncoder(w).Encode(responses[0]); err != nil {
			logger.Debug("could not write http response", logging.ErrorField(err))
		}
		return
	}

	batch := make([]interface{}, 0, len(responses)+len(pending))
	for _, resp := range responses {
		batch = append(batch, resp)
	}
	for _, req := range pending {
		batch = append(batch, req)
	}
	if err := json.NewEncoder(w).Encode(batch); err != nil {
		logger.Debug("could not write http batch", logging.ErrorField(err))
	}
}

// httpSessionFactory builds sessions whose outbound requests queue for the
// next poll and whose native close is a no-op, since there is no persistent
// socket to tear down.
type httpSessionFactory struct {
	server      *HTTPServer
	transportID string
}

// CreateSession implements server.SessionFactory.
func (f *httpSessionFactory) CreateSession(sessionID string, registerInfo interface{}) *session.ServerSession {
	dispatcher := &httpDispatcher{server: f.server, sessionID: sessionID}
	s := session.NewServerSession(sessionID, registerInfo, f.transportID, dispatcher)
	s.SetNativeCloser(session.NativeCloserFunc(func(reason string) error {
		f.server.RemoveSession(sessionID)
		return nil
	}))
	return s
}

// UpdateSessionOnReconnection implements server.SessionFactory.
func (f *httpSessionFactory) UpdateSessionOnReconnection(s *session.ServerSession) {
	s.SetDispatcher(&httpDispatcher{server: f.server, sessionID: s.SessionID()})
}

// httpDispatcher queues server-to-client requests until the session's next
// poll. The eventual response arrives inside a later poll's params and is
// routed back through the session's pending calls, so callers still block on
// SendRequest exactly as they do over a socket.
type httpDispatcher struct {
	server    *HTTPServer
	sessionID string
}

func (d *httpDispatcher) DispatchRequest(ctx context.Context, req *protocol.Request) error {
	d.server.queueFor(d.sessionID).push(req)
	return nil
}

// peekSessionID extracts the top-level session id without a full parse.
func peekSessionID(body []byte) string {
	var msg struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return ""
	}
	return msg.SessionID
}
