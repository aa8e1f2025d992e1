package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/jsonrpc-session-go/pkg/logging"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/protocol"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/session"
)

// SessionFactory builds and rebinds server sessions for one transport. The
// transport adapter supplies it per message so new sessions come out wired to
// the connection the message arrived on.
type SessionFactory interface {
	// CreateSession builds a session bound to the factory's transport.
	CreateSession(sessionID string, registerInfo interface{}) *session.ServerSession

	// UpdateSessionOnReconnection swaps an existing session's wire to the
	// factory's transport. The registry and transport id are updated by the
	// caller.
	UpdateSessionOnReconnection(s *session.ServerSession)
}

// MetricsRecorder receives engine events. Implemented by the observability
// package; a nil recorder disables collection.
type MetricsRecorder interface {
	SessionCreated()
	SessionReconnected()
	SessionDisposed(reason string)
	PingReceived()
	ObserveDispatch(method string, d time.Duration, failed bool)
}

// Tracer opens a span around an application method dispatch. Implemented by
// the observability package; a nil tracer disables tracing.
type Tracer interface {
	StartMethodSpan(ctx context.Context, method string) (context.Context, func(err error))
}

// Config carries the protocol manager's tunables.
type Config struct {
	// Label names this manager instance in logs.
	Label string

	// MaxHeartbeats, when positive, stops answering pings after that many
	// pongs. Used to exercise client-side dead-server handling.
	MaxHeartbeats int64

	// PingWatchdog arms liveness tracking from client heartbeats.
	PingWatchdog bool

	Logger    logging.Logger
	Scheduler Scheduler
	Metrics   MetricsRecorder
	Tracer    Tracer
}

// DefaultConfig returns the manager defaults: watchdog off, no heartbeat
// budget, runtime-timer scheduler.
func DefaultConfig() *Config {
	return &Config{
		Logger:    logging.NewNop(),
		Scheduler: NewTimeScheduler(),
	}
}

// ProtocolManager is the inbound half of the session engine. Transport
// adapters feed every raw message into ProcessMessage; the manager resolves
// the session, consumes the control methods (connect, ping, close, poll) and
// forwards application methods to the Handler.
type ProtocolManager struct {
	hm        *handlerManager
	registry  *session.Registry
	watchdog  *PingWatchdog
	scheduler Scheduler
	logger    logging.Logger
	metrics   MetricsRecorder
	tracer    Tracer

	label         atomic.Value // string
	maxHeartbeats atomic.Int64
	heartbeats    atomic.Int64
}

// NewProtocolManager creates a manager dispatching application requests to
// handler. A nil cfg uses DefaultConfig.
func NewProtocolManager(handler Handler, cfg *Config) *ProtocolManager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Label != "" {
		logger = logger.WithFields(logging.String("label", cfg.Label))
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = NewTimeScheduler()
	}

	m := &ProtocolManager{
		hm:        newHandlerManager(handler, logger),
		registry:  session.NewRegistry(),
		scheduler: scheduler,
		logger:    logger,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
	}
	m.label.Store(cfg.Label)
	m.maxHeartbeats.Store(cfg.MaxHeartbeats)
	m.watchdog = NewPingWatchdog(scheduler, logger, func(sessionID, reason string) {
		if s := m.registry.Get(sessionID); s != nil {
			m.CloseSession(s, reason)
		}
	})
	m.watchdog.SetEnabled(cfg.PingWatchdog)
	return m
}

// Registry exposes the live session index.
func (m *ProtocolManager) Registry() *session.Registry {
	return m.registry
}

// SessionByTransportID returns the session currently bound to a transport.
func (m *ProtocolManager) SessionByTransportID(transportID string) *session.ServerSession {
	return m.registry.GetByTransportID(transportID)
}

// SetLabel renames the manager in subsequent log output.
func (m *ProtocolManager) SetLabel(label string) {
	m.label.Store(label)
}

// Label returns the manager's label.
func (m *ProtocolManager) Label() string {
	label, _ := m.label.Load().(string)
	return label
}

// SetMaxHeartbeats caps the number of pings answered. Zero removes the cap.
func (m *ProtocolManager) SetMaxHeartbeats(max int64) {
	m.maxHeartbeats.Store(max)
	m.heartbeats.Store(0)
}

// SetPingWatchdog flips heartbeat liveness tracking at runtime.
func (m *ProtocolManager) SetPingWatchdog(enabled bool) {
	m.watchdog.SetEnabled(enabled)
}

// ProcessMessage handles one raw inbound message from transportID. factory
// builds sessions bound to that transport and rs writes responses back on it.
func (m *ProtocolManager) ProcessMessage(ctx context.Context, raw []byte, factory SessionFactory, rs session.ResponseSender, transportID string) {
	if !protocol.IsRequest(raw) {
		m.processResponse(raw, transportID)
		return
	}

	req, err := protocol.ParseRequest(raw)
	if err != nil {
		m.logger.Warn("dropping malformed request",
			logging.TransportID(transportID), logging.ErrorField(err))
		resp, _ := protocol.NewErrorResponse(nil, protocol.ParseError, "Parse error", nil)
		if sendErr := rs.SendResponse(resp); sendErr != nil {
			m.logger.Debug("could not report parse error", logging.ErrorField(sendErr))
		}
		return
	}

	switch req.Method {
	case protocol.MethodConnect:
		m.processConnect(req, factory, rs, transportID)
	case protocol.MethodPing:
		m.processPing(req, rs, transportID)
	case protocol.MethodClose:
		m.processClose(req, rs, transportID)
	case protocol.MethodPoll:
		m.processPoll(req, rs, transportID)
	default:
		m.processApplicationRequest(ctx, req, factory, rs, transportID)
	}
}

// processResponse routes an inbound response to the session whose outbound
// call issued its id.
func (m *ProtocolManager) processResponse(raw []byte, transportID string) {
	resp, err := protocol.ParseResponse(raw)
	if err != nil {
		m.logger.Warn("dropping malformed response",
			logging.TransportID(transportID), logging.ErrorField(err))
		return
	}

	s := m.registry.GetByTransportID(transportID)
	if s == nil && resp.SessionID != "" {
		s = m.registry.Get(resp.SessionID)
	}
	if s == nil {
		m.logger.Debug("dropping response with no session",
			logging.TransportID(transportID), logging.Any("response", resp.String()))
		return
	}
	s.HandleResponse(resp)
}

func (m *ProtocolManager) processConnect(req *protocol.Request, factory SessionFactory, rs session.ResponseSender, transportID string) {
	if req.SessionID == "" {
		// A transport that already carries a session keeps it; a repeated
		// handshake is not a new peer.
		s := m.registry.GetByTransportID(transportID)
		if s == nil {
			s = m.createSession(req, factory, transportID, "")
		}
		tx := session.NewTransaction(s, req, rs)
		if err := tx.SendResponse(protocol.ConnectResultOK); err != nil {
			m.logger.Warn("could not ack connect", logging.ErrorField(err))
		}
		return
	}

	if existing := m.registry.Get(req.SessionID); existing != nil {
		if existing.TransportID() != transportID {
			m.reconnectSession(existing, factory, transportID)
		}
		tx := session.NewTransaction(existing, req, rs)
		if err := tx.SendResponse(protocol.ConnectResultReconnected); err != nil {
			m.logger.Warn("could not ack reconnection", logging.ErrorField(err))
		}
		return
	}

	if s := m.createSessionAsOldIfKnownByHandler(req, factory, transportID); s != nil {
		tx := session.NewTransaction(s, req, rs)
		if err := tx.SendResponse(protocol.ConnectResultReconnected); err != nil {
			m.logger.Warn("could not ack recovered session", logging.ErrorField(err))
		}
		return
	}

	// Ghost session: nobody recognizes the id. The peer must start over.
	m.logger.Info("rejecting reconnection to unknown session",
		logging.SessionID(req.SessionID), logging.TransportID(transportID))
	resp, _ := protocol.NewErrorResponse(req.ID, protocol.ReconnectionErrorCode, protocol.ReconnectionErrorMessage, nil)
	resp.SessionID = req.SessionID
	if err := rs.SendResponse(resp); err != nil {
		m.logger.Warn("could not send reconnection error", logging.ErrorField(err))
	}
}

func (m *ProtocolManager) processPing(req *protocol.Request, rs session.ResponseSender, transportID string) {
	if max := m.maxHeartbeats.Load(); max > 0 && m.heartbeats.Add(1) >= max {
		m.logger.Debug("heartbeat budget exhausted, ignoring ping",
			logging.TransportID(transportID))
		return
	}

	m.watchdog.PingReceived(transportID, pingInterval(req))
	if m.metrics != nil {
		m.metrics.PingReceived()
	}

	sessionID := req.SessionID
	if sessionID == "" {
		if s := m.registry.GetByTransportID(transportID); s != nil {
			sessionID = s.SessionID()
		}
	}

	if req.IsNotification() {
		return
	}
	pong := protocol.NewPongResponse(req.ID, sessionID)
	if err := rs.SendPingResponse(pong); err != nil {
		m.logger.Debug("could not send pong",
			logging.TransportID(transportID), logging.ErrorField(err))
	}
}

func (m *ProtocolManager) processClose(req *protocol.Request, rs session.ResponseSender, transportID string) {
	s := m.resolveSession(req, transportID)
	if s != nil {
		s.SetGracefullyClosed()
		s.CancelCloseTimer()
	}

	// Ack before teardown so "bye" still has a live wire to travel on.
	if !req.IsNotification() {
		resp, _ := protocol.NewResponse(req.ID, protocol.CloseResultBye)
		if s != nil {
			resp.SessionID = s.SessionID()
		} else {
			resp.SessionID = req.SessionID
		}
		if err := rs.SendResponse(resp); err != nil {
			m.logger.Debug("could not ack close", logging.ErrorField(err))
		}
	}

	if s != nil {
		m.CloseSession(s, "closedByClient")
	}
}

// processPoll drains a long-polling client's queued responses and completes
// the poll request; the transport's buffered response sender flushes any
// pending server-to-client traffic as part of the completion.
func (m *ProtocolManager) processPoll(req *protocol.Request, rs session.ResponseSender, transportID string) {
	s := m.resolveSession(req, transportID)

	var params struct {
		Responses []*protocol.Response `json:"responses,omitempty"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			m.logger.Warn("malformed poll params",
				logging.TransportID(transportID), logging.ErrorField(err))
		}
	}
	if s != nil {
		for _, resp := range params.Responses {
			s.HandleResponse(resp)
		}
	}

	if req.IsNotification() {
		return
	}
	resp, _ := protocol.NewResponse(req.ID, nil)
	if s != nil {
		resp.SessionID = s.SessionID()
	} else {
		resp.SessionID = req.SessionID
	}
	if err := rs.SendResponse(resp); err != nil {
		m.logger.Debug("could not complete poll", logging.ErrorField(err))
	}
}

func (m *ProtocolManager) processApplicationRequest(ctx context.Context, req *protocol.Request, factory SessionFactory, rs session.ResponseSender, transportID string) {
	s := m.getOrCreateSession(req, factory, transportID)

	start := time.Now()
	var finish func(err error)
	if m.tracer != nil {
		_, finish = m.tracer.StartMethodSpan(ctx, req.Method)
	}

	m.hm.handleRequest(s, req, rs)

	if finish != nil {
		finish(nil)
	}
	if m.metrics != nil {
		m.metrics.ObserveDispatch(req.Method, time.Since(start), false)
	}
}

// resolveSession finds the session a request belongs to without creating
// one: explicit session id first, then the transport binding.
func (m *ProtocolManager) resolveSession(req *protocol.Request, transportID string) *session.ServerSession {
	if req.SessionID != "" {
		if s := m.registry.Get(req.SessionID); s != nil {
			return s
		}
	}
	return m.registry.GetByTransportID(transportID)
}

// getOrCreateSession resolves the session for an application request,
// rebinding or recovering it when needed and creating a fresh one for a peer
// that skipped the connect handshake. A request naming a session id nobody
// holds gets a new session under that id, so the peer's identity stays valid.
func (m *ProtocolManager) getOrCreateSession(req *protocol.Request, factory SessionFactory, transportID string) *session.ServerSession {
	if req.SessionID != "" {
		if s := m.registry.Get(req.SessionID); s != nil {
			if s.TransportID() != transportID {
				m.reconnectSession(s, factory, transportID)
			}
			return s
		}
		if s := m.createSessionAsOldIfKnownByHandler(req, factory, transportID); s != nil {
			return s
		}

		m.logger.Warn("no session with requested id, creating a new one with it",
			logging.SessionID(req.SessionID), logging.String("method", req.Method))
		return m.createSession(req, factory, transportID, req.SessionID)
	}

	if s := m.registry.GetByTransportID(transportID); s != nil {
		return s
	}
	// First request on this transport and no handshake: implicit session.
	return m.createSession(req, factory, transportID, "")
}

// createSession builds, registers and announces a fresh session. An empty
// sessionID generates a new one.
func (m *ProtocolManager) createSession(req *protocol.Request, factory SessionFactory, transportID, sessionID string) *session.ServerSession {
	if sessionID == "" {
		sessionID = newSessionID()
	}

	s := factory.CreateSession(sessionID, rawRegisterInfo(req))
	s.SetLogger(m.logger)
	m.registry.Put(s)
	m.watchdog.AssociateSessionID(transportID, sessionID)
	if m.metrics != nil {
		m.metrics.SessionCreated()
	}
	m.logger.Info("session created",
		logging.SessionID(sessionID), logging.TransportID(transportID))

	m.hm.afterConnectionEstablished(s)
	return s
}

// reconnectSession rebinds an existing session to a new transport. The new
// registry binding is installed before the old one goes away.
func (m *ProtocolManager) reconnectSession(s *session.ServerSession, factory SessionFactory, transportID string) {
	s.CancelCloseTimer()

	oldTransportID := s.TransportID()
	s.SetTransportID(transportID)
	m.registry.UpdateTransportID(s, oldTransportID)
	m.watchdog.UpdateTransportID(transportID, oldTransportID)
	m.watchdog.AssociateSessionID(transportID, s.SessionID())

	factory.UpdateSessionOnReconnection(s)
	s.SetNew(false)

	if m.metrics != nil {
		m.metrics.SessionReconnected()
	}
	m.logger.Info("session reconnected",
		logging.SessionID(s.SessionID()),
		logging.String("old_transport_id", oldTransportID),
		logging.TransportID(transportID))
}

// createSessionAsOldIfKnownByHandler gives a SessionRecognizer handler the
// chance to recover a session id that survived a server restart.
func (m *ProtocolManager) createSessionAsOldIfKnownByHandler(req *protocol.Request, factory SessionFactory, transportID string) *session.ServerSession {
	recognizer := m.hm.recognizer()
	if recognizer == nil || !recognizer.IsSessionKnown(req.SessionID) {
		return nil
	}

	s := factory.CreateSession(req.SessionID, rawRegisterInfo(req))
	s.SetLogger(m.logger)
	s.SetNew(false)
	m.registry.Put(s)
	m.watchdog.AssociateSessionID(transportID, s.SessionID())
	m.logger.Info("session recovered from handler",
		logging.SessionID(s.SessionID()), logging.TransportID(transportID))

	recognizer.ProcessNewCreatedKnownSession(s)
	return s
}

// CloseSessionIfTimeout starts the reconnection window for the session bound
// to a transport that just dropped. If the peer closed gracefully the session
// is disposed immediately; otherwise disposal is scheduled after the
// session's reconnection timeout and cancelled if the peer reconnects first.
func (m *ProtocolManager) CloseSessionIfTimeout(transportID, reason string) {
	s := m.registry.GetByTransportID(transportID)
	if s == nil {
		m.watchdog.RemoveTransport(transportID)
		return
	}

	if s.GracefullyClosed() {
		m.CloseSession(s, reason)
		return
	}

	// The close timer owns disposal from here; a watchdog firing for the
	// dead transport would be redundant.
	m.watchdog.DisableForSession(s.SessionID())

	timeout := s.ReconnectionTimeout()
	handle, err := m.scheduler.Schedule(func() {
		m.logger.Info("reconnection window expired",
			logging.SessionID(s.SessionID()), logging.Duration("timeout", timeout))
		m.CloseSession(s, reason)
	}, time.Now().Add(timeout))
	if err != nil {
		m.logger.Warn("could not schedule session disposal, disposing now",
			logging.SessionID(s.SessionID()), logging.ErrorField(err))
		m.CloseSession(s, reason)
		return
	}
	s.SetCloseTimer(handle)

	m.logger.Debug("transport detached, awaiting reconnection",
		logging.SessionID(s.SessionID()),
		logging.TransportID(transportID),
		logging.Duration("timeout", timeout))
}

// CloseSession disposes a session: native connection, registry entries,
// watchdog state, handler notification. Idempotent; concurrent disposal paths
// collapse into one.
func (m *ProtocolManager) CloseSession(s *session.ServerSession, reason string) {
	if !s.MarkDisposed() {
		return
	}
	s.CancelCloseTimer()

	if err := s.CloseNativeSession(reason); err != nil {
		m.logger.Debug("error closing native session",
			logging.SessionID(s.SessionID()), logging.ErrorField(err))
	}
	m.registry.Remove(s)
	m.watchdog.RemoveSession(s.SessionID())
	if m.metrics != nil {
		m.metrics.SessionDisposed(reason)
	}
	m.logger.Info("session disposed",
		logging.SessionID(s.SessionID()), logging.String("reason", reason))

	m.hm.afterConnectionClosed(s, reason)
}

// ProcessTransportError escalates a transport I/O failure to the handler,
// with the bound session when one exists.
func (m *ProtocolManager) ProcessTransportError(transportID string, err error) {
	var bound session.Session
	if s := m.registry.GetByTransportID(transportID); s != nil {
		bound = s
	}
	m.hm.handleTransportError(bound, err)
}

// Shutdown stops the scheduler and disposes every live session.
func (m *ProtocolManager) Shutdown() {
	m.scheduler.Shutdown()
	for _, s := range m.registry.All() {
		m.CloseSession(s, "serverShutdown")
	}
}

// pingInterval extracts the client's declared heartbeat period from ping
// params, converting the millisecond wire value.
func pingInterval(req *protocol.Request) time.Duration {
	if len(req.Params) == 0 {
		return 0
	}
	var params map[string]json.RawMessage
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return 0
	}
	raw, ok := params[protocol.IntervalField]
	if !ok {
		return 0
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// rawRegisterInfo passes connect/request params through as the session's
// opaque registration payload.
func rawRegisterInfo(req *protocol.Request) interface{} {
	if len(req.Params) == 0 {
		return nil
	}
	return req.Params
}

// newSessionID generates an unguessable session identifier.
func newSessionID() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("session id entropy unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}
