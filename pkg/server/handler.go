package server

import (
	"fmt"

	"github.com/ajitpratap0/jsonrpc-session-go/pkg/logging"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/protocol"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/session"
)

// Handler is the application-level collaborator the protocol manager
// forwards non-control requests to. Implementations decide each
// transaction's completion; the manager never responds for them.
type Handler interface {
	// AfterConnectionEstablished runs when a new session is created.
	AfterConnectionEstablished(s session.Session)

	// AfterConnectionClosed runs after a session is disposed.
	AfterConnectionClosed(s session.Session, reason string)

	// HandleTransportError receives I/O failures reported by the transport
	// adapter. s may be nil when the transport was never bound to a session.
	HandleTransportError(s session.Session, err error)

	// HandleUncaughtException receives panics and errors escaping
	// HandleRequest.
	HandleUncaughtException(s session.Session, err error)

	// HandleRequest processes one application request. Completion goes
	// through tx; returning an error completes the transaction with a
	// structured error unless a response was already sent.
	HandleRequest(s session.Session, req *protocol.Request, tx *session.Transaction) error
}

// SessionRecognizer is an optional Handler capability that recovers
// sessions across process restarts: when a peer reconnects with a session
// id the registry does not know, the handler gets a last chance to
// recognize it out-of-band.
type SessionRecognizer interface {
	// IsSessionKnown reports whether the handler recognizes the session id.
	IsSessionKnown(sessionID string) bool

	// ProcessNewCreatedKnownSession runs after the engine recreates a
	// session object for a recognized id.
	ProcessNewCreatedKnownSession(s session.Session)
}

// DefaultHandler is an embeddable Handler base with no-op lifecycle hooks.
type DefaultHandler struct {
	logger logging.Logger
	label  string
}

// NewDefaultHandler creates a handler base logging through l.
func NewDefaultHandler(l logging.Logger) *DefaultHandler {
	if l == nil {
		l = logging.NewNop()
	}
	return &DefaultHandler{logger: l}
}

// WithLabel attaches a label used in log output.
func (h *DefaultHandler) WithLabel(label string) *DefaultHandler {
	h.label = label
	return h
}

// Label returns the handler's label.
func (h *DefaultHandler) Label() string {
	return h.label
}

func (h *DefaultHandler) AfterConnectionEstablished(session.Session) {}

func (h *DefaultHandler) AfterConnectionClosed(session.Session, string) {}

func (h *DefaultHandler) HandleTransportError(s session.Session, err error) {
	h.logger.Warn("transport error", logging.ErrorField(err))
}

func (h *DefaultHandler) HandleUncaughtException(s session.Session, err error) {
	h.logger.Warn("uncaught exception in handler", logging.ErrorField(err))
}

// handlerManager wraps the application handler with panic containment so a
// misbehaving handler never takes the dispatcher down.
type handlerManager struct {
	handler Handler
	logger  logging.Logger
}

func newHandlerManager(h Handler, l logging.Logger) *handlerManager {
	return &handlerManager{handler: h, logger: l}
}

func (m *handlerManager) recognizer() SessionRecognizer {
	if r, ok := m.handler.(SessionRecognizer); ok {
		return r
	}
	return nil
}

func (m *handlerManager) handleRequest(s *session.ServerSession, req *protocol.Request, rs session.ResponseSender) {
	tx := session.NewTransaction(s, req, rs)

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in handler for %s: %v", req.Method, r)
			m.handler.HandleUncaughtException(s, err)
			if !tx.Responded() && !tx.IsNotification() {
				if sendErr := tx.SendErrorFrom(err); sendErr != nil {
					m.logger.Warn("could not send error response after panic", logging.ErrorField(sendErr))
				}
			}
		}
	}()

	if err := m.handler.HandleRequest(s, req, tx); err != nil {
		m.handler.HandleUncaughtException(s, err)
		if !tx.Responded() && !tx.IsNotification() {
			if sendErr := tx.SendErrorFrom(err); sendErr != nil {
				m.logger.Warn("could not send error response", logging.ErrorField(sendErr))
			}
		}
	}
}

func (m *handlerManager) afterConnectionEstablished(s session.Session) {
	defer m.containPanic(s, "afterConnectionEstablished")
	m.handler.AfterConnectionEstablished(s)
}

func (m *handlerManager) afterConnectionClosed(s session.Session, reason string) {
	defer m.containPanic(s, "afterConnectionClosed")
	m.handler.AfterConnectionClosed(s, reason)
}

func (m *handlerManager) handleTransportError(s session.Session, err error) {
	defer m.containPanic(s, "handleTransportError")
	m.handler.HandleTransportError(s, err)
}

func (m *handlerManager) containPanic(s session.Session, hook string) {
	if r := recover(); r != nil {
		m.handler.HandleUncaughtException(s, fmt.Errorf("panic in %s: %v", hook, r))
	}
}
