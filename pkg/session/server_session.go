package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/jsonrpc-session-go/pkg/logging"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/protocol"
)

// DefaultReconnectionTimeout is the grace period a detached session waits
// for a new transport before disposal.
const DefaultReconnectionTimeout = 10 * time.Second

// NativeCloser closes the physical connection a session is bound to.
// Provided by the transport adapter through the session factory.
type NativeCloser interface {
	CloseTransport(reason string) error
}

// NativeCloserFunc adapts a function to the NativeCloser interface.
type NativeCloserFunc func(reason string) error

func (f NativeCloserFunc) CloseTransport(reason string) error {
	return f(reason)
}

var _ Session = (*ServerSession)(nil)

// ServerSession is the server-role session: it is registered in a Registry
// under both identifiers, owns the close-timer handle during reconnection
// windows, and routes inbound responses to its pending outbound calls.
type ServerSession struct {
	baseSession
	*Sender

	sessionID string
	logger    logging.Logger

	mu                  sync.Mutex
	transportID         string
	closeTimer          TimerHandle
	nativeCloser        NativeCloser
	reconnectionTimeout time.Duration

	gracefullyClosed atomic.Bool
	disposed         atomic.Bool
}

// NewServerSession creates a server session bound to transportID and
// dispatching outbound requests through d.
func NewServerSession(sessionID string, registerInfo interface{}, transportID string, d Dispatcher) *ServerSession {
	s := &ServerSession{
		sessionID:           sessionID,
		transportID:         transportID,
		reconnectionTimeout: DefaultReconnectionTimeout,
		logger:              logging.NewNop(),
		Sender:              NewSender(d),
	}
	s.registerInfo = registerInfo
	s.SetNew(true)
	s.Sender.SetSessionID(sessionID)
	return s
}

// SetLogger replaces the session's logger.
func (s *ServerSession) SetLogger(l logging.Logger) {
	if l != nil {
		s.logger = l.WithFields(logging.SessionID(s.sessionID))
	}
}

// SessionID implements Session. The id is immutable once assigned.
func (s *ServerSession) SessionID() string {
	return s.sessionID
}

// TransportID returns the current physical transport binding.
func (s *ServerSession) TransportID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transportID
}

// SetTransportID rebinds the session to a new physical transport.
func (s *ServerSession) SetTransportID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transportID = id
}

// SetNativeCloser wires the transport-level close delegate.
func (s *ServerSession) SetNativeCloser(c NativeCloser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nativeCloser = c
}

// CloseNativeSession closes the underlying physical connection.
func (s *ServerSession) CloseNativeSession(reason string) error {
	s.mu.Lock()
	closer := s.nativeCloser
	s.mu.Unlock()
	if closer == nil {
		return nil
	}
	return closer.CloseTransport(reason)
}

// Close implements Session by closing the current physical connection.
func (s *ServerSession) Close() error {
	return s.CloseNativeSession("session closed locally")
}

// SetGracefullyClosed records that the peer explicitly closed the session.
func (s *ServerSession) SetGracefullyClosed() {
	s.gracefullyClosed.Store(true)
}

// GracefullyClosed reports whether the peer explicitly closed the session.
func (s *ServerSession) GracefullyClosed() bool {
	return s.gracefullyClosed.Load()
}

// MarkDisposed flips the session into the disposed state exactly once.
// Returns false when another disposal path already won; disposal is
// idempotent.
func (s *ServerSession) MarkDisposed() bool {
	return s.disposed.CompareAndSwap(false, true)
}

// SetCloseTimer records the pending disposal task scheduled while the
// session's transport is detached.
func (s *ServerSession) SetCloseTimer(h TimerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeTimer = h
}

// CloseTimer returns the pending disposal task, if any.
func (s *ServerSession) CloseTimer() TimerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeTimer
}

// CancelCloseTimer cancels any pending disposal task. Cancelling a timer
// that already fired is harmless.
func (s *ServerSession) CancelCloseTimer() {
	s.mu.Lock()
	timer := s.closeTimer
	s.closeTimer = nil
	s.mu.Unlock()
	if timer != nil {
		timer.Cancel()
	}
}

// SetReconnectionTimeout implements Session.
func (s *ServerSession) SetReconnectionTimeout(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectionTimeout = d
	return nil
}

// ReconnectionTimeout returns the configured disposal grace period.
func (s *ServerSession) ReconnectionTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectionTimeout
}

// HandleResponse routes an inbound response to the matching pending
// outbound call. A response no caller is waiting for is logged and dropped:
// late and duplicate responses are possible after timeouts.
func (s *ServerSession) HandleResponse(resp *protocol.Response) {
	if !s.Sender.HandleResponse(resp) {
		s.logger.Debug("dropping response with no pending call", logging.Any("response", resp.String()))
	}
}
