package session

import (
	"io"
	"time"

	"github.com/ajitpratap0/jsonrpc-session-go/pkg/errors"
)

var _ Session = (*ClientSession)(nil)

// ClientSession is the client-role session. It shares the outbound request
// contract with ServerSession but delegates Close to the underlying
// connector and rejects server-only configuration.
type ClientSession struct {
	baseSession
	*Sender

	connector io.Closer
}

// NewClientSession creates a client session dispatching through d. The
// session id may be empty until the server assigns one during the connect
// handshake; the sender adopts it from the first response that carries one.
func NewClientSession(sessionID string, registerInfo interface{}, d Dispatcher) *ClientSession {
	s := &ClientSession{Sender: NewSender(d)}
	s.registerInfo = registerInfo
	s.SetNew(true)
	s.Sender.SetSessionID(sessionID)
	return s
}

// SetConnector wires the underlying client connection so Close can reach it.
func (s *ClientSession) SetConnector(c io.Closer) {
	s.connector = c
}

// SessionID implements Session.
func (s *ClientSession) SessionID() string {
	return s.Sender.SessionID()
}

// Close implements Session by closing the underlying connector, when one is
// attached.
func (s *ClientSession) Close() error {
	if s.connector == nil {
		return nil
	}
	return s.connector.Close()
}

// SetReconnectionTimeout implements Session. Reconnection timeout is a
// server-side disposal policy; a client initiates its own reconnection, so
// configuring it here is a role mismatch and fails fast.
func (s *ClientSession) SetReconnectionTimeout(time.Duration) error {
	return errors.NewUnsupportedOperation("reconnection timeout can't be configured in the client")
}
