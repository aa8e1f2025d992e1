package session

import (
	"sync/atomic"

	"github.com/ajitpratap0/jsonrpc-session-go/pkg/errors"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/protocol"
)

// Transaction is the response obligation created for one inbound request.
// Exactly one response is ever sent per transaction: the first completion
// wins an atomic compare-and-set, every later attempt fails with the
// distinguished already-responded error and performs no transport I/O.
//
// A notification-class request (no id) still gets a transaction, but the
// winning completion is a no-op at the transport layer.
type Transaction struct {
	session   Session
	request   *protocol.Request
	sender    ResponseSender
	responded atomic.Bool
	async     atomic.Bool

	// injectSessionID stamps the session id into responses that carry none.
	injectSessionID bool
}

// NewTransaction creates the response obligation for request on session.
func NewTransaction(s Session, request *protocol.Request, sender ResponseSender) *Transaction {
	return &Transaction{
		session:         s,
		request:         request,
		sender:          sender,
		injectSessionID: true,
	}
}

// Session returns the session the request arrived on.
func (t *Transaction) Session() Session {
	return t.session
}

// Request returns the originating request.
func (t *Transaction) Request() *protocol.Request {
	return t.request
}

// IsNotification reports whether the originating request carried no id.
func (t *Transaction) IsNotification() bool {
	return t.request.IsNotification()
}

// StartAsync marks that the handler completes the transaction later, on
// another goroutine. The dispatcher must not treat return-from-handler as
// "no response needed" once this is called.
func (t *Transaction) StartAsync() {
	t.async.Store(true)
}

// IsAsync reports whether StartAsync was called.
func (t *Transaction) IsAsync() bool {
	return t.async.Load()
}

// Responded reports whether a completion already won.
func (t *Transaction) Responded() bool {
	return t.responded.Load()
}

// SendResponse completes the transaction with a result payload.
func (t *Transaction) SendResponse(result interface{}) error {
	resp, err := protocol.NewResponse(t.request.ID, result)
	if err != nil {
		return err
	}
	return t.internalSendResponse(resp)
}

// SendVoidResponse completes the transaction with an empty result.
func (t *Transaction) SendVoidResponse() error {
	return t.SendResponse(nil)
}

// SendError completes the transaction with a structured error.
func (t *Transaction) SendError(code int, message string, data interface{}) error {
	resp, err := protocol.NewErrorResponse(t.request.ID, code, message, data)
	if err != nil {
		return err
	}
	return t.internalSendResponse(resp)
}

// SendErrorFrom completes the transaction by mapping an arbitrary failure
// into a structured error object.
func (t *Transaction) SendErrorFrom(cause error) error {
	return t.internalSendResponse(&protocol.Response{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      t.request.ID,
		Error:   errors.ToProtocol(cause),
	})
}

// SendResponseObject completes the transaction with a caller-built response.
func (t *Transaction) SendResponseObject(resp *protocol.Response) error {
	return t.internalSendResponse(resp)
}

func (t *Transaction) internalSendResponse(resp *protocol.Response) error {
	if !t.responded.CompareAndSwap(false, true) {
		return errors.NewAlreadyResponded()
	}

	// No peer is waiting for a notification's outcome; the winning
	// completion is still recorded so later attempts fail loudly.
	if t.IsNotification() {
		return nil
	}

	if resp.SessionID == "" && t.injectSessionID {
		resp.SessionID = t.session.SessionID()
	}
	if resp.ID == nil {
		resp.ID = t.request.ID
	}
	if resp.JSONRPC == "" {
		resp.JSONRPC = protocol.JSONRPCVersion
	}

	return t.sender.SendResponse(resp)
}
