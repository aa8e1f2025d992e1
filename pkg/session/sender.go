package session

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"sync/atomic"

	"github.com/ajitpratap0/jsonrpc-session-go/pkg/errors"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/protocol"
)

// ErrNoResponse is returned by a Dispatcher that delivered the request but
// has no channel on which a response can ever arrive (one-shot transports).
// The sender resolves the call with an absent result instead of failing.
var ErrNoResponse = stderrors.New("no response expected for this request")

// Dispatcher writes an outbound request onto the wire current for this
// session. Responses arrive separately through Sender.HandleResponse.
type Dispatcher interface {
	DispatchRequest(ctx context.Context, req *protocol.Request) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, req *protocol.Request) error

func (f DispatcherFunc) DispatchRequest(ctx context.Context, req *protocol.Request) error {
	return f(ctx, req)
}

type pendingCall struct {
	ch   chan *protocol.Response
	cont ResponseContinuation
}

// Sender implements the outbound request path: monotonic id assignment,
// session-id injection, and correlation of responses back to the exact
// caller that issued each id. One instance per session.
type Sender struct {
	nextID     atomic.Int64
	dispatcher Dispatcher

	mu        sync.Mutex
	sessionID string
	pending   map[int64]*pendingCall

	// injectSessionID stamps the current session id into outbound requests
	// that carry none. Enabled by default.
	injectSessionID bool
}

// NewSender creates a request sender dispatching through d.
func NewSender(d Dispatcher) *Sender {
	return &Sender{
		dispatcher:      d,
		pending:         make(map[int64]*pendingCall),
		injectSessionID: true,
	}
}

// SetDispatcher swaps the wire the sender writes to. Used when a session is
// rebound to a new transport.
func (s *Sender) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher = d
}

// SessionID returns the sender's current session id.
func (s *Sender) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// SetSessionID sets the session id stamped into outbound messages.
func (s *Sender) SetSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = id
}

func (s *Sender) currentDispatcher() Dispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatcher
}

// SendRequest implements RequestSender.
func (s *Sender) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	req, err := protocol.NewRequest(protocol.ID(s.nextID.Add(1)), method, params)
	if err != nil {
		return nil, err
	}
	s.stampSessionID(req)

	resp, err := s.dispatchAndWait(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.unwrap(resp)
}

// SendRequestWith implements RequestSender. The outcome, including dispatch
// failures, is delivered to cont; the calling goroutine never blocks waiting
// for the network.
func (s *Sender) SendRequestWith(method string, params interface{}, cont Continuation) {
	req, err := protocol.NewRequest(protocol.ID(s.nextID.Add(1)), method, params)
	if err != nil {
		cont(nil, err)
		return
	}
	s.stampSessionID(req)

	s.SendRequestHonorIDWith(req, func(resp *protocol.Response, err error) {
		if err != nil {
			cont(nil, err)
			return
		}
		result, err := s.unwrap(resp)
		cont(result, err)
	})
}

// SendNotification implements RequestSender.
func (s *Sender) SendNotification(method string, params interface{}) error {
	req, err := protocol.NewRequest(nil, method, params)
	if err != nil {
		return err
	}
	s.stampSessionID(req)

	if err := s.currentDispatcher().DispatchRequest(context.Background(), req); err != nil && !stderrors.Is(err, ErrNoResponse) {
		return errors.WrapTransport(err, "failed to send notification")
	}
	return nil
}

// SendRequestHonorID implements RequestSender. The caller's id is never
// overwritten; a request without an id is dispatched without registering a
// pending call.
func (s *Sender) SendRequestHonorID(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	return s.dispatchAndWait(ctx, req)
}

// SendRequestHonorIDWith implements RequestSender.
func (s *Sender) SendRequestHonorIDWith(req *protocol.Request, cont ResponseContinuation) {
	if req.ID == nil {
		if err := s.currentDispatcher().DispatchRequest(context.Background(), req); err != nil && !stderrors.Is(err, ErrNoResponse) {
			cont(nil, errors.WrapTransport(err, "failed to dispatch request"))
			return
		}
		cont(nil, nil)
		return
	}

	id := *req.ID
	s.registerPending(id, &pendingCall{cont: cont})

	if err := s.currentDispatcher().DispatchRequest(context.Background(), req); err != nil {
		s.removePending(id)
		if stderrors.Is(err, ErrNoResponse) {
			cont(nil, nil)
			return
		}
		cont(nil, errors.WrapTransport(err, "failed to dispatch request"))
	}
}

// HandleResponse routes an inbound response to the pending call that issued
// its id. Returns false when no call is waiting, which is a benign race
// (late or duplicate response), not an error.
func (s *Sender) HandleResponse(resp *protocol.Response) bool {
	if resp == nil || resp.ID == nil {
		return false
	}

	s.mu.Lock()
	call, ok := s.pending[*resp.ID]
	if ok {
		delete(s.pending, *resp.ID)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	if call.cont != nil {
		call.cont(resp, nil)
	} else {
		call.ch <- resp
	}
	return true
}

// PendingCalls returns the number of outbound calls still awaiting a
// response.
func (s *Sender) PendingCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Sender) dispatchAndWait(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if req.ID == nil {
		if err := s.currentDispatcher().DispatchRequest(ctx, req); err != nil && !stderrors.Is(err, ErrNoResponse) {
			return nil, errors.WrapTransport(err, "failed to dispatch request")
		}
		return nil, nil
	}

	id := *req.ID
	ch := make(chan *protocol.Response, 1)
	s.registerPending(id, &pendingCall{ch: ch})

	if err := s.currentDispatcher().DispatchRequest(ctx, req); err != nil {
		s.removePending(id)
		if stderrors.Is(err, ErrNoResponse) {
			return nil, nil
		}
		return nil, errors.WrapTransport(err, "failed to dispatch request")
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		s.removePending(id)
		return nil, ctx.Err()
	}
}

// unwrap applies the common response processing: session id adoption, error
// mapping, result extraction. A nil response yields an absent result.
func (s *Sender) unwrap(resp *protocol.Response) (json.RawMessage, error) {
	if resp == nil {
		return nil, nil
	}
	if resp.SessionID != "" {
		s.SetSessionID(resp.SessionID)
	}
	if resp.Error != nil {
		return nil, errors.FromProtocol(resp.Error)
	}
	return resp.Result, nil
}

func (s *Sender) stampSessionID(req *protocol.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.injectSessionID && req.SessionID == "" && s.sessionID != "" {
		req.SessionID = s.sessionID
	}
}

func (s *Sender) registerPending(id int64, call *pendingCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[id] = call
}

func (s *Sender) removePending(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}
