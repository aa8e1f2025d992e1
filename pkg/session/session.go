// Package session implements the per-peer state of the JSON-RPC session
// engine: the Session contract shared by both roles, the server and client
// variants, the concurrent session registry, the outbound request sender and
// the per-request Transaction response obligation.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/jsonrpc-session-go/pkg/protocol"
)

// Continuation receives the outcome of an asynchronous outbound call. Exactly
// one of result/err is meaningful; a nil result with a nil error means the
// transport could not deliver a response for this call.
type Continuation func(result json.RawMessage, err error)

// ResponseContinuation receives the raw response of an asynchronous outbound
// call that bypasses result/error unwrapping.
type ResponseContinuation func(resp *protocol.Response, err error)

// RequestSender is the outbound request path attached to every session.
type RequestSender interface {
	// SendRequest dispatches a correlated request and blocks until the
	// matching response or a transport failure arrives. A peer-reported
	// error surfaces as an errors.RPCError carrying its code/message/data.
	SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error)

	// SendRequestWith dispatches a correlated request and delivers the
	// outcome to cont instead of blocking.
	SendRequestWith(method string, params interface{}, cont Continuation)

	// SendNotification dispatches a request without an id. No response is
	// expected or waited for.
	SendNotification(method string, params interface{}) error

	// SendRequestHonorID dispatches a caller-built request without ever
	// overwriting its id, returning the raw response. Used when relaying an
	// id assigned elsewhere.
	SendRequestHonorID(ctx context.Context, req *protocol.Request) (*protocol.Response, error)

	// SendRequestHonorIDWith is the continuation form of SendRequestHonorID.
	SendRequestHonorIDWith(req *protocol.Request, cont ResponseContinuation)
}

// Session represents one logical RPC peer across possibly many physical
// transports.
type Session interface {
	RequestSender

	// SessionID returns the stable session identifier. It survives
	// reconnection and never changes once assigned on the server side.
	SessionID() string

	// RegisterInfo returns the opaque application payload supplied at
	// session creation. The engine attaches no semantics to it.
	RegisterInfo() interface{}

	// IsNew reports whether the session has not yet survived a
	// reconnect/handshake.
	IsNew() bool

	// Close releases the session's underlying connection.
	Close() error

	// SetReconnectionTimeout configures the server-side disposal grace
	// period. Client sessions reject it with an unsupported-operation error.
	SetReconnectionTimeout(d time.Duration) error

	// Attributes returns the session's attribute bag, creating it on first
	// access. Safe for concurrent use.
	Attributes() *sync.Map
}

// ResponseSender delivers encoded responses back to the peer on whatever
// channel is current for a transport. Implemented by transport adapters.
type ResponseSender interface {
	SendResponse(resp *protocol.Response) error
	SendPingResponse(resp *protocol.Response) error
}

// TimerHandle is a cancellable reference to a scheduled task.
type TimerHandle interface {
	Cancel()
}

// baseSession holds the identity state shared by both session roles.
type baseSession struct {
	registerInfo interface{}
	isNew        atomic.Bool
	attrsOnce    sync.Once
	attrs        *sync.Map
}

func (s *baseSession) RegisterInfo() interface{} {
	return s.registerInfo
}

func (s *baseSession) IsNew() bool {
	return s.isNew.Load()
}

// SetNew flips the "new" flag; called once the session survives its first
// reconnect or is recovered from a known id.
func (s *baseSession) SetNew(isNew bool) {
	s.isNew.Store(isNew)
}

func (s *baseSession) Attributes() *sync.Map {
	s.attrsOnce.Do(func() {
		s.attrs = &sync.Map{}
	})
	return s.attrs
}
