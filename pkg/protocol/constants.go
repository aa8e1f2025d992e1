package protocol

const (
	// JSONRPCVersion is the supported JSON-RPC version
	JSONRPCVersion = "2.0"
)

// Reserved method names of the session control protocol. Application
// handlers never see these; the protocol manager consumes them directly.
const (
	// MethodConnect performs the session handshake and transport rebinding
	// on reconnection.
	MethodConnect = "connect"

	// MethodPing is the heartbeat method consumed by the ping watchdog.
	MethodPing = "ping"

	// MethodClose is the graceful session termination method.
	MethodClose = "close"

	// MethodPoll lets an HTTP long-polling peer deliver queued responses and
	// collect pending server-to-client requests in one round trip.
	MethodPoll = "poll"
)

// Fixed payloads of the control protocol.
const (
	// PongValue is the value of the pong payload field.
	PongValue = "pong"

	// PongPayloadField is the field name carrying the pong payload in a ping
	// response result.
	PongPayloadField = "value"

	// IntervalField is the request params field carrying the client's ping
	// interval hint, in milliseconds.
	IntervalField = "interval"

	// ConnectResultOK acknowledges a fresh connect.
	ConnectResultOK = "OK"

	// ConnectResultReconnected acknowledges a successful transport rebind.
	ConnectResultReconnected = "reconnected"

	// CloseResultBye acknowledges a close request. Sent before the session is
	// torn down.
	CloseResultBye = "bye"
)

// ReconnectionErrorCode is the reserved error code returned when a peer
// attempts to reconnect with a session id that neither the registry nor the
// handler recognizes.
const ReconnectionErrorCode = 40007

// ReconnectionErrorMessage is the message accompanying ReconnectionErrorCode.
const ReconnectionErrorMessage = "reconnection error"

// Standard JSON-RPC 2.0 error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)
