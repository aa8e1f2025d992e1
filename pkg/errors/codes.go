package errors

// JSON-RPC 2.0 standard error codes.
const (
	CodeParseError     int = -32700
	CodeInvalidRequest int = -32600
	CodeMethodNotFound int = -32601
	CodeInvalidParams  int = -32602
	CodeInternalError  int = -32603
)

// Session-engine error codes.
const (
	// CodeReconnectionError is the reserved code returned when a connect
	// request names a session id nobody recognizes.
	CodeReconnectionError int = 40007

	// CodeAlreadyResponded marks a second completion attempt on a
	// transaction that has already sent its response.
	CodeAlreadyResponded int = -32050

	// CodeUnsupportedOperation marks role-mismatch calls, such as setting a
	// reconnection timeout on a client session.
	CodeUnsupportedOperation int = -32051

	// CodeTransportError marks I/O failures while sending on the transport.
	CodeTransportError int = -32052

	// CodeSchedulingRejected marks a timer the scheduler refused to accept.
	CodeSchedulingRejected int = -32053
)

// NewAlreadyResponded creates the distinguished error returned when a
// transaction completion loses the exactly-once race.
func NewAlreadyResponded() RPCError {
	return New(CodeAlreadyResponded, "this request has already been responded", CategoryProtocol, SeverityError)
}

// NewUnsupportedOperation creates a role-mismatch error.
func NewUnsupportedOperation(message string) RPCError {
	return New(CodeUnsupportedOperation, message, CategoryUnsupported, SeverityError)
}

// NewReconnectionError creates the reserved reconnection-failure error.
func NewReconnectionError() RPCError {
	return New(CodeReconnectionError, "reconnection error", CategoryProtocol, SeverityWarning)
}

// NewSchedulingRejected creates the error reported when the scheduler
// refuses a task, typically during shutdown.
func NewSchedulingRejected(message string) RPCError {
	return New(CodeSchedulingRejected, message, CategoryScheduling, SeverityWarning)
}

// WrapTransport wraps a transport I/O failure. Distinguishable from
// application-level RPC errors via CategoryTransport.
func WrapTransport(err error, message string) RPCError {
	return Wrap(err, CodeTransportError, message, CategoryTransport, SeverityError)
}

// IsAlreadyResponded reports whether err is the exactly-once violation error.
func IsAlreadyResponded(err error) bool {
	return IsCode(err, CodeAlreadyResponded)
}

// IsTransportError reports whether err is an I/O-class transport failure.
func IsTransportError(err error) bool {
	return IsCategory(err, CategoryTransport)
}
