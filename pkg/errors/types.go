// Package errors provides structured error handling for the session engine.
// It defines error types that map to JSON-RPC error codes and distinguish
// peer-visible RPC failures from transport, protocol and scheduling failures.
package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// Category classifies an error for handling and propagation decisions.
type Category string

const (
	CategoryProtocol    Category = "protocol"
	CategoryRPC         Category = "rpc"
	CategoryTransport   Category = "transport"
	CategoryUnsupported Category = "unsupported"
	CategoryScheduling  Category = "scheduling"
	CategoryInternal    Category = "internal"
)

// Severity indicates how critical an error is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Context records where and when an error occurred.
type Context struct {
	SessionID   string    `json:"session_id,omitempty"`
	TransportID string    `json:"transport_id,omitempty"`
	Method      string    `json:"method,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Component   string    `json:"component,omitempty"`
}

// RPCError is the interface for all engine errors. Peer-visible errors carry
// the code/message/data triple of a JSON-RPC error object.
type RPCError interface {
	error

	// Code returns the JSON-RPC error code.
	Code() int

	// Message returns the human-readable error message.
	Message() string

	// Data returns structured error data for programmatic handling.
	Data() json.RawMessage

	// Category returns the error category.
	Category() Category

	// Severity returns the error severity.
	Severity() Severity

	// Context returns the error context, if any.
	Context() *Context

	// WithContext returns a new error carrying the provided context.
	WithContext(ctx *Context) RPCError

	// WithData returns a new error carrying structured data.
	WithData(data interface{}) RPCError

	// Unwrap returns the underlying error for error chain traversal.
	Unwrap() error
}

type baseError struct {
	code     int
	message  string
	data     json.RawMessage
	category Category
	severity Severity
	context  *Context
	cause    error
}

func (e *baseError) Error() string {
	msg := e.message
	if e.code != 0 {
		msg = fmt.Sprintf("%s. Code: %d", msg, e.code)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

func (e *baseError) Code() int             { return e.code }
func (e *baseError) Message() string       { return e.message }
func (e *baseError) Data() json.RawMessage { return e.data }
func (e *baseError) Category() Category    { return e.category }
func (e *baseError) Severity() Severity    { return e.severity }
func (e *baseError) Context() *Context     { return e.context }
func (e *baseError) Unwrap() error         { return e.cause }

func (e *baseError) WithContext(ctx *Context) RPCError {
	newErr := *e
	newErr.context = ctx
	return &newErr
}

func (e *baseError) WithData(data interface{}) RPCError {
	newErr := *e
	if raw, ok := data.(json.RawMessage); ok {
		newErr.data = raw
	} else if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			newErr.data = raw
		}
	}
	return &newErr
}

// New creates a new RPCError.
func New(code int, message string, category Category, severity Severity) RPCError {
	return &baseError{
		code:     code,
		message:  message,
		category: category,
		severity: severity,
		context:  &Context{Timestamp: time.Now()},
	}
}

// Newf creates a new RPCError with a formatted message.
func Newf(code int, category Category, severity Severity, format string, args ...interface{}) RPCError {
	return New(code, fmt.Sprintf(format, args...), category, severity)
}

// Wrap wraps an existing error as an RPCError.
func Wrap(err error, code int, message string, category Category, severity Severity) RPCError {
	return &baseError{
		code:     code,
		message:  message,
		category: category,
		severity: severity,
		cause:    err,
		context:  &Context{Timestamp: time.Now()},
	}
}

// AsRPCError extracts an RPCError from any error.
func AsRPCError(err error) (RPCError, bool) {
	if err == nil {
		return nil, false
	}
	rpcErr, ok := err.(RPCError)
	return rpcErr, ok
}

// IsCategory checks if an error is of a specific category.
func IsCategory(err error, category Category) bool {
	if rpcErr, ok := AsRPCError(err); ok {
		return rpcErr.Category() == category
	}
	return false
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code int) bool {
	if rpcErr, ok := AsRPCError(err); ok {
		return rpcErr.Code() == code
	}
	return false
}
