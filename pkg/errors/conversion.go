package errors

import (
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/protocol"
)

// FromProtocol converts a wire-level error object into an RPCError. Used by
// the request sender to surface peer-reported failures to the caller.
func FromProtocol(perr *protocol.Error) RPCError {
	if perr == nil {
		return nil
	}
	err := New(perr.Code, perr.Message, CategoryRPC, SeverityError)
	if len(perr.Data) > 0 {
		err = err.WithData(perr.Data)
	}
	return err
}

// ToProtocol converts any error into a wire-level error object. RPCErrors
// keep their code/message/data; everything else becomes an internal error.
func ToProtocol(err error) *protocol.Error {
	if err == nil {
		return nil
	}
	if rpcErr, ok := AsRPCError(err); ok {
		return &protocol.Error{
			Code:    rpcErr.Code(),
			Message: rpcErr.Message(),
			Data:    rpcErr.Data(),
		}
	}
	return &protocol.Error{
		Code:    CodeInternalError,
		Message: err.Error(),
	}
}
