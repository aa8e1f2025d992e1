package protocol

import (
	"encoding/json"
	"fmt"
)

// Request represents a JSON-RPC 2.0 request. A nil ID marks a notification:
// the peer expects no response and none may be sent.
type Request struct {
	JSONRPC   string          `json:"jsonrpc"`
	ID        *int64          `json:"id,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// NewRequest creates a new JSON-RPC 2.0 request. Pass a nil id to create a
// notification.
func NewRequest(id *int64, method string, params interface{}) (*Request, error) {
	paramsJSON, err := marshalField(params, "params")
	if err != nil {
		return nil, err
	}

	return &Request{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  paramsJSON,
	}, nil
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// String renders the request for logs.
func (r *Request) String() string {
	if r.ID == nil {
		return fmt.Sprintf("Request[method=%s notification]", r.Method)
	}
	return fmt.Sprintf("Request[method=%s id=%d]", r.Method, *r.ID)
}

// Response represents a JSON-RPC 2.0 response. Its ID pairs it with exactly
// one still-unanswered request on the same logical session.
type Response struct {
	JSONRPC   string          `json:"jsonrpc"`
	ID        *int64          `json:"id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// NewResponse creates a new JSON-RPC 2.0 success response.
func NewResponse(id *int64, result interface{}) (*Response, error) {
	resultJSON, err := marshalField(result, "result")
	if err != nil {
		return nil, err
	}

	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resultJSON,
	}, nil
}

// NewErrorResponse creates a new JSON-RPC 2.0 error response.
func NewErrorResponse(id *int64, code int, message string, data interface{}) (*Response, error) {
	dataJSON, err := marshalField(data, "error data")
	if err != nil {
		return nil, err
	}

	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    dataJSON,
		},
	}, nil
}

// NewPongResponse creates the fixed pong reply for a ping request,
// preserving the session id.
func NewPongResponse(id *int64, sessionID string) *Response {
	payload, _ := json.Marshal(map[string]string{PongPayloadField: PongValue})
	return &Response{
		JSONRPC:   JSONRPCVersion,
		ID:        id,
		Result:    payload,
		SessionID: sessionID,
	}
}

// IsError reports whether the response carries an error object.
func (r *Response) IsError() bool {
	return r.Error != nil
}

// String renders the response for logs.
func (r *Response) String() string {
	id := "none"
	if r.ID != nil {
		id = fmt.Sprintf("%d", *r.ID)
	}
	if r.Error != nil {
		return fmt.Sprintf("Response[id=%s error=%d %q]", id, r.Error.Code, r.Error.Message)
	}
	return fmt.Sprintf("Response[id=%s]", id)
}

// Error represents a JSON-RPC 2.0 error object. Message is never empty on a
// well-formed error.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) String() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("%s. Code: %d. Data: %s", e.Message, e.Code, string(e.Data))
	}
	return fmt.Sprintf("%s. Code: %d", e.Message, e.Code)
}

// ID boxes an id value for the pointer-typed message fields.
func ID(v int64) *int64 {
	return &v
}

// IsRequest checks if a raw JSON message is a request or notification, i.e.
// carries a method field.
func IsRequest(data []byte) bool {
	var msg struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return false
	}
	return msg.Method != ""
}

// ParseRequest decodes a raw request message.
func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("request has no method")
	}
	return &req, nil
}

// ParseResponse decodes a raw response message.
func ParseResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	return &resp, nil
}

func marshalField(v interface{}, what string) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", what, err)
	}
	return out, nil
}
