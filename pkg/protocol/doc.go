// Package protocol defines the JSON-RPC 2.0 message model used by the session
// engine: requests, responses and error objects, plus the reserved method
// names and result payloads of the session control protocol
// (connect/ping/close/poll).
//
// Messages carry an optional top-level sessionId field that binds them to a
// logical session across transport reconnections. Request and response ids
// are numeric; a request without an id is a notification and must never be
// answered.
package protocol
