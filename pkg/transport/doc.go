// Package transport provides the physical channels the session engine runs
// over: a WebSocket adapter for persistent bidirectional connections and an
// HTTP long-polling adapter for clients that cannot hold a socket open.
//
// Adapters own connection identity (the transport id), feed every inbound
// message to the protocol manager, and report drops and I/O errors so the
// manager can start reconnection windows and escalate failures.
package transport
