// Package jsonrpcsession implements a transport-agnostic JSON-RPC 2.0
// session engine: stable session identity across reconnections, transport
// rebinding, exactly-once response delivery and heartbeat-based liveness.
//
// # Overview
//
// The engine consists of several sub-packages:
//
//   - pkg/protocol: the JSON-RPC 2.0 message types and the reserved control
//     methods (connect, ping, close, poll)
//   - pkg/session: per-peer session state, the outbound request sender and
//     the per-request Transaction response obligation
//   - pkg/server: the protocol manager dispatching inbound messages, the
//     ping watchdog and the disposal scheduler
//   - pkg/transport: WebSocket and HTTP long-polling adapters
//   - pkg/client: the client role with handshake, heartbeat and
//     reconnection
//   - pkg/observability: Prometheus metrics and OpenTelemetry tracing
//
// # Server
//
// A server implements server.Handler for its application methods and mounts
// a transport adapter:
//
//	handler := &EchoHandler{}
//	manager := server.NewProtocolManager(handler, server.DefaultConfig())
//	http.Handle("/jsonrpc", transport.NewWebSocketServer(manager, nil))
//
// The manager consumes the control protocol itself. Application requests
// arrive at the handler with a Transaction; the handler decides when and
// how each one completes.
//
// # Client
//
//	c, _ := client.New(client.DefaultConfig("ws://localhost:8080/jsonrpc"), nil)
//	if err := c.Connect(ctx); err != nil { ... }
//	result, err := c.Session().SendRequest(ctx, "echo", params)
//
// The client pings on a declared interval and reconnects with its retained
// session id after a drop; server-side state survives as long as the
// reconnection happens inside the session's grace window.
package jsonrpcsession

// Version is the current release of the engine.
const Version = "1.0.0"
