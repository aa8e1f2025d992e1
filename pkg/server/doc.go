// Package server implements the server role of the session engine: the
// protocol manager that classifies and dispatches inbound messages
// (connect/ping/close/poll/application methods), the ping watchdog that
// detects dead transports, and the scheduler driving timed disposals.
//
// Transport adapters feed raw messages into ProtocolManager.ProcessMessage
// together with a session factory, a response sender and the transport id of
// the channel the message arrived on. The manager resolves or creates the
// session, handles control methods itself, and forwards everything else to
// the application Handler through a Transaction.
package server
