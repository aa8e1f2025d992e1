package jsonrpcsession

import (
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/client"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/server"
	"github.com/ajitpratap0/jsonrpc-session-go/pkg/transport"
)

// These exports provide direct access to the core engine components
var (
	// NewClient creates a new session client
	NewClient = client.New

	// NewProtocolManager creates the inbound dispatch engine
	NewProtocolManager = server.NewProtocolManager

	// NewWebSocketServer creates a WebSocket transport adapter
	NewWebSocketServer = transport.NewWebSocketServer

	// NewHTTPServer creates an HTTP long-polling transport adapter
	NewHTTPServer = transport.NewHTTPServer
)
