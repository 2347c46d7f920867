package mcphost

import (
	"github.com/ajitpratap0/mcp-host-go/pkg/bridge"
	"github.com/ajitpratap0/mcp-host-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-host-go/pkg/registry"
	"github.com/ajitpratap0/mcp-host-go/pkg/server"
)

// Version represents the current version of the host library
const Version = "0.1.0"

// ProtocolRevision is the MCP revision the host speaks
const ProtocolRevision = protocol.ProtocolRevision

// These exports provide direct access to the core components
var (
	// NewServer creates a new MCP host server
	NewServer = server.New

	// NewBridge creates a stdio to TCP bridge
	NewBridge = bridge.New
)

// Server options
var (
	WithName          = server.WithName
	WithVersion       = server.WithVersion
	WithInstructions  = server.WithInstructions
	WithCapabilities  = server.WithCapabilities
	WithTCP           = server.WithTCP
	WithHTTP          = server.WithHTTP
	WithListPageSize  = server.WithListPageSize
	WithRestartDelay  = server.WithRestartDelay
	WithLogger        = server.WithLogger
	WithMetrics       = server.WithMetrics
	WithTracing       = server.WithTracing
	FromConfig        = server.FromConfig
	ErrAlreadyRunning = server.ErrAlreadyRunning
)

// Capability records
var (
	SyncTool      = registry.SyncTool
	AsyncTool     = registry.AsyncTool
	AsyncFromFunc = registry.AsyncFromFunc
	Prompt        = registry.Prompt
	Resource      = registry.Resource
)

// TextResult and ErrorResult build single-text tool results
var (
	TextResult  = protocol.TextResult
	ErrorResult = protocol.ErrorResult
)
