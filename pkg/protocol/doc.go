// Package protocol defines the wire types of the Model Context Protocol as
// served by this host.
//
// The package is organized into several files:
//
//   - jsonrpc.go: JSON-RPC 2.0 envelopes, error codes and raw-message helpers
//   - mcp.go: method names, header names and lifecycle messages
//   - tools.go, prompts.go, resources.go: capability descriptors and results
//
// # Request ids
//
// Request and response ids are carried as json.RawMessage. A response
// always echoes the id text of its request exactly, so numeric ids keep
// their formatting and string ids their escaping. A request without an id
// is a notification and never receives a response.
//
// # Message Flow
//
//  1. Client sends an initialize request
//  2. Server responds with capabilities and server info
//  3. Client sends an initialized notification
//  4. Client lists and invokes tools, prompts and resources
package protocol
