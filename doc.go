// Package mcphost embeds a Model Context Protocol host in a Go program.
//
// The host publishes tools, prompts and resources registered by the
// embedding application to MCP clients over two transports: a TCP
// transport carrying 4-byte length-prefixed JSON-RPC messages, and the
// streamable HTTP transport (POST, GET with server-sent events, DELETE)
// mounted at /mcp/. Clients that only speak stdio reach the TCP transport
// through the bridge (`mcphost bridge`).
//
// Capability functions never run concurrently with each other: every call
// is handed to a single executor goroutine, so application code written
// for a single thread can be published unchanged. Asynchronous tools
// return a channel and do their work elsewhere, leaving the executor free.
//
// # Overview
//
//   - pkg/server: lifecycle (Start, Stop, Restart, reload hooks)
//   - pkg/registry: capability records and lookup
//   - pkg/dispatcher: JSON-RPC routing and error envelopes
//   - pkg/session: HTTP session store with idle expiry
//   - pkg/sse: server-sent event framing
//   - pkg/transport/tcp, pkg/transport/streamable: the transports
//   - pkg/bridge: stdio to TCP forwarding with reconnects
//   - pkg/config: defaults, config files, MCPHOST_* environment
//
// # Embedding the Host
//
//	s := mcphost.NewServer(
//	    mcphost.WithName("my-app"),
//	    mcphost.WithTCP(tcp.Config{Port: 21088}),
//	    mcphost.WithHTTP(streamable.Config{Port: 21089}),
//	    mcphost.WithCapabilities(
//	        mcphost.SyncTool("echo", "Echoes text", nil,
//	            func(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error) {
//	                return mcphost.TextResult(fmt.Sprint("Echo: ", args["text"])), nil
//	            }),
//	    ),
//	)
//	if err := s.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Stop(context.Background())
//
// # Reloading Capabilities
//
// When the application replaces its capability code it brackets the swap
// with the reload hooks. Sessions do not survive a reload.
//
//	_ = s.BeforeReload(ctx)
//	// ... unload and load application code ...
//	err := s.AfterReload(ctx, newRecords)
package mcphost
