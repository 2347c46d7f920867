// Package server assembles an MCP host: a capability registry, the serial
// executor that runs capability code, the JSON-RPC dispatcher, the session
// manager and the TCP and streamable HTTP transports.
//
// # Creating a Server
//
// Capabilities are supplied as an explicit list of records:
//
//	srv := server.New(
//	    server.WithName("my-host"),
//	    server.WithVersion("1.0.0"),
//	    server.WithTCP(tcp.Config{Port: 21088}),
//	    server.WithHTTP(streamable.Config{Port: 21089}),
//	    server.WithCapabilities(
//	        registry.SyncTool("echo", "Echoes text", nil,
//	            func(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error) {
//	                return protocol.TextResult(fmt.Sprintf("Echo: %v", args["text"])), nil
//	            }),
//	    ),
//	)
//	if err := srv.Start(ctx); err != nil {
//	    // a port is in use or cannot be bound; nothing is left running
//	}
//	defer srv.Stop(context.Background())
//
// # Lifecycle
//
// Start binds every configured transport and fails without side effects if
// any of them cannot be bound. Stop terminates HTTP sessions, closes TCP
// connections and waits for in-flight calls within the given context.
// Restart is Stop, a settle delay, then Start.
//
// Hosts that unload and reload capability code call BeforeReload before
// unloading and AfterReload with the fresh capability list afterwards.
package server
