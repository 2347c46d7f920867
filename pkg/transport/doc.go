// Package transport groups the listeners that feed the dispatcher.
//
// Two transports exist:
//
//   - tcp: 4-byte big-endian length-prefixed JSON-RPC, one sequential
//     request/response loop per connection.
//   - streamable: the MCP streamable HTTP transport, with POST for
//     requests, GET for a server-sent event stream and DELETE to end a
//     session.
//
// Both implement Transport. A Group starts them together and stops them
// in order:
//
//	g := transport.Group{
//	    {Name: "http", Transport: httpTransport},
//	    {Name: "tcp", Transport: tcpServer},
//	}
//	if err := g.Start(ctx); err != nil {
//	    return err // nothing is left listening
//	}
//	defer g.Stop(context.Background())
package transport
