package tcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-host-go/pkg/dispatcher"
	"github.com/ajitpratap0/mcp-host-go/pkg/executor"
	"github.com/ajitpratap0/mcp-host-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-host-go/pkg/registry"
	"github.com/ajitpratap0/mcp-host-go/pkg/utils"
)

func newDispatcher(t *testing.T) *dispatcher.Dispatcher {
	t.Helper()
	exec := executor.New()
	exec.Start()
	t.Cleanup(func() { _ = exec.Stop(context.Background()) })

	reg := registry.New(registry.WithExecutor(exec))
	reg.Register(registry.SyncTool("echo", "Echoes text", nil,
		func(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error) {
			if dispatcher.TransportFromContext(ctx) != dispatcher.TransportTCP {
				return protocol.CallToolResult{}, errors.New("transport not set")
			}
			return protocol.TextResult(fmt.Sprintf("Echo: %v", args["text"])), nil
		}))
	reg.Register(registry.SyncTool("huge", "Returns more than one frame can carry", nil,
		func(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error) {
			return protocol.TextResult(strings.Repeat("x", MaxFrameSize+1)), nil
		}))
	return dispatcher.New(reg)
}

func startServer(t *testing.T, config Config) *Server {
	t.Helper()
	s := NewServer(config, newDispatcher(t))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, msg string) map[string]interface{} {
	t.Helper()
	require.NoError(t, WriteFrame(conn, []byte(msg)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	frame, err := ReadFrame(conn)
	require.NoError(t, err)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(frame, &resp))
	return resp
}

func TestServeRequests(t *testing.T) {
	s := startServer(t, Config{})
	conn := dial(t, s)

	resp := roundTrip(t, conn, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, float64(1), resp["id"])
	assert.Equal(t, map[string]interface{}{}, resp["result"])

	resp = roundTrip(t, conn, `{"jsonrpc":"2.0","id":"two","method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`)
	assert.Equal(t, "two", resp["id"])
	result := resp["result"].(map[string]interface{})
	content := result["content"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "Echo: hi", content["text"])
}

func TestSyntaxErrorsKeepConnectionOpen(t *testing.T) {
	s := startServer(t, Config{})
	conn := dial(t, s)

	resp := roundTrip(t, conn, `{not json`)
	assert.Equal(t, float64(protocol.ParseError), resp["error"].(map[string]interface{})["code"])

	resp = roundTrip(t, conn, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	assert.Equal(t, float64(2), resp["id"])
}

func TestNotificationGetsNoResponse(t *testing.T) {
	s := startServer(t, Config{})
	conn := dial(t, s)

	require.NoError(t, WriteFrame(conn, []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))
	// The first frame back belongs to the ping, not the notification.
	resp := roundTrip(t, conn, `{"jsonrpc":"2.0","id":7,"method":"ping"}`)
	assert.Equal(t, float64(7), resp["id"])
}

func TestOversizedResponseBecomesError(t *testing.T) {
	s := startServer(t, Config{})
	conn := dial(t, s)

	resp := roundTrip(t, conn, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"huge"}}`)
	assert.Equal(t, float64(7), resp["id"])
	assert.NotContains(t, resp, "result")
	rpcErr := resp["error"].(map[string]interface{})
	assert.Equal(t, float64(protocol.InternalError), rpcErr["code"])
	assert.Contains(t, rpcErr["message"], "exceeds the 10485760 byte frame limit")

	resp = roundTrip(t, conn, `{"jsonrpc":"2.0","id":8,"method":"ping"}`)
	assert.Equal(t, float64(8), resp["id"])
}

func assertClosedWithoutResponse(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestZeroLengthFrameClosesConnection(t *testing.T) {
	s := startServer(t, Config{})
	conn := dial(t, s)

	_, err := conn.Write(header(0))
	require.NoError(t, err)
	assertClosedWithoutResponse(t, conn)
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	s := startServer(t, Config{})
	conn := dial(t, s)

	_, err := conn.Write(header(MaxFrameSize + 1))
	require.NoError(t, err)
	assertClosedWithoutResponse(t, conn)

	// Other clients are unaffected.
	other := dial(t, s)
	resp := roundTrip(t, other, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, float64(1), resp["id"])
}

func TestReadTimeoutClosesIdleConnection(t *testing.T) {
	s := startServer(t, Config{ReadTimeout: 50 * time.Millisecond})
	conn := dial(t, s)
	assertClosedWithoutResponse(t, conn)
}

func TestJSONRPCClientOverCodec(t *testing.T) {
	s := startServer(t, Config{Backlog: 16})
	netConn := dial(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(netConn, LengthPrefixCodec{}),
		jsonrpc2.HandlerWithError(func(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) (interface{}, error) {
			return nil, nil
		}))
	defer client.Close()

	var result protocol.CallToolResult
	err := client.Call(ctx, protocol.MethodCallTool, map[string]interface{}{
		"name":      "echo",
		"arguments": map[string]interface{}{"text": "over jsonrpc2"},
	}, &result)
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "Echo: over jsonrpc2", result.Content[0].Text)

	err = client.Call(ctx, "nope", nil, nil)
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(protocol.MethodNotFound), rpcErr.Code)
}

func TestStartErrors(t *testing.T) {
	s := startServer(t, Config{})
	assert.ErrorIs(t, s.Start(context.Background()), ErrServerRunning)

	port := s.Addr().(*net.TCPAddr).Port
	other := NewServer(Config{Port: port}, newDispatcher(t))
	err := other.Start(context.Background())
	require.Error(t, err)
	assert.False(t, other.Running())
	assert.Nil(t, other.Addr())
}

func TestStopClosesConnectionsAndRestarts(t *testing.T) {
	s := NewServer(Config{}, newDispatcher(t))

	detector := utils.NewGoroutineLeakDetector(t)
	detector.Start()
	defer detector.Check()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Start(context.Background()))
		conn, err := net.Dial("tcp", s.Addr().String())
		require.NoError(t, err)
		resp := roundTrip(t, conn, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		assert.Equal(t, float64(1), resp["id"])

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, s.Stop(ctx))
		cancel()

		assertClosedWithoutResponse(t, conn)
		_ = conn.Close()
		assert.False(t, s.Running())
	}
	assert.NoError(t, s.Stop(context.Background()), "stopping a stopped server is a no-op")
}
