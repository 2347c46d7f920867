package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-host-go/pkg/config"
	mcperrors "github.com/ajitpratap0/mcp-host-go/pkg/errors"
	"github.com/ajitpratap0/mcp-host-go/pkg/observability"
	"github.com/ajitpratap0/mcp-host-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-host-go/pkg/registry"
	"github.com/ajitpratap0/mcp-host-go/pkg/transport/streamable"
	"github.com/ajitpratap0/mcp-host-go/pkg/transport/tcp"
	"github.com/ajitpratap0/mcp-host-go/pkg/utils"
)

func echoTool() registry.Record {
	return registry.SyncTool("echo", "Echoes text", nil,
		func(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error) {
			return protocol.TextResult(fmt.Sprintf("Echo: %v", args["text"])), nil
		})
}

func infoResource() registry.Record {
	return registry.Resource("host://info", "info", "Host information", "text/plain",
		func(ctx context.Context) (protocol.ResourceContents, error) {
			return protocol.ResourceContents{URI: "host://info", MIMEType: "text/plain", Text: "ok"}, nil
		})
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	base := []Option{
		WithName("test-host"),
		WithVersion("1.2.3"),
		WithTCP(tcp.Config{}),
		WithHTTP(streamable.Config{}),
		WithCapabilities(echoTool(), infoResource()),
	}
	s := New(append(base, opts...)...)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func start(t *testing.T, s *Server) {
	t.Helper()
	require.NoError(t, s.Start(context.Background()))
}

func tcpCall(t *testing.T, s *Server, msg string) map[string]interface{} {
	t.Helper()
	conn, err := net.Dial("tcp", s.TCPAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, tcp.WriteFrame(conn, []byte(msg)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	frame, err := tcp.ReadFrame(conn)
	require.NoError(t, err)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(frame, &resp))
	return resp
}

func httpPost(t *testing.T, s *Server, sessionID, msg string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://"+s.HTTPAddr().String()+"/mcp/", strings.NewReader(msg))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(streamable.HeaderSessionID, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]interface{}
	if len(body) > 0 && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.Unmarshal(body, &out))
	}
	return resp, out
}

func TestInitializeOverTCP(t *testing.T) {
	s := newTestServer(t)
	start(t, s)

	resp := tcpCall(t, s, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"c","version":"1"}}}`)
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, "2024-11-05", result["protocolVersion"])

	caps := result["capabilities"].(map[string]interface{})
	for _, c := range []string{"tools", "prompts", "resources"} {
		assert.Contains(t, caps, c)
	}
	info := result["serverInfo"].(map[string]interface{})
	assert.Equal(t, "test-host", info["name"])
	assert.Equal(t, "1.2.3", info["version"])
}

func TestToolCallOverBothTransports(t *testing.T) {
	s := newTestServer(t)
	start(t, s)
	call := `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`

	resp := tcpCall(t, s, call)
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, false, result["isError"])
	assert.Equal(t, "Echo: hi", result["content"].([]interface{})[0].(map[string]interface{})["text"])

	init, _ := httpPost(t, s, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	sid := init.Header.Get(streamable.HeaderSessionID)
	require.NotEmpty(t, sid)

	httpResp, body := httpPost(t, s, sid, call)
	require.Equal(t, http.StatusOK, httpResp.StatusCode)
	result = body["result"].(map[string]interface{})
	assert.Equal(t, "Echo: hi", result["content"].([]interface{})[0].(map[string]interface{})["text"])
}

func TestMissingToolIsInvalidParams(t *testing.T) {
	s := newTestServer(t)
	start(t, s)

	resp := tcpCall(t, s, `{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"missing_tool"}}`)
	rpcErr := resp["error"].(map[string]interface{})
	assert.Equal(t, float64(protocol.InvalidParams), rpcErr["code"])
	assert.Contains(t, rpcErr["message"], "not found")
	assert.Equal(t, float64(9), resp["id"])
}

func TestLifecycleStates(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, StateStopped, s.State())
	assert.NoError(t, s.Stop(context.Background()), "stopping a stopped server is a no-op")

	start(t, s)
	assert.Equal(t, StateRunning, s.State())
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)
	assert.NotNil(t, s.TCPAddr())
	assert.NotNil(t, s.HTTPAddr())

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StateStopped, s.State())
	assert.Nil(t, s.TCPAddr())
	assert.Nil(t, s.HTTPAddr())
	assert.Equal(t, "stopped", s.State().String())
}

func TestStartFailureLeavesNothingRunning(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	s := newTestServer(t, WithHTTP(streamable.Config{Port: port}))

	err = s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, mcperrors.IsCategory(err, mcperrors.CategoryTransport))
	assert.Contains(t, err.Error(), "http transport start failed")

	assert.Equal(t, StateStopped, s.State())
	assert.Nil(t, s.TCPAddr(), "the transport that did bind is released")
	assert.Nil(t, s.HTTPAddr())
}

func TestRestart(t *testing.T) {
	s := newTestServer(t)

	detector := utils.NewGoroutineLeakDetector(t)
	detector.Start()
	defer detector.Check()

	start(t, s)
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Restart(context.Background()))
		assert.Equal(t, StateRunning, s.State())
		assert.Equal(t, uint64(i), s.Restarts())

		resp := tcpCall(t, s, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		assert.Equal(t, map[string]interface{}{}, resp["result"])
	}
	require.NoError(t, s.Stop(context.Background()))
	http.DefaultClient.CloseIdleConnections()
}

func TestRestartWaitsForDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(WithTCP(tcp.Config{}), WithClock(clock), WithRestartDelay(time.Second))
	start(t, s)
	defer s.Stop(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Restart(context.Background()) }()

	require.True(t, utils.WaitForWaiters(clock, 1, 5*time.Second))
	assert.Equal(t, StateStopped, s.State())

	clock.Advance(time.Second)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("restart did not finish")
	}
	assert.Equal(t, StateRunning, s.State())
}

func TestRestartCancelledDuringDelay(t *testing.T) {
	s := New(WithTCP(tcp.Config{}), WithRestartDelay(time.Hour))
	start(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Restart(ctx), context.DeadlineExceeded)
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, uint64(0), s.Restarts())
}

func TestReloadHooks(t *testing.T) {
	s := newTestServer(t)
	start(t, s)

	require.NoError(t, s.BeforeReload(context.Background()))
	assert.Equal(t, StateStopped, s.State())
	assert.Nil(t, s.TCPAddr())

	reloaded := registry.SyncTool("reloaded", "Added by the reload", nil,
		func(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error) {
			return protocol.TextResult("fresh"), nil
		})
	require.NoError(t, s.AfterReload(context.Background(), []registry.Record{reloaded}))
	assert.Equal(t, StateRunning, s.State())

	resp := tcpCall(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	tools := resp["result"].(map[string]interface{})["tools"].([]interface{})
	require.Len(t, tools, 1)
	assert.Equal(t, "reloaded", tools[0].(map[string]interface{})["name"])

	resp = tcpCall(t, s, `{"jsonrpc":"2.0","id":2,"method":"resources/read","params":{"uri":"host://info"}}`)
	assert.Equal(t, float64(protocol.ResourceNotFound), resp["error"].(map[string]interface{})["code"])
}

func TestDuplicateCapabilitiesKeepFirst(t *testing.T) {
	second := registry.SyncTool("echo", "Impostor", nil,
		func(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error) {
			return protocol.TextResult("wrong"), nil
		})
	s := newTestServer(t, WithCapabilities(second))
	start(t, s)

	assert.Equal(t, 1, s.Registry().Count(registry.KindSyncTool))
	resp := tcpCall(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"text":"x"}}}`)
	text := resp["result"].(map[string]interface{})["content"].([]interface{})[0].(map[string]interface{})["text"]
	assert.Equal(t, "Echo: x", text)
}

func TestStopTerminatesSessions(t *testing.T) {
	s := newTestServer(t)
	start(t, s)

	for i := 0; i < 3; i++ {
		resp, _ := httpPost(t, s, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.Equal(t, 3, s.Sessions().Count())

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, 0, s.Sessions().Count())
}

func TestCapabilityCallsNeverOverlap(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	slow := registry.SyncTool("slow", "Sleeps briefly", nil,
		func(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			return protocol.TextResult("done"), nil
		})
	s := newTestServer(t, WithCapabilities(slow))
	start(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := tcpCall(t, s, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":"slow"}}`, i))
			assert.Contains(t, resp, "result")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestGauges(t *testing.T) {
	metrics, err := observability.NewMetrics(observability.MetricsConfig{})
	require.NoError(t, err)
	slow := registry.AsyncTool("slow", "Answers later", nil, registry.AsyncFromFunc(
		func(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error) {
			return protocol.TextResult("later"), nil
		}))
	s := newTestServer(t, WithMetrics(metrics), WithCapabilities(slow))
	start(t, s)
	require.NoError(t, s.Restart(context.Background()))

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, f := range families {
		if len(f.GetMetric()) == 1 && f.GetMetric()[0].GetGauge() != nil {
			values[f.GetName()] = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, float64(2), values["mcphost_registry_tools"], "one sync and one async tool")
	assert.Equal(t, float64(1), values["mcphost_registry_resources"])
	assert.Equal(t, float64(0), values["mcphost_registry_prompts"])
	assert.Equal(t, float64(1), values["mcphost_server_restarts"])
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.TCP.Port, cfg.HTTP.Port = 0, 0
	cfg.HTTP.Enabled = false
	cfg.Server.Name = "configured"

	s := New(FromConfig(cfg)...)
	assert.NotNil(t, s.tcp)
	assert.Nil(t, s.http)
	assert.Nil(t, s.HTTPHandler())
	assert.Equal(t, "configured", s.name)
	assert.Equal(t, cfg.Server.RestartDelay, s.restartDelay)

	cfg.HTTP.Enabled = true
	s = New(FromConfig(cfg)...)
	assert.NotNil(t, s.HTTPHandler())
}
