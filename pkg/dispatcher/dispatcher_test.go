package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-host-go/pkg/executor"
	"github.com/ajitpratap0/mcp-host-go/pkg/logging"
	"github.com/ajitpratap0/mcp-host-go/pkg/observability"
	"github.com/ajitpratap0/mcp-host-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-host-go/pkg/registry"
)

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *protocol.Error `json:"error"`
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	exec := executor.New()
	exec.Start()
	t.Cleanup(func() { _ = exec.Stop(context.Background()) })

	reg := registry.New(registry.WithExecutor(exec))
	reg.Refresh([]registry.Record{
		registry.SyncTool("echo", "Echoes text", json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`),
			func(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error) {
				return protocol.TextResult(fmt.Sprintf("Echo: %v", args["text"])), nil
			}),
		registry.SyncTool("fail", "", nil, func(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error) {
			return protocol.CallToolResult{}, errors.New("disk on fire")
		}),
		registry.SyncTool("explode", "", nil, func(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error) {
			panic("unexpected nil host object")
		}),
		registry.SyncTool("soft_fail", "", nil, func(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error) {
			return protocol.ErrorResult("compilation failed"), nil
		}),
		registry.AsyncTool("later", "", nil, registry.AsyncFromFunc(func(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error) {
			return protocol.TextResult("done later"), nil
		})),
		registry.Prompt("greeting", "Greets someone", []protocol.PromptArgument{{Name: "name", Required: true}},
			func(ctx context.Context, args map[string]string) ([]protocol.PromptMessage, error) {
				return []protocol.PromptMessage{{Role: "user", Content: protocol.TextContent("Hello " + args["name"])}}, nil
			}),
		registry.Resource("host://info", "info", "Host info", "application/json", func(ctx context.Context) (protocol.ResourceContents, error) {
			return protocol.ResourceContents{Text: `{"ok":true}`}, nil
		}),
	})
	return reg
}

func dispatch(t *testing.T, d *Dispatcher, raw string) rpcResponse {
	t.Helper()
	out, ok := d.Dispatch(context.Background(), []byte(raw))
	require.True(t, ok, "expected a response for %s", raw)
	var resp rpcResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, "2.0", resp.JSONRPC)
	return resp
}

func TestInitialize(t *testing.T) {
	d := New(testRegistry(t), WithServerInfo("test-host", "1.2.3"), WithInstructions("be nice"))

	resp := dispatch(t, d, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"c","version":"0"}}}`)
	require.Nil(t, resp.Error)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "2024-11-05", result["protocolVersion"])

	caps := result["capabilities"].(map[string]interface{})
	assert.Contains(t, caps, "tools")
	assert.Contains(t, caps, "prompts")
	assert.Contains(t, caps, "resources")

	info := result["serverInfo"].(map[string]interface{})
	assert.Equal(t, "test-host", info["name"])
	assert.Equal(t, "1.2.3", info["version"])
	assert.Equal(t, "be nice", result["instructions"])
}

func TestInitializeDefaultsProtocolVersion(t *testing.T) {
	d := New(testRegistry(t))
	resp := dispatch(t, d, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	var result protocol.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, protocol.ProtocolRevision, result.ProtocolVersion)
}

func TestResponseEchoesID(t *testing.T) {
	d := New(testRegistry(t))
	for _, id := range []string{`1`, `"abc"`, `9007199254740993`, `-4`, `"x-1"`} {
		t.Run(id, func(t *testing.T) {
			resp := dispatch(t, d, `{"jsonrpc":"2.0","id":`+id+`,"method":"ping"}`)
			assert.JSONEq(t, id, string(resp.ID))
			assert.JSONEq(t, `{}`, string(resp.Result))
		})
	}
}

func TestNotificationsProduceNoResponse(t *testing.T) {
	d := New(testRegistry(t))
	for _, raw := range []string{
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","method":"initialized"}`,
		`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":3,"reason":"user"}}`,
		`{"jsonrpc":"2.0","method":"no/such/notification"}`,
		`{"jsonrpc":"2.0","method":"ping","id":null}`,
		`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"fail"}}`,
	} {
		out, ok := d.Dispatch(context.Background(), []byte(raw))
		assert.False(t, ok, raw)
		assert.Nil(t, out, raw)
	}
}

func TestProtocolErrors(t *testing.T) {
	d := New(testRegistry(t))

	tests := []struct {
		name   string
		raw    string
		code   protocol.ErrorCode
		wantID string
	}{
		{"invalid json", `{"jsonrpc":"2.0","id":1,`, protocol.ParseError, `null`},
		{"array", `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, protocol.ParseError, `null`},
		{"scalar", `42`, protocol.ParseError, `null`},
		{"missing method", `{"jsonrpc":"2.0","id":7}`, protocol.InvalidRequest, `7`},
		{"empty method", `{"jsonrpc":"2.0","id":7,"method":""}`, protocol.InvalidRequest, `7`},
		{"numeric method", `{"jsonrpc":"2.0","id":"x","method":12}`, protocol.InvalidRequest, `"x"`},
		{"unknown method", `{"jsonrpc":"2.0","id":8,"method":"tools/destroy"}`, protocol.MethodNotFound, `8`},
		{"bad params", `{"jsonrpc":"2.0","id":9,"method":"tools/call","params":[1,2]}`, protocol.InvalidParams, `9`},
		{"missing tool name", `{"jsonrpc":"2.0","id":10,"method":"tools/call","params":{}}`, protocol.InvalidParams, `10`},
		{"missing uri", `{"jsonrpc":"2.0","id":11,"method":"resources/read","params":{}}`, protocol.InvalidParams, `11`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := dispatch(t, d, tt.raw)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.JSONEq(t, tt.wantID, string(resp.ID))
			assert.Nil(t, resp.Result)
		})
	}
}

func TestMethodNotFoundMessage(t *testing.T) {
	d := New(testRegistry(t))
	resp := dispatch(t, d, `{"jsonrpc":"2.0","id":1,"method":"sampling/createMessage"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "Method not found: sampling/createMessage", resp.Error.Message)
}

func TestCallTool(t *testing.T) {
	d := New(testRegistry(t))

	resp := dispatch(t, d, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`)
	require.Nil(t, resp.Error)

	var result protocol.CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	assert.Contains(t, result.Content[0].Text, "Echo: hi")
	assert.Contains(t, string(resp.Result), `"isError":false`)
}

func TestCallAsyncTool(t *testing.T) {
	d := New(testRegistry(t))
	resp := dispatch(t, d, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"later"}}`)
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "done later")
}

func TestCallMissingTool(t *testing.T) {
	d := New(testRegistry(t))
	resp := dispatch(t, d, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"missing_tool","arguments":{}}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InvalidParams, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "not found")
	assert.Contains(t, resp.Error.Message, "missing_tool")
}

func TestCapabilityFailures(t *testing.T) {
	d := New(testRegistry(t))

	resp := dispatch(t, d, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"fail"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InternalError, resp.Error.Code)
	assert.Equal(t, "disk on fire", resp.Error.Message)

	resp = dispatch(t, d, `{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"explode"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InternalError, resp.Error.Code)
	assert.Equal(t, "unexpected nil host object", resp.Error.Message)

	// the dispatcher keeps serving after a panic
	resp = dispatch(t, d, `{"jsonrpc":"2.0","id":7,"method":"ping"}`)
	assert.Nil(t, resp.Error)
}

func TestToolReportedErrorPassesThrough(t *testing.T) {
	d := New(testRegistry(t))
	resp := dispatch(t, d, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"soft_fail"}}`)
	require.Nil(t, resp.Error)

	var result protocol.CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.True(t, result.IsError)
	assert.Equal(t, "compilation failed", result.Content[0].Text)
}

func TestListMethods(t *testing.T) {
	d := New(testRegistry(t))

	var tools protocol.ListToolsResult
	resp := dispatch(t, d, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.NoError(t, json.Unmarshal(resp.Result, &tools))
	require.Len(t, tools.Tools, 5)
	assert.Equal(t, "echo", tools.Tools[0].Name)
	assert.JSONEq(t, `{"type":"object"}`, string(tools.Tools[1].InputSchema))
	assert.Empty(t, tools.NextCursor)

	var prompts protocol.ListPromptsResult
	resp = dispatch(t, d, `{"jsonrpc":"2.0","id":2,"method":"prompts/list","params":{}}`)
	require.NoError(t, json.Unmarshal(resp.Result, &prompts))
	require.Len(t, prompts.Prompts, 1)
	assert.Equal(t, "name", prompts.Prompts[0].Arguments[0].Name)

	var resources protocol.ListResourcesResult
	resp = dispatch(t, d, `{"jsonrpc":"2.0","id":3,"method":"resources/list"}`)
	require.NoError(t, json.Unmarshal(resp.Result, &resources))
	require.Len(t, resources.Resources, 1)
	assert.Equal(t, "host://info", resources.Resources[0].URI)

	resp = dispatch(t, d, `{"jsonrpc":"2.0","id":4,"method":"resources/templates/list"}`)
	assert.JSONEq(t, `{"resourceTemplates":[]}`, string(resp.Result))
}

func TestEmptyRegistryListsAreArrays(t *testing.T) {
	d := New(registry.New())
	resp := dispatch(t, d, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	assert.JSONEq(t, `{"tools":[]}`, string(resp.Result))
}

func TestPagination(t *testing.T) {
	d := New(testRegistry(t), WithPageSize(2))

	var names []string
	cursor := ""
	for i := 0; i < 5; i++ {
		params := `{}`
		if cursor != "" {
			params = fmt.Sprintf(`{"cursor":%q}`, cursor)
		}
		resp := dispatch(t, d, `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":`+params+`}`)
		require.Nil(t, resp.Error)

		var page protocol.ListToolsResult
		require.NoError(t, json.Unmarshal(resp.Result, &page))
		for _, tool := range page.Tools {
			names = append(names, tool.Name)
		}
		cursor = page.NextCursor
		if cursor == "" {
			break
		}
	}
	assert.Equal(t, []string{"echo", "fail", "explode", "soft_fail", "later"}, names)

	resp := dispatch(t, d, `{"jsonrpc":"2.0","id":2,"method":"tools/list","params":{"cursor":"bogus"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InvalidParams, resp.Error.Code)
}

func TestGetPrompt(t *testing.T) {
	d := New(testRegistry(t))

	resp := dispatch(t, d, `{"jsonrpc":"2.0","id":1,"method":"prompts/get","params":{"name":"greeting","arguments":{"name":"Ada"}}}`)
	require.Nil(t, resp.Error)
	var result protocol.GetPromptResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "Greets someone", result.Description)
	assert.Equal(t, "Hello Ada", result.Messages[0].Content.Text)

	resp = dispatch(t, d, `{"jsonrpc":"2.0","id":2,"method":"prompts/get","params":{"name":"nope"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InvalidParams, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "not found")
}

func TestReadResource(t *testing.T) {
	d := New(testRegistry(t))

	resp := dispatch(t, d, `{"jsonrpc":"2.0","id":1,"method":"resources/read","params":{"uri":"host://info"}}`)
	require.Nil(t, resp.Error)
	var result protocol.ReadResourceResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Contents, 1)
	assert.Equal(t, "host://info", result.Contents[0].URI)
	assert.Equal(t, "application/json", result.Contents[0].MIMEType)

	resp = dispatch(t, d, `{"jsonrpc":"2.0","id":2,"method":"resources/read","params":{"uri":"host://nothing"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ResourceNotFound, resp.Error.Code)
	assert.NotEqual(t, protocol.InvalidParams, resp.Error.Code)
	assert.JSONEq(t, `{"uri":"host://nothing"}`, mustJSON(t, resp.Error.Data))
}

func TestSetLogLevel(t *testing.T) {
	var got logging.Level
	d := New(testRegistry(t), WithLevelSetter(func(l logging.Level) { got = l }))

	resp := dispatch(t, d, `{"jsonrpc":"2.0","id":1,"method":"logging/setLevel","params":{"level":"warning"}}`)
	require.Nil(t, resp.Error)
	assert.Equal(t, logging.WarnLevel, got)

	resp = dispatch(t, d, `{"jsonrpc":"2.0","id":2,"method":"logging/setLevel","params":{"level":"shouty"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InvalidParams, resp.Error.Code)

	resp = dispatch(t, d, `{"jsonrpc":"2.0","id":3,"method":"logging/setLevel","params":{}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InvalidParams, resp.Error.Code)
}

func TestDispatchRecordsMetrics(t *testing.T) {
	m, err := observability.NewMetrics(observability.MetricsConfig{})
	require.NoError(t, err)
	tp, err := observability.NewTracingProvider(observability.TracingConfig{})
	require.NoError(t, err)

	d := New(testRegistry(t), WithMetrics(m), WithTracing(tp))
	ctx := ContextWithTransport(context.Background(), TransportTCP)
	_, ok := d.Dispatch(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"text":"x"}}}`))
	require.True(t, ok)
	_, ok = d.Dispatch(ctx, []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.False(t, ok)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	assert.True(t, found["mcphost_dispatch_messages_total"])
	assert.True(t, found["mcphost_capability_duration_seconds"])
}

func TestTransportContext(t *testing.T) {
	assert.Equal(t, "", TransportFromContext(context.Background()))
	assert.Equal(t, TransportHTTP, TransportFromContext(ContextWithTransport(context.Background(), TransportHTTP)))
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
