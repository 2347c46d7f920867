package errors

import (
	"encoding/json"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-host-go/pkg/protocol"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name        string
		err         MCPError
		wantCode    int
		wantCat     Category
		wantMessage string
	}{
		{"parse", ParseError(io.ErrUnexpectedEOF), CodeParseError, CategoryProtocol, "Parse error"},
		{"invalid request", InvalidRequest("method must be a non-empty string"), CodeInvalidRequest, CategoryProtocol, "Invalid Request: method must be a non-empty string"},
		{"method not found", MethodNotFound("nope"), CodeMethodNotFound, CategoryProtocol, "Method not found: nope"},
		{"missing parameter", MissingParameter("name"), CodeInvalidParams, CategoryValidation, "Missing required parameter: name"},
		{"tool not found", ToolNotFound("missing_tool"), CodeInvalidParams, CategoryNotFound, "Tool 'missing_tool' not found"},
		{"prompt not found", PromptNotFound("p"), CodeInvalidParams, CategoryNotFound, "Prompt 'p' not found"},
		{"resource not found", ResourceNotFoundByURI("host://x"), CodeResourceNotFound, CategoryNotFound, "Resource 'host://x' not found"},
		{"panic", Panic("boom"), CodeInternalError, CategoryInternal, "boom"},
		{"upstream", UpstreamUnavailable(15, io.EOF), CodeUpstreamUnavailable, CategoryTransport, "Failed to communicate with host after 15 attempts. Last error: EOF"},
		{"transport", TransportError("tcp", "start", io.EOF), CodeInternalError, CategoryTransport, "tcp transport start failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantCode, tt.err.Code())
			assert.Equal(t, tt.wantCat, tt.err.Category())
			assert.Equal(t, tt.wantMessage, tt.err.Message())
			assert.NotEmpty(t, tt.err.Error())
			assert.NotNil(t, tt.err.Context())
		})
	}
}

func TestWithDetailAndContextAreCopies(t *testing.T) {
	base := InvalidRequest("bad")
	detailed := base.WithDetail("one").WithDetail("two")

	assert.Empty(t, base.Details())
	assert.Equal(t, "one; two", detailed.Details())
	assert.Equal(t, "Invalid Request: bad: one; two", detailed.Error())

	withCtx := base.WithContext(&Context{Method: "ping", SessionID: "abc"})
	assert.Equal(t, "ping", withCtx.Context().Method)
	assert.False(t, withCtx.Context().Timestamp.IsZero())
	assert.Empty(t, base.Context().Method)
}

func TestAsMCPErrorUnwrapsChain(t *testing.T) {
	inner := ToolNotFound("x")
	wrapped := fmt.Errorf("dispatch: %w", inner)

	got, ok := AsMCPError(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidParams, got.Code())
	assert.True(t, IsCode(wrapped, CodeInvalidParams))
	assert.True(t, IsCategory(wrapped, CategoryNotFound))

	_, ok = AsMCPError(io.EOF)
	assert.False(t, ok)
	assert.False(t, IsMCPError(nil))
}

func TestToJSONRPCError(t *testing.T) {
	t.Run("mcp error keeps code", func(t *testing.T) {
		rpcErr := ToJSONRPCError(ResourceNotFoundByURI("host://missing"))
		require.NotNil(t, rpcErr)
		assert.Equal(t, protocol.ResourceNotFound, rpcErr.Code)
		assert.Equal(t, &ResourceErrorData{URI: "host://missing"}, rpcErr.Data)
	})

	t.Run("plain error becomes internal", func(t *testing.T) {
		rpcErr := ToJSONRPCError(fmt.Errorf("disk on fire"))
		assert.Equal(t, protocol.InternalError, rpcErr.Code)
		assert.Equal(t, "disk on fire", rpcErr.Message)
	})

	t.Run("protocol error passes through", func(t *testing.T) {
		in := &protocol.Error{Code: -32099, Message: "custom"}
		assert.Same(t, in, ToJSONRPCError(fmt.Errorf("wrapped: %w", in)))
	})

	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, ToJSONRPCError(nil))
	})
}

func TestToJSONRPCResponse(t *testing.T) {
	resp := ToJSONRPCResponse(MethodNotFound("x"), json.RawMessage(`"abc"`))
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"abc","error":{"code":-32601,"message":"Method not found: x"}}`, string(data))
}

func TestFromJSONRPCError(t *testing.T) {
	err := FromJSONRPCError(&protocol.Error{Code: protocol.UpstreamUnavailable, Message: "down", Data: "x"})
	assert.Equal(t, CodeUpstreamUnavailable, err.Code())
	assert.Equal(t, CategoryTransport, err.Category())
	assert.Equal(t, "x", err.Data())
	assert.Nil(t, FromJSONRPCError(nil))
}

func TestWithRequestContext(t *testing.T) {
	err := WithRequestContext(fmt.Errorf("plain"), "tools/call", "7", "sess")
	assert.Equal(t, CodeInternalError, err.Code())
	assert.Equal(t, "tools/call", err.Context().Method)
	assert.Equal(t, "7", err.Context().RequestID)
	assert.Equal(t, "sess", err.Context().SessionID)

	assert.Nil(t, WithRequestContext(nil, "", "", ""))
}

func TestMarshalJSON(t *testing.T) {
	data, err := json.Marshal(CapabilityFailed("echo", fmt.Errorf("bad input")))
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, float64(CodeInternalError), out["code"])
	assert.Equal(t, "capability", out["category"])
	assert.Equal(t, "bad input", out["cause"])
}

func TestGetErrorCodeName(t *testing.T) {
	assert.Equal(t, "ResourceNotFound", GetErrorCodeName(CodeResourceNotFound))
	assert.Equal(t, "UnknownError", GetErrorCodeName(1))
	assert.Equal(t, CategoryInternal, GetErrorCodeCategory(1))
}

func TestTransportErrorKeepsCause(t *testing.T) {
	err := TransportError("http", "stop", io.ErrClosedPipe)

	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Equal(t, "http transport stop failed: io: read/write on closed pipe", err.Error())
	assert.Equal(t, "http", err.Context().Transport)
	assert.Equal(t, "stop", err.Context().Operation)
}
