package errors

import (
	"encoding/json"
	"errors"

	"github.com/ajitpratap0/mcp-host-go/pkg/protocol"
)

// ToJSONRPCError converts any error to a JSON-RPC error object. Errors
// that are not MCPErrors become internal errors carrying their text.
func ToJSONRPCError(err error) *protocol.Error {
	if err == nil {
		return nil
	}

	if rpcErr := (*protocol.Error)(nil); errors.As(err, &rpcErr) {
		return rpcErr
	}

	if mcpErr, ok := AsMCPError(err); ok {
		return &protocol.Error{
			Code:    protocol.ErrorCode(mcpErr.Code()),
			Message: mcpErr.Message(),
			Data:    mcpErr.Data(),
		}
	}

	return &protocol.Error{
		Code:    protocol.InternalError,
		Message: err.Error(),
	}
}

// ToJSONRPCResponse converts an error to a response envelope for id.
func ToJSONRPCResponse(err error, id json.RawMessage) *protocol.Response {
	rpcErr := ToJSONRPCError(err)
	if rpcErr == nil {
		rpcErr = &protocol.Error{Code: protocol.InternalError, Message: "Internal error"}
	}
	return protocol.NewErrorResponse(id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
}

// FromJSONRPCError converts a JSON-RPC error to an MCPError
func FromJSONRPCError(rpcErr *protocol.Error) MCPError {
	if rpcErr == nil {
		return nil
	}

	code := int(rpcErr.Code)
	err := NewError(code, rpcErr.Message, GetErrorCodeCategory(code), GetErrorCodeSeverity(code))
	if rpcErr.Data != nil {
		err = err.WithData(rpcErr.Data)
	}
	return err
}

// WithRequestContext attaches dispatch context to err, converting it to an
// MCPError when needed.
func WithRequestContext(err error, method, requestID, sessionID string) MCPError {
	if err == nil {
		return nil
	}

	mcpErr, ok := AsMCPError(err)
	if !ok {
		mcpErr = InternalError(err)
	}

	ctx := Context{}
	if prev := mcpErr.Context(); prev != nil {
		ctx = *prev
	}
	ctx.Method = method
	ctx.RequestID = requestID
	if sessionID != "" {
		ctx.SessionID = sessionID
	}
	return mcpErr.WithContext(&ctx)
}
