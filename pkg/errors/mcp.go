package errors

import (
	"fmt"
	"time"
)

// ResourceErrorData contains structured data for resource-related errors
type ResourceErrorData struct {
	URI string `json:"uri"`
}

// ParameterErrorData names the offending parameter of an invalid-params error
type ParameterErrorData struct {
	Parameter string `json:"parameter"`
	Reason    string `json:"reason,omitempty"`
}

// Protocol errors

// ParseError creates an error for text that is not a JSON object.
func ParseError(cause error) MCPError {
	err := WrapError(cause, CodeParseError, "Parse error", CategoryProtocol, SeverityError)
	if cause != nil {
		err = err.WithDetail(cause.Error())
	}
	return err
}

// InvalidRequest creates an error for a well-formed object that is not a request.
func InvalidRequest(reason string) MCPError {
	return NewError(
		CodeInvalidRequest,
		fmt.Sprintf("Invalid Request: %s", reason),
		CategoryProtocol,
		SeverityError,
	)
}

// MethodNotFound creates an error for a method with no registered handler.
func MethodNotFound(method string) MCPError {
	return NewError(
		CodeMethodNotFound,
		fmt.Sprintf("Method not found: %s", method),
		CategoryProtocol,
		SeverityError,
	).WithContext(&Context{Method: method})
}

// Validation errors

// InvalidParams creates an error for params that do not decode into the
// shape a method expects.
func InvalidParams(method string, cause error) MCPError {
	message := "Invalid params"
	if cause != nil {
		message = fmt.Sprintf("Invalid params: %s", cause.Error())
	}
	return WrapError(cause, CodeInvalidParams, message, CategoryValidation, SeverityError).
		WithContext(&Context{Method: method})
}

// MissingParameter creates an error for a required parameter that is absent.
func MissingParameter(param string) MCPError {
	return NewError(
		CodeInvalidParams,
		fmt.Sprintf("Missing required parameter: %s", param),
		CategoryValidation,
		SeverityError,
	).WithData(&ParameterErrorData{Parameter: param, Reason: "missing"})
}

// InvalidCursor creates an error for a list cursor that cannot be decoded.
func InvalidCursor(cursor string) MCPError {
	return NewError(
		CodeInvalidParams,
		"Invalid cursor",
		CategoryValidation,
		SeverityError,
	).WithData(&ParameterErrorData{Parameter: "cursor", Reason: "malformed or out of range"}).
		WithDetail(cursor)
}

// Capability errors

// ToolNotFound creates an error for tools/call with an unknown name.
func ToolNotFound(name string) MCPError {
	return NewError(
		CodeInvalidParams,
		fmt.Sprintf("Tool '%s' not found", name),
		CategoryNotFound,
		SeverityError,
	).WithData(&ParameterErrorData{Parameter: "name", Reason: "unknown tool"})
}

// PromptNotFound creates an error for prompts/get with an unknown name.
func PromptNotFound(name string) MCPError {
	return NewError(
		CodeInvalidParams,
		fmt.Sprintf("Prompt '%s' not found", name),
		CategoryNotFound,
		SeverityError,
	).WithData(&ParameterErrorData{Parameter: "name", Reason: "unknown prompt"})
}

// ResourceNotFoundByURI creates an error for resources/read with an unknown URI.
func ResourceNotFoundByURI(uri string) MCPError {
	return NewError(
		CodeResourceNotFound,
		fmt.Sprintf("Resource '%s' not found", uri),
		CategoryNotFound,
		SeverityError,
	).WithData(&ResourceErrorData{URI: uri})
}

// CapabilityFailed wraps an error returned by capability code.
func CapabilityFailed(name string, cause error) MCPError {
	return WrapError(cause, CodeInternalError, cause.Error(), CategoryCapability, SeverityError).
		WithContext(&Context{Operation: name})
}

// Internal errors

// InternalError wraps an unexpected failure inside the host.
func InternalError(cause error) MCPError {
	message := "Internal error"
	if cause != nil {
		message = cause.Error()
	}
	return WrapError(cause, CodeInternalError, message, CategoryInternal, SeverityError)
}

// Panic converts a recovered panic value into an internal error whose
// message is the panic text.
func Panic(value interface{}) MCPError {
	return NewError(
		CodeInternalError,
		fmt.Sprintf("%v", value),
		CategoryInternal,
		SeverityCritical,
	)
}

// Transport errors

// UpstreamUnavailable is reported to bridge clients once every attempt to
// reach the host has failed.
func UpstreamUnavailable(attempts int, last error) MCPError {
	lastText := "unknown"
	if last != nil {
		lastText = last.Error()
	}
	return WrapError(
		last,
		CodeUpstreamUnavailable,
		fmt.Sprintf("Failed to communicate with host after %d attempts. Last error: %s", attempts, lastText),
		CategoryTransport,
		SeverityCritical,
	)
}

// TransportError wraps a failure to start, stop or use a transport.
func TransportError(transport, operation string, cause error) MCPError {
	err := WrapError(
		cause,
		CodeInternalError,
		fmt.Sprintf("%s transport %s failed", transport, operation),
		CategoryTransport,
		SeverityError,
	).WithContext(&Context{
		Transport: transport,
		Operation: operation,
		Timestamp: time.Now(),
	})
	if cause != nil {
		err = err.WithDetail(cause.Error())
	}
	return err
}
