package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-host-go/pkg/errors"
	"github.com/ajitpratap0/mcp-host-go/pkg/logging"
	"github.com/ajitpratap0/mcp-host-go/pkg/pagination"
	"github.com/ajitpratap0/mcp-host-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-host-go/pkg/registry"
)

// validateParams decodes params into target. Absent or null params leave
// target at its zero value.
func (d *Dispatcher) validateParams(params json.RawMessage, target interface{}, method string) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, target); err != nil {
		return mcperrors.InvalidParams(method, err)
	}
	return nil
}

func (d *Dispatcher) handleInitialize(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var initParams protocol.InitializeParams
	if err := d.validateParams(params, &initParams, protocol.MethodInitialize); err != nil {
		return nil, err
	}

	version := initParams.ProtocolVersion
	if version == "" {
		version = protocol.ProtocolRevision
	}

	fields := []logging.Field{logging.String("protocol_version", version)}
	if initParams.ClientInfo != nil {
		fields = append(fields,
			logging.String("client", initParams.ClientInfo.Name),
			logging.String("client_version", initParams.ClientInfo.Version))
	}
	d.logger.WithContext(ctx).Info("Initializing client", fields...)

	return &protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities: protocol.ServerCapabilities{
			Tools:     &protocol.ToolsCapability{ListChanged: false},
			Prompts:   &protocol.PromptsCapability{ListChanged: false},
			Resources: &protocol.ResourcesCapability{Subscribe: false, ListChanged: false},
			Logging:   &struct{}{},
		},
		ServerInfo:   d.serverInfo,
		Instructions: d.instructions,
	}, nil
}

func (d *Dispatcher) handleInitialized(ctx context.Context, params json.RawMessage) (interface{}, error) {
	d.logger.WithContext(ctx).Debug("Client initialized")
	return nil, nil
}

func (d *Dispatcher) handleCancelled(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var cancelParams protocol.CancelledParams
	if err := d.validateParams(params, &cancelParams, protocol.MethodNotificationCancelled); err != nil {
		return nil, err
	}
	// Requests are answered in order on each transport, so by the time a
	// cancellation arrives the request it names has already completed.
	d.logger.WithContext(ctx).Debug("Client cancelled request",
		logging.String("cancelled_id", fmt.Sprint(cancelParams.RequestID)),
		logging.String("reason", cancelParams.Reason))
	return nil, nil
}

func (d *Dispatcher) handlePing(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return struct{}{}, nil
}

func (d *Dispatcher) handleSetLogLevel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var levelParams protocol.SetLogLevelParams
	if err := d.validateParams(params, &levelParams, protocol.MethodSetLogLevel); err != nil {
		return nil, err
	}
	if levelParams.Level == "" {
		return nil, mcperrors.MissingParameter("level")
	}

	level, err := logging.ParseLevel(string(levelParams.Level))
	if err != nil {
		return nil, mcperrors.InvalidParams(protocol.MethodSetLogLevel, err)
	}
	d.setLevel(level)
	d.logger.WithContext(ctx).Info("Log level changed", logging.String("level", level.String()))
	return struct{}{}, nil
}

// paginate pages items for method. Invalid cursors are invalid params.
func paginate[T any](d *Dispatcher, params json.RawMessage, items []T, method string) (pagination.Page[T], error) {
	var listParams protocol.PaginatedParams
	if err := d.validateParams(params, &listParams, method); err != nil {
		return pagination.Page[T]{}, err
	}
	page, err := pagination.Paginate(items, listParams.Cursor, d.pageSize, d.registry.Generation())
	if err != nil {
		return pagination.Page[T]{}, mcperrors.InvalidCursor(listParams.Cursor).WithContext(&mcperrors.Context{Method: method})
	}
	return page, nil
}

func (d *Dispatcher) handleListTools(ctx context.Context, params json.RawMessage) (interface{}, error) {
	page, err := paginate(d, params, d.registry.Tools(), protocol.MethodListTools)
	if err != nil {
		return nil, err
	}
	result := &protocol.ListToolsResult{Tools: page.Items}
	result.NextCursor = page.NextCursor
	return result, nil
}

func (d *Dispatcher) handleCallTool(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var callParams protocol.CallToolParams
	if err := d.validateParams(params, &callParams, protocol.MethodCallTool); err != nil {
		return nil, err
	}
	if callParams.Name == "" {
		return nil, mcperrors.MissingParameter("name")
	}

	start := time.Now()
	result, err := d.registry.CallTool(ctx, callParams.Name, callParams.Arguments)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, mcperrors.ToolNotFound(callParams.Name)
		}
		d.metrics.RecordCapability("tool", callParams.Name, "error", time.Since(start))
		return nil, capabilityError(callParams.Name, err)
	}

	status := "ok"
	if result.IsError {
		status = "tool_error"
	}
	d.metrics.RecordCapability("tool", callParams.Name, status, time.Since(start))
	return &result, nil
}

func (d *Dispatcher) handleListPrompts(ctx context.Context, params json.RawMessage) (interface{}, error) {
	page, err := paginate(d, params, d.registry.Prompts(), protocol.MethodListPrompts)
	if err != nil {
		return nil, err
	}
	result := &protocol.ListPromptsResult{Prompts: page.Items}
	result.NextCursor = page.NextCursor
	return result, nil
}

func (d *Dispatcher) handleGetPrompt(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var getParams protocol.GetPromptParams
	if err := d.validateParams(params, &getParams, protocol.MethodGetPrompt); err != nil {
		return nil, err
	}
	if getParams.Name == "" {
		return nil, mcperrors.MissingParameter("name")
	}

	start := time.Now()
	result, err := d.registry.GetPrompt(ctx, getParams.Name, getParams.Arguments)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, mcperrors.PromptNotFound(getParams.Name)
		}
		d.metrics.RecordCapability("prompt", getParams.Name, "error", time.Since(start))
		return nil, capabilityError(getParams.Name, err)
	}
	d.metrics.RecordCapability("prompt", getParams.Name, "ok", time.Since(start))
	return &result, nil
}

func (d *Dispatcher) handleListResources(ctx context.Context, params json.RawMessage) (interface{}, error) {
	page, err := paginate(d, params, d.registry.Resources(), protocol.MethodListResources)
	if err != nil {
		return nil, err
	}
	result := &protocol.ListResourcesResult{Resources: page.Items}
	result.NextCursor = page.NextCursor
	return result, nil
}

func (d *Dispatcher) handleReadResource(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var readParams protocol.ReadResourceParams
	if err := d.validateParams(params, &readParams, protocol.MethodReadResource); err != nil {
		return nil, err
	}
	if readParams.URI == "" {
		return nil, mcperrors.MissingParameter("uri")
	}

	start := time.Now()
	result, err := d.registry.ReadResource(ctx, readParams.URI)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, mcperrors.ResourceNotFoundByURI(readParams.URI)
		}
		d.metrics.RecordCapability("resource", readParams.URI, "error", time.Since(start))
		return nil, capabilityError(readParams.URI, err)
	}
	d.metrics.RecordCapability("resource", readParams.URI, "ok", time.Since(start))
	return &result, nil
}

func (d *Dispatcher) handleListResourceTemplates(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var listParams protocol.PaginatedParams
	if err := d.validateParams(params, &listParams, protocol.MethodListResourceTemplates); err != nil {
		return nil, err
	}
	return &protocol.ListResourceTemplatesResult{ResourceTemplates: []protocol.ResourceTemplate{}}, nil
}

// capabilityError keeps errors that already carry a JSON-RPC code and
// reports everything else as an internal error with the original text.
func capabilityError(name string, err error) error {
	if _, ok := mcperrors.AsMCPError(err); ok {
		return err
	}
	var rpcErr *protocol.Error
	if errors.As(err, &rpcErr) {
		return err
	}
	return mcperrors.CapabilityFailed(name, err)
}
