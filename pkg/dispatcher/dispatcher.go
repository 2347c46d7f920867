// Package dispatcher turns raw JSON-RPC text into responses.
//
// A Dispatcher parses one message, routes it by method to a built-in
// handler and serializes the result. It never returns an error to the
// transport: malformed input, unknown methods and failing capabilities all
// become JSON-RPC error responses, and notifications produce no response
// at all.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"

	mcperrors "github.com/ajitpratap0/mcp-host-go/pkg/errors"
	"github.com/ajitpratap0/mcp-host-go/pkg/logging"
	"github.com/ajitpratap0/mcp-host-go/pkg/observability"
	"github.com/ajitpratap0/mcp-host-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-host-go/pkg/registry"
)

// handlerFunc handles one method. A nil result is sent as an empty object.
type handlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Dispatcher is safe for concurrent use; all mutable state lives in the
// registry and the logger.
type Dispatcher struct {
	registry     *registry.Registry
	logger       logging.Logger
	serverInfo   protocol.Implementation
	instructions string
	pageSize     int
	metrics      *observability.Metrics
	tracing      *observability.TracingProvider
	setLevel     func(logging.Level)

	handlers map[string]handlerFunc
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithServerInfo sets the identity returned by initialize
func WithServerInfo(name, version string) Option {
	return func(d *Dispatcher) {
		d.serverInfo = protocol.Implementation{Name: name, Version: version}
	}
}

// WithInstructions sets the optional instructions returned by initialize
func WithInstructions(instructions string) Option {
	return func(d *Dispatcher) {
		d.instructions = instructions
	}
}

// WithPageSize pages list results. Zero returns everything in one page.
func WithPageSize(n int) Option {
	return func(d *Dispatcher) {
		d.pageSize = n
	}
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics records dispatch and capability metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithTracing starts a span for every dispatched message
func WithTracing(tp *observability.TracingProvider) Option {
	return func(d *Dispatcher) {
		d.tracing = tp
	}
}

// WithLevelSetter overrides what logging/setLevel changes. By default it
// sets the level of the dispatcher's logger, which is shared with every
// logger derived from the same root.
func WithLevelSetter(fn func(logging.Level)) Option {
	return func(d *Dispatcher) {
		d.setLevel = fn
	}
}

// New creates a dispatcher over reg
func New(reg *registry.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:   reg,
		logger:     logging.NewNop(),
		serverInfo: protocol.Implementation{Name: "mcphost", Version: "dev"},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.WithFields(logging.String("component", "dispatcher"))
	if d.setLevel == nil {
		d.setLevel = d.logger.SetLevel
	}

	d.handlers = map[string]handlerFunc{
		protocol.MethodInitialize:              d.handleInitialize,
		protocol.MethodInitialized:             d.handleInitialized,
		protocol.MethodNotificationInitialized: d.handleInitialized,
		protocol.MethodNotificationCancelled:   d.handleCancelled,
		protocol.MethodPing:                    d.handlePing,
		protocol.MethodListTools:               d.handleListTools,
		protocol.MethodCallTool:                d.handleCallTool,
		protocol.MethodListPrompts:             d.handleListPrompts,
		protocol.MethodGetPrompt:               d.handleGetPrompt,
		protocol.MethodListResources:           d.handleListResources,
		protocol.MethodReadResource:            d.handleReadResource,
		protocol.MethodListResourceTemplates:   d.handleListResourceTemplates,
		protocol.MethodSetLogLevel:             d.handleSetLogLevel,
	}
	return d
}

// Methods lists the method names the dispatcher answers.
func (d *Dispatcher) Methods() []string {
	out := make([]string, 0, len(d.handlers))
	for m := range d.handlers {
		out = append(out, m)
	}
	return out
}

// Dispatch handles one raw message. It returns the serialized response and
// true, or nil and false when the message was a notification.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) ([]byte, bool) {
	start := time.Now()

	resp, method := d.handle(ctx, raw)
	outcome := outcomeOf(resp)
	d.metrics.RecordDispatch(method, outcome, time.Since(start))

	if resp == nil {
		return nil, false
	}

	data, err := json.Marshal(resp)
	if err != nil {
		d.logger.WithContext(ctx).Error("Failed to marshal response",
			logging.String("method", method),
			logging.ErrorField(err))
		data, _ = json.Marshal(protocol.NewErrorResponse(resp.ID, protocol.InternalError,
			fmt.Sprintf("failed to marshal response: %v", err), nil))
	}
	return data, true
}

// handle returns the response for raw, or nil for a notification, and the
// method name for metrics.
func (d *Dispatcher) handle(ctx context.Context, raw []byte) (*protocol.Response, string) {
	logger := d.logger.WithContext(ctx)

	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		logger.Debug("Rejected unparseable message", logging.ErrorField(err))
		return mcperrors.ToJSONRPCResponse(mcperrors.ParseError(err), nil), ""
	}

	var method string
	if len(env.Method) == 0 || json.Unmarshal(env.Method, &method) != nil || method == "" {
		logger.Debug("Rejected message without method")
		return mcperrors.ToJSONRPCResponse(mcperrors.InvalidRequest("method must be a non-empty string"), env.ID), ""
	}

	id := env.ID
	requestID := string(id)
	ctx = logging.ContextWithRequestID(ctx, requestID)
	logger = logger.WithContext(ctx)

	ctx, span := d.tracing.StartDispatchSpan(ctx, method, TransportFromContext(ctx), logging.SessionIDFromContext(ctx))
	defer span.End()

	handler, ok := d.handlers[method]
	if !env.HasID() {
		d.handleNotification(ctx, logger, method, handler, env.Params)
		return nil, method
	}

	if !ok {
		logger.Debug("Method not found", logging.String("method", method))
		return mcperrors.ToJSONRPCResponse(mcperrors.MethodNotFound(method), id), method
	}

	result, err := d.invoke(ctx, handler, env.Params)
	if err != nil {
		err = mcperrors.WithRequestContext(err, method, requestID, logging.SessionIDFromContext(ctx))
		d.tracing.RecordError(ctx, err)
		logHandlerError(logger, method, err)
		return mcperrors.ToJSONRPCResponse(err, id), method
	}

	resp, err := protocol.NewResponse(id, result)
	if err != nil {
		logger.Error("Failed to encode result", logging.String("method", method), logging.ErrorField(err))
		return mcperrors.ToJSONRPCResponse(mcperrors.InternalError(err), id), method
	}
	return resp, method
}

func (d *Dispatcher) handleNotification(ctx context.Context, logger logging.Logger, method string, handler handlerFunc, params json.RawMessage) {
	if handler == nil {
		logger.Debug("Ignoring unknown notification", logging.String("method", method))
		return
	}
	if _, err := d.invoke(ctx, handler, params); err != nil {
		logger.Warn("Notification handler failed",
			logging.String("method", method),
			logging.ErrorField(err))
	}
}

// invoke runs handler, converting a panic into an internal error.
func (d *Dispatcher) invoke(ctx context.Context, handler handlerFunc, params json.RawMessage) (result interface{}, err error) {
	var pc panics.Catcher
	pc.Try(func() { result, err = handler(ctx, params) })
	if r := pc.Recovered(); r != nil {
		d.logger.WithContext(ctx).Error("Recovered panic in handler",
			logging.Any("panic", r.Value),
			logging.String("stack", string(r.Stack)))
		return nil, mcperrors.Panic(r.Value)
	}
	return result, err
}

func logHandlerError(logger logging.Logger, method string, err error) {
	mcpErr, ok := mcperrors.AsMCPError(err)
	if ok && mcpErr.Category() != mcperrors.CategoryInternal && mcpErr.Category() != mcperrors.CategoryCapability {
		logger.WithError(err).Debug("Request rejected", logging.String("method", method))
		return
	}
	logger.WithError(err).Error("Request failed", logging.String("method", method))
}

func outcomeOf(resp *protocol.Response) string {
	switch {
	case resp == nil:
		return "notification"
	case resp.Error == nil:
		return "ok"
	default:
		return mcperrors.GetErrorCodeName(int(resp.Error.Code))
	}
}
