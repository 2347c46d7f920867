package observability

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ExporterType selects where spans go
type ExporterType string

const (
	// ExporterTypeNone disables tracing; spans are no-ops
	ExporterTypeNone ExporterType = "none"

	// ExporterTypeOTLPGRPC exports spans over OTLP/gRPC
	ExporterTypeOTLPGRPC ExporterType = "otlp-grpc"

	// ExporterTypeOTLPHTTP exports spans over OTLP/HTTP
	ExporterTypeOTLPHTTP ExporterType = "otlp-http"
)

// ParseExporterType validates an exporter name from configuration
func ParseExporterType(s string) (ExporterType, error) {
	switch t := ExporterType(s); t {
	case "", ExporterTypeNone:
		return ExporterTypeNone, nil
	case ExporterTypeOTLPGRPC, ExporterTypeOTLPHTTP:
		return t, nil
	default:
		return "", fmt.Errorf("unsupported exporter type: %s", s)
	}
}

// TracingConfig configures the tracing provider
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	ExporterType ExporterType
	Endpoint     string
	Headers      map[string]string
	Insecure     bool

	// SampleRate is the fraction of traces kept, 0.0 to 1.0 (default 1.0)
	SampleRate float64
}

// TracingProvider starts spans around dispatched messages. With the none
// exporter it hands out no-op spans and installs nothing globally.
type TracingProvider struct {
	config   TracingConfig
	tracer   trace.Tracer
	mu       sync.Mutex
	shutdown func(context.Context) error
}

// NewTracingProvider creates a tracing provider. Non-none exporters become
// the global tracer provider so otelhttp picks them up.
func NewTracingProvider(config TracingConfig) (*TracingProvider, error) {
	if config.ServiceName == "" {
		config.ServiceName = "mcphost"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = "unknown"
	}
	if config.Environment == "" {
		config.Environment = "development"
	}
	if config.SampleRate == 0 {
		config.SampleRate = 1.0
	}

	exporterType, err := ParseExporterType(string(config.ExporterType))
	if err != nil {
		return nil, err
	}
	config.ExporterType = exporterType

	if exporterType == ExporterTypeNone {
		return &TracingProvider{
			config: config,
			tracer: noop.NewTracerProvider().Tracer("mcphost"),
		}, nil
	}

	exporter, err := createExporter(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(createResource(config)),
		sdktrace.WithSampler(createSampler(config)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracingProvider{
		config:   config,
		tracer:   tp.Tracer("mcphost"),
		shutdown: tp.Shutdown,
	}, nil
}

func createResource(config TracingConfig) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	)
}

func createExporter(config TracingConfig) (sdktrace.SpanExporter, error) {
	var client otlptrace.Client
	switch config.ExporterType {
	case ExporterTypeOTLPGRPC:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithHeaders(config.Headers)}
		if config.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(config.Endpoint))
		}
		if config.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		client = otlptracegrpc.NewClient(opts...)
	case ExporterTypeOTLPHTTP:
		opts := []otlptracehttp.Option{otlptracehttp.WithHeaders(config.Headers)}
		if config.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(config.Endpoint))
		}
		if config.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		client = otlptracehttp.NewClient(opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", config.ExporterType)
	}
	// otlptrace.New only starts the client; the first export dials.
	return otlptrace.New(context.Background(), client)
}

func createSampler(config TracingConfig) sdktrace.Sampler {
	if config.SampleRate >= 1.0 {
		return sdktrace.AlwaysSample()
	} else if config.SampleRate <= 0.0 {
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRate))
}

// Enabled reports whether spans are exported anywhere
func (tp *TracingProvider) Enabled() bool {
	return tp != nil && tp.config.ExporterType != ExporterTypeNone
}

// StartDispatchSpan starts a server span for one JSON-RPC message.
func (tp *TracingProvider) StartDispatchSpan(ctx context.Context, method, transport, sessionID string) (context.Context, trace.Span) {
	if tp == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "jsonrpc"),
		attribute.String("rpc.method", method),
	}
	if transport != "" {
		attrs = append(attrs, attribute.String("mcp.transport", transport))
	}
	if sessionID != "" {
		attrs = append(attrs, attribute.String("mcp.session_id", sessionID))
	}
	return tp.tracer.Start(ctx, "mcp."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...))
}

// RecordError marks the span in ctx as failed
func (tp *TracingProvider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if tp == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}

// Shutdown flushes pending spans
func (tp *TracingProvider) Shutdown(ctx context.Context) error {
	if tp == nil {
		return nil
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.shutdown == nil {
		return nil
	}
	err := tp.shutdown(ctx)
	tp.shutdown = nil
	return err
}
