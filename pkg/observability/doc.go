// Package observability provides the host's Prometheus metrics and
// OpenTelemetry tracing, plus HTTP middleware that applies both.
package observability
