package dispatcher

import "context"

type transportKey struct{}

// Transport names used in logs, spans and metrics
const (
	TransportTCP  = "tcp"
	TransportHTTP = "http"
)

// ContextWithTransport tags ctx with the transport a message arrived on.
func ContextWithTransport(ctx context.Context, transport string) context.Context {
	return context.WithValue(ctx, transportKey{}, transport)
}

// TransportFromContext returns the transport tag, or "" if none.
func TransportFromContext(ctx context.Context) string {
	if t, ok := ctx.Value(transportKey{}).(string); ok {
		return t
	}
	return ""
}
