package observability

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPMetrics counts every request passing through by verb and final
// status code.
func HTTPMetrics(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.RecordHTTPRequest(r.Method, status)
		})
	}
}

// HTTPTracing wraps handlers with otelhttp when tracing is enabled. Span
// names are the verb and route, e.g. "POST /mcp/".
func HTTPTracing(tp *TracingProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !tp.Enabled() {
			return next
		}
		return otelhttp.NewHandler(next, "mcp.http",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
			otelhttp.WithFilter(func(r *http.Request) bool {
				return !strings.HasPrefix(r.URL.Path, "/metrics")
			}),
		)
	}
}
