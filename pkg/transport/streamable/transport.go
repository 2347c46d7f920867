// Package streamable serves JSON-RPC over the MCP streamable HTTP
// transport.
//
// One endpoint, /mcp/, takes POSTed requests and answers them as JSON,
// opens a Server-Sent Events stream on GET and terminates the session on
// DELETE. Sessions are created by initialize and identified by the
// Mcp-Session-Id header on every later request.
package streamable

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"

	"github.com/ajitpratap0/mcp-host-go/pkg/logging"
	"github.com/ajitpratap0/mcp-host-go/pkg/observability"
	"github.com/ajitpratap0/mcp-host-go/pkg/session"
)

// Header names
const (
	HeaderSessionID       = "Mcp-Session-Id"
	HeaderProtocolVersion = "MCP-Protocol-Version"
)

const (
	// MinKeepAliveInterval bounds how often an idle stream is pinged.
	MinKeepAliveInterval = 5 * time.Second

	// DefaultRetryInterval is the reconnect delay suggested to clients.
	DefaultRetryInterval = 3 * time.Second

	// MaxBodySize is the largest POST body accepted.
	MaxBodySize = 10 << 20

	allowedMethods = "GET, POST, DELETE, OPTIONS"
	allowedHeaders = "Content-Type, Accept, Authorization, Mcp-Session-Id, MCP-Protocol-Version, Last-Event-ID"
)

// ErrServerRunning is returned by Start on a running transport.
var ErrServerRunning = errors.New("streamable: server already running")

// Dispatcher handles one raw JSON-RPC message.
type Dispatcher interface {
	Dispatch(ctx context.Context, raw []byte) ([]byte, bool)
}

// Config holds listener and stream settings.
type Config struct {
	Host string
	Port int

	// KeepAliveInterval is raised to MinKeepAliveInterval when smaller.
	KeepAliveInterval time.Duration
	RetryInterval     time.Duration

	// SessionTimeout and SweepInterval configure the session manager
	// created when none is shared with WithSessions.
	SessionTimeout time.Duration
	SweepInterval  time.Duration

	// AllowedOrigins are accepted in addition to loopback origins.
	AllowedOrigins []string

	// ExposeMetrics mounts the Prometheus handler at /metrics.
	ExposeMetrics bool
}

// Transport is the HTTP side of the server. Handler can be mounted on any
// server; Start and Stop run a dedicated one.
type Transport struct {
	config     Config
	dispatcher Dispatcher
	sessions   *session.Manager
	clock      clockwork.Clock
	logger     logging.Logger
	metrics    *observability.Metrics
	tracing    *observability.TracingProvider

	router chi.Router

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	serveErr chan error
}

// Option configures a Transport
type Option func(*Transport)

// WithSessions shares a session manager, e.g. one owned by the server
func WithSessions(m *session.Manager) Option {
	return func(t *Transport) {
		t.sessions = m
	}
}

// WithClock drives keep-alives from c, for tests
func WithClock(c clockwork.Clock) Option {
	return func(t *Transport) {
		t.clock = c
	}
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithMetrics counts requests and open streams
func WithMetrics(m *observability.Metrics) Option {
	return func(t *Transport) {
		t.metrics = m
	}
}

// WithTracing wraps requests in otelhttp spans
func WithTracing(tp *observability.TracingProvider) Option {
	return func(t *Transport) {
		t.tracing = tp
	}
}

// New creates a stopped transport.
func New(config Config, d Dispatcher, opts ...Option) *Transport {
	if config.Host == "" {
		config.Host = "127.0.0.1"
	}
	if config.KeepAliveInterval < MinKeepAliveInterval {
		config.KeepAliveInterval = MinKeepAliveInterval
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultRetryInterval
	}

	t := &Transport{
		config:     config,
		dispatcher: d,
		clock:      clockwork.NewRealClock(),
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.WithFields(logging.String("component", "http"))
	if t.sessions == nil {
		t.sessions = session.NewManager(
			session.WithTimeout(config.SessionTimeout),
			session.WithSweepInterval(config.SweepInterval),
			session.WithLogger(t.logger),
			session.WithMetrics(t.metrics))
	}
	t.router = t.routes()
	return t
}

// Sessions returns the session manager.
func (t *Transport) Sessions() *session.Manager {
	return t.sessions
}

// Handler returns the router serving /mcp/ and, if enabled, /metrics.
func (t *Transport) Handler() http.Handler {
	return t.router
}

func (t *Transport) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logging.HTTPMiddleware(t.logger))
	r.Use(observability.HTTPMetrics(t.metrics))
	r.Use(observability.HTTPTracing(t.tracing))
	r.Use(cors)

	if t.config.ExposeMetrics && t.metrics != nil {
		r.Method(http.MethodGet, "/metrics", t.metrics.Handler())
	}

	for _, path := range []string{"/mcp", "/mcp/"} {
		r.Post(path, t.handlePost)
		r.Get(path, t.handleGet)
		r.Delete(path, t.handleDelete)
		r.Options(path, t.handleOptions)
	}
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", allowedMethods)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	return r
}

// cors adds the CORS headers every response carries and echoes the
// protocol version header.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		if origin := r.Header.Get("Origin"); origin != "" {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
		} else {
			h.Set("Access-Control-Allow-Origin", "*")
		}
		h.Set("Access-Control-Allow-Methods", allowedMethods)
		h.Set("Access-Control-Allow-Headers", allowedHeaders)
		h.Set("Access-Control-Expose-Headers", HeaderSessionID)
		if v := r.Header.Get(HeaderProtocolVersion); v != "" {
			h.Set(HeaderProtocolVersion, v)
		}
		next.ServeHTTP(w, r)
	})
}

// Start binds the listener and serves in the background. Bind errors are
// returned and leave the transport stopped.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.server != nil {
		return ErrServerRunning
	}

	addr := net.JoinHostPort(t.config.Host, strconv.Itoa(t.config.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	srv := &http.Server{
		Handler:           t.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return runCtx },
		ErrorLog:          logging.StdLogger(t.logger, "http", logging.WarnLevel),
	}
	t.sessions.Start(runCtx)

	serveErr := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	t.server, t.listener, t.cancel, t.serveErr = srv, ln, cancel, serveErr
	t.logger.Info("HTTP transport listening", logging.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil when stopped.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Running reports whether the transport is serving.
func (t *Transport) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.server != nil
}

// Stop terminates every session, which ends their event streams, and shuts
// the HTTP server down gracefully within ctx.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	srv, cancel, serveErr := t.server, t.cancel, t.serveErr
	t.server, t.listener, t.cancel, t.serveErr = nil, nil, nil, nil
	t.mu.Unlock()

	if srv == nil {
		return nil
	}

	t.sessions.Stop()
	if n := t.sessions.TerminateAll(); n > 0 {
		t.logger.Info("Terminated sessions on shutdown", logging.Int("count", n))
	}
	cancel()

	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("streamable: shutdown: %w", err)
	}
	if err := <-serveErr; err != nil {
		return fmt.Errorf("streamable: serve: %w", err)
	}
	t.logger.Info("HTTP transport stopped")
	return nil
}
