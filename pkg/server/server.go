package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/ajitpratap0/mcp-host-go/pkg/dispatcher"
	"github.com/ajitpratap0/mcp-host-go/pkg/executor"
	"github.com/ajitpratap0/mcp-host-go/pkg/logging"
	"github.com/ajitpratap0/mcp-host-go/pkg/observability"
	"github.com/ajitpratap0/mcp-host-go/pkg/registry"
	"github.com/ajitpratap0/mcp-host-go/pkg/session"
	"github.com/ajitpratap0/mcp-host-go/pkg/transport"
	"github.com/ajitpratap0/mcp-host-go/pkg/transport/streamable"
	"github.com/ajitpratap0/mcp-host-go/pkg/transport/tcp"
)

// ErrAlreadyRunning is returned by Start when the server is not stopped.
var ErrAlreadyRunning = errors.New("server: already running")

// State is the lifecycle state of a Server.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Server owns one registry, executor, dispatcher and session manager and
// the transports that feed them.
type Server struct {
	name         string
	version      string
	instructions string
	pageSize     int
	restartDelay time.Duration
	records      []registry.Record

	tcpConfig  *tcp.Config
	httpConfig *streamable.Config

	logger  logging.Logger
	metrics *observability.Metrics
	tracing *observability.TracingProvider
	clock   clockwork.Clock

	registry   *registry.Registry
	executor   *executor.Executor
	dispatcher *dispatcher.Dispatcher
	sessions   *session.Manager
	tcp        *tcp.Server
	http       *streamable.Transport

	// transports lists HTTP first so open sessions are terminated before
	// TCP connections are dropped.
	transports transport.Group

	// mu serializes lifecycle transitions.
	mu       sync.Mutex
	base     context.Context
	state    atomic.Int32
	restarts atomic.Uint64
}

// Option configures a Server
type Option func(*Server)

// WithName sets the server name reported by initialize
func WithName(name string) Option {
	return func(s *Server) {
		s.name = name
	}
}

// WithVersion sets the server version reported by initialize
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithInstructions sets the instructions returned by initialize
func WithInstructions(instructions string) Option {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithCapabilities adds capability records. Later duplicates of a name or
// URI are rejected.
func WithCapabilities(records ...registry.Record) Option {
	return func(s *Server) {
		s.records = append(s.records, records...)
	}
}

// WithTCP enables the length-prefixed TCP transport
func WithTCP(config tcp.Config) Option {
	return func(s *Server) {
		s.tcpConfig = &config
	}
}

// WithHTTP enables the streamable HTTP transport
func WithHTTP(config streamable.Config) Option {
	return func(s *Server) {
		s.httpConfig = &config
	}
}

// WithListPageSize pages */list results; zero returns everything at once
func WithListPageSize(n int) Option {
	return func(s *Server) {
		s.pageSize = n
	}
}

// WithRestartDelay sets how long Restart waits between Stop and Start
func WithRestartDelay(d time.Duration) Option {
	return func(s *Server) {
		s.restartDelay = d
	}
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics records server metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithTracing traces dispatched messages and HTTP requests
func WithTracing(tp *observability.TracingProvider) Option {
	return func(s *Server) {
		s.tracing = tp
	}
}

// WithClock sets the clock for session expiry, keep-alives and the restart
// delay
func WithClock(c clockwork.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// New creates a stopped server.
func New(opts ...Option) *Server {
	s := &Server{
		name:    "mcphost",
		version: "dev",
		logger:  logging.NewNop(),
		clock:   clockwork.NewRealClock(),
		base:    context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithFields(logging.String("component", "server"))

	s.executor = executor.New(
		executor.WithLogger(s.logger),
		executor.WithObserver(s.metrics.ObserveExecutor))
	s.registry = registry.New(
		registry.WithExecutor(s.executor),
		registry.WithLogger(s.logger))
	if rejected := s.registry.Refresh(s.records); rejected > 0 {
		s.logger.Warn("Duplicate capabilities ignored", logging.Int("count", rejected))
	}

	dopts := []dispatcher.Option{
		dispatcher.WithServerInfo(s.name, s.version),
		dispatcher.WithPageSize(s.pageSize),
		dispatcher.WithLogger(s.logger),
		dispatcher.WithMetrics(s.metrics),
		dispatcher.WithTracing(s.tracing),
	}
	if s.instructions != "" {
		dopts = append(dopts, dispatcher.WithInstructions(s.instructions))
	}
	s.dispatcher = dispatcher.New(s.registry, dopts...)

	var sessionTimeout, sweepInterval time.Duration
	if s.httpConfig != nil {
		sessionTimeout, sweepInterval = s.httpConfig.SessionTimeout, s.httpConfig.SweepInterval
	}
	s.sessions = session.NewManager(
		session.WithTimeout(sessionTimeout),
		session.WithSweepInterval(sweepInterval),
		session.WithClock(s.clock),
		session.WithLogger(s.logger),
		session.WithMetrics(s.metrics))

	if s.tcpConfig != nil {
		s.tcp = tcp.NewServer(*s.tcpConfig, s.dispatcher,
			tcp.WithLogger(s.logger),
			tcp.WithMetrics(s.metrics))
	}
	if s.httpConfig != nil {
		s.http = streamable.New(*s.httpConfig, s.dispatcher,
			streamable.WithSessions(s.sessions),
			streamable.WithClock(s.clock),
			streamable.WithLogger(s.logger),
			streamable.WithMetrics(s.metrics),
			streamable.WithTracing(s.tracing))
	}

	if s.http != nil {
		s.transports = append(s.transports, transport.Named{Name: "http", Transport: s.http})
	}
	if s.tcp != nil {
		s.transports = append(s.transports, transport.Named{Name: "tcp", Transport: s.tcp})
	}

	s.registerGauges()
	return s
}

func (s *Server) registerGauges() {
	if s.metrics == nil {
		return
	}
	gauges := []struct {
		subsystem, name, help string
		fn                    func() float64
	}{
		{"registry", "tools", "Registered tools, sync and async", func() float64 {
			return float64(s.registry.Count(registry.KindSyncTool) + s.registry.Count(registry.KindAsyncTool))
		}},
		{"registry", "prompts", "Registered prompts", func() float64 {
			return float64(s.registry.Count(registry.KindPrompt))
		}},
		{"registry", "resources", "Registered resources", func() float64 {
			return float64(s.registry.Count(registry.KindResource))
		}},
		{"executor", "waiting", "Calls waiting for the executor", func() float64 {
			return float64(s.executor.Stats().Waiting)
		}},
		{"server", "restarts", "Completed restarts since the process started", func() float64 {
			return float64(s.restarts.Load())
		}},
	}
	for _, g := range gauges {
		if err := s.metrics.RegisterGaugeFunc(g.subsystem, g.name, g.help, g.fn); err != nil {
			s.logger.Warn("Failed to register gauge",
				logging.String("gauge", g.subsystem+"_"+g.name),
				logging.ErrorField(err))
		}
	}
}

// Registry returns the capability registry.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Dispatcher returns the message dispatcher.
func (s *Server) Dispatcher() *dispatcher.Dispatcher { return s.dispatcher }

// Sessions returns the HTTP session manager.
func (s *Server) Sessions() *session.Manager { return s.sessions }

// HTTPHandler returns the streamable transport's handler for mounting on
// an existing server, or nil when HTTP is disabled. The executor must be
// running, i.e. the Server started, for calls to succeed.
func (s *Server) HTTPHandler() http.Handler {
	if s.http == nil {
		return nil
	}
	return s.http.Handler()
}

// TCPAddr returns the bound TCP address, or nil.
func (s *Server) TCPAddr() net.Addr {
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Addr()
}

// HTTPAddr returns the bound HTTP address, or nil.
func (s *Server) HTTPAddr() net.Addr {
	if s.http == nil {
		return nil
	}
	return s.http.Addr()
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Restarts returns the number of completed restarts.
func (s *Server) Restarts() uint64 {
	return s.restarts.Load()
}

func (s *Server) setState(st State) {
	s.state.Store(int32(st))
}

// Start starts the executor and binds every configured transport. ctx
// bounds the lifetime of the listeners; cancelling it is equivalent to
// closing them. If any transport fails to bind the others are stopped
// again and the error returned.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = ctx
	return s.start(ctx)
}

func (s *Server) start(ctx context.Context) error {
	if s.State() != StateStopped {
		return ErrAlreadyRunning
	}
	s.setState(StateStarting)
	s.executor.Start()

	if err := s.transports.Start(ctx); err != nil {
		_ = s.executor.Stop(context.Background())
		s.setState(StateStopped)
		s.logger.Error("Server failed to start", logging.ErrorField(err))
		return err
	}

	s.setState(StateRunning)
	fields := []logging.Field{
		logging.String("name", s.name),
		logging.String("version", s.version),
		logging.Int("tools", s.registry.Count(registry.KindSyncTool)+s.registry.Count(registry.KindAsyncTool)),
		logging.Int("prompts", s.registry.Count(registry.KindPrompt)),
		logging.Int("resources", s.registry.Count(registry.KindResource)),
	}
	if addr := s.TCPAddr(); addr != nil {
		fields = append(fields, logging.String("tcp", addr.String()))
	}
	if addr := s.HTTPAddr(); addr != nil {
		fields = append(fields, logging.String("http", addr.String()))
	}
	s.logger.Info("Server started", fields...)
	return nil
}

// Stop shuts the transports down, then the executor, waiting at most until
// ctx is done. Errors from every component are returned together. Stopping
// a stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop(ctx)
}

func (s *Server) stop(ctx context.Context) error {
	if s.State() != StateRunning {
		return nil
	}
	s.setState(StateStopping)

	var result *multierror.Error
	if err := s.transports.Stop(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.executor.Stop(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("executor: %w", err))
	}
	s.setState(StateStopped)

	if err := result.ErrorOrNil(); err != nil {
		s.logger.Warn("Server stopped with errors", logging.ErrorField(err))
		return err
	}
	s.logger.Info("Server stopped")
	return nil
}

// Restart stops the server, waits the restart delay and starts it again
// with the context of the last Start. ctx bounds the stop and the delay.
// A failed stop is logged and the start still attempted.
func (s *Server) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("Server restarting", logging.Duration("delay", s.restartDelay))
	if err := s.stop(ctx); err != nil {
		s.logger.Warn("Restart continuing after stop error", logging.ErrorField(err))
	}
	if err := s.settle(ctx); err != nil {
		return err
	}
	if err := s.start(s.base); err != nil {
		return err
	}
	s.restarts.Add(1)
	return nil
}

// settle gives the OS time to release the ports before they are rebound.
func (s *Server) settle(ctx context.Context) error {
	if s.restartDelay <= 0 {
		return nil
	}
	select {
	case <-s.clock.After(s.restartDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refresh replaces every capability with records and returns the number
// of duplicates rejected. Calls already dispatched finish against the old
// tables.
func (s *Server) Refresh(records []registry.Record) int {
	rejected := s.registry.Refresh(records)
	s.logger.Info("Capabilities refreshed",
		logging.Int("records", len(records)),
		logging.Int("rejected", rejected))
	return rejected
}

// BeforeReload stops the server ahead of the host unloading capability
// code. Sessions do not survive a reload.
func (s *Server) BeforeReload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info("Host reload starting")
	return s.stop(ctx)
}

// AfterReload publishes the reloaded capabilities and starts the server
// again with the context of the last Start.
func (s *Server) AfterReload(ctx context.Context, records []registry.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Refresh(records)
	if err := s.settle(ctx); err != nil {
		return err
	}
	if err := s.start(s.base); err != nil {
		return err
	}
	s.logger.Info("Host reload finished")
	return nil
}
