// Package tcp serves JSON-RPC over length-prefixed TCP streams.
//
// Every message in either direction is a 4-byte big-endian length followed
// by that many bytes of UTF-8 JSON. A connection carries one request at a
// time: the next frame is read only after the response to the previous one
// has been written. A zero or oversized length closes the connection
// without a reply. A response too large to frame is replaced by an
// internal error for the same request id.
package tcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/ajitpratap0/mcp-host-go/pkg/dispatcher"
	"github.com/ajitpratap0/mcp-host-go/pkg/logging"
	"github.com/ajitpratap0/mcp-host-go/pkg/observability"
	"github.com/ajitpratap0/mcp-host-go/pkg/protocol"
)

var (
	// ErrServerRunning is returned by Start on a running server.
	ErrServerRunning = errors.New("tcp: server already running")

	errBacklogUnsupported = errors.New("tcp: setting the listen backlog is not supported on this platform")
)

// Dispatcher handles one raw JSON-RPC message.
type Dispatcher interface {
	Dispatch(ctx context.Context, raw []byte) ([]byte, bool)
}

// Config holds listener settings. Zero timeouts disable deadlines.
type Config struct {
	Host         string
	Port         int
	Backlog      int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server accepts TCP connections and serves each on its own goroutine.
type Server struct {
	config     Config
	dispatcher Dispatcher
	logger     logging.Logger
	metrics    *observability.Metrics

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	conns    map[string]net.Conn
	wg       *conc.WaitGroup
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics tracks connections and rejected frames
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// NewServer creates a stopped server that hands messages to d.
func NewServer(config Config, d Dispatcher, opts ...Option) *Server {
	if config.Host == "" {
		config.Host = "127.0.0.1"
	}
	s := &Server{
		config:     config,
		dispatcher: d,
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithFields(logging.String("component", "tcp"))
	return s
}

// Start binds the listener and begins accepting. Bind errors are returned
// and leave the server stopped. Cancelling ctx stops accepting and closes
// every connection, like Stop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return ErrServerRunning
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if s.config.Backlog > 0 {
		if err := setBacklog(ln, s.config.Backlog); err != nil {
			s.logger.Warn("Listen backlog not applied, using system default",
				logging.Int("backlog", s.config.Backlog),
				logging.ErrorField(err))
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.listener = ln
	s.cancel = cancel
	s.conns = make(map[string]net.Conn)
	s.wg = conc.NewWaitGroup()

	wg := s.wg
	wg.Go(func() { s.acceptLoop(runCtx, ln, wg) })
	wg.Go(func() {
		<-runCtx.Done()
		s.closeAll(ln)
	})

	s.logger.Info("TCP transport listening", logging.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Running reports whether the listener is open.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines to exit or ctx to end.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, wg := s.cancel, s.wg
	s.listener, s.cancel, s.wg = nil, nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("TCP transport stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tcp: waiting for connections: %w", ctx.Err())
	}
}

func (s *Server) closeAll(ln net.Listener) {
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("Failed to close listener", logging.ErrorField(err))
	}
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, wg *conc.WaitGroup) {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else if backoff *= 2; backoff > time.Second {
					backoff = time.Second
				}
				s.logger.Warn("Accept failed, retrying",
					logging.ErrorField(err),
					logging.Duration("backoff", backoff))
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
				continue
			}
			s.logger.Error("Accept failed", logging.ErrorField(err))
			return
		}
		backoff = 0

		id := uuid.NewString()
		if !s.track(id, conn) {
			_ = conn.Close()
			return
		}
		wg.Go(func() { s.serveConn(ctx, id, conn) })
	}
}

// track registers conn so Stop can close it; false once stopping.
func (s *Server) track(id string, conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[id] = conn
	return true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns != nil {
		delete(s.conns, id)
	}
}

func (s *Server) serveConn(ctx context.Context, id string, conn net.Conn) {
	s.metrics.ConnectionOpened()
	logger := s.logger.WithFields(
		logging.String("conn_id", id),
		logging.String("remote", conn.RemoteAddr().String()))
	logger.Debug("Connection opened")

	defer func() {
		_ = conn.Close()
		s.untrack(id)
		s.metrics.ConnectionClosed()
		logger.Debug("Connection closed")
	}()

	ctx = dispatcher.ContextWithTransport(ctx, dispatcher.TransportTCP)
	ctx = logging.ContextWithSessionID(ctx, id)

	for {
		if s.config.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}
		frame, err := ReadFrame(conn)
		if err != nil {
			s.readFailed(ctx, logger, err)
			return
		}

		resp, ok := s.dispatcher.Dispatch(ctx, frame)
		if !ok {
			continue
		}
		if len(resp) > MaxFrameSize {
			s.metrics.FrameRejected("response_too_large")
			logger.Warn("Response exceeds frame limit", logging.Int("bytes", len(resp)))
			resp = tooLarge(frame, len(resp))
		}

		if s.config.WriteTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		}
		if err := WriteFrame(conn, resp); err != nil {
			if ctx.Err() == nil {
				logger.Warn("Failed to write response", logging.ErrorField(err))
			}
			return
		}
	}
}

// tooLarge answers request with an internal error in place of a response
// of size bytes.
func tooLarge(request []byte, size int) []byte {
	_, id, _ := protocol.Peek(request)
	data, _ := json.Marshal(protocol.NewErrorResponse(id, protocol.InternalError,
		fmt.Sprintf("Response of %d bytes exceeds the %d byte frame limit", size, MaxFrameSize), nil))
	return data
}

func (s *Server) readFailed(ctx context.Context, logger logging.Logger, err error) {
	switch {
	case errors.Is(err, ErrEmptyFrame):
		s.metrics.FrameRejected("empty")
		logger.Warn("Closing connection after empty frame")
	case errors.Is(err, ErrFrameTooLarge):
		s.metrics.FrameRejected("too_large")
		logger.Warn("Closing connection after oversized frame", logging.ErrorField(err))
	case errors.Is(err, io.EOF), ctx.Err() != nil, errors.Is(err, net.ErrClosed):
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			logger.Debug("Connection idle past read timeout")
			return
		}
		logger.Debug("Connection read failed", logging.ErrorField(err))
	}
}
