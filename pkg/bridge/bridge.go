// Package bridge connects a stdio MCP client to the host's TCP transport.
//
// Requests arrive as newline delimited JSON-RPC on stdin and are forwarded
// over one length-prefixed TCP connection; responses are written back to
// stdout. A broken upstream connection is redialled and the request retried
// up to RetryCount times, RetryTime apart, before the client gets an
// upstream-unavailable error.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/jsonrpc2"

	mcperrors "github.com/ajitpratap0/mcp-host-go/pkg/errors"
	"github.com/ajitpratap0/mcp-host-go/pkg/logging"
	"github.com/ajitpratap0/mcp-host-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-host-go/pkg/transport/tcp"
)

// Defaults
const (
	DefaultHost       = "localhost"
	DefaultPort       = 21088
	DefaultRetryCount = 15
	DefaultRetryTime  = 2 * time.Second

	dialTimeout = 5 * time.Second
)

// Config selects the upstream host and the retry policy.
type Config struct {
	Host       string
	Port       int
	RetryCount int
	RetryTime  time.Duration
}

// DialFunc opens the upstream connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Bridge forwards JSON-RPC between a stdio client and the TCP transport.
type Bridge struct {
	config Config
	logger logging.Logger
	clock  clockwork.Clock
	dial   DialFunc

	mu       sync.Mutex
	upstream *jsonrpc2.Conn
	down     *jsonrpc2.Conn
	dials    int
}

// Option configures a Bridge
type Option func(*Bridge)

// WithLogger sets the logger. It must not write to stdout.
func WithLogger(logger logging.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithClock drives retry delays from c
func WithClock(c clockwork.Clock) Option {
	return func(b *Bridge) {
		b.clock = c
	}
}

// WithDialer replaces the TCP dialer
func WithDialer(dial DialFunc) Option {
	return func(b *Bridge) {
		b.dial = dial
	}
}

// New creates a bridge. Zero config fields take the defaults.
func New(config Config, opts ...Option) *Bridge {
	if config.Host == "" {
		config.Host = DefaultHost
	}
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.RetryCount <= 0 {
		config.RetryCount = DefaultRetryCount
	}
	if config.RetryTime < 0 {
		config.RetryTime = 0
	}

	b := &Bridge{
		config: config,
		logger: logging.NewNop(),
		clock:  clockwork.NewRealClock(),
		dial:   (&net.Dialer{Timeout: dialTimeout}).DialContext,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.WithFields(logging.String("component", "bridge"))
	return b
}

// Addr is the upstream address.
func (b *Bridge) Addr() string {
	return net.JoinHostPort(b.config.Host, strconv.Itoa(b.config.Port))
}

// Dials returns how many upstream connections have been opened.
func (b *Bridge) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Serve bridges stdio until the client closes it or ctx is done. Requests
// still in flight at that point are abandoned.
func (b *Bridge) Serve(ctx context.Context, stdio io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg conc.WaitGroup
	handler := jsonrpc2.HandlerWithError(b.handle)
	down := jsonrpc2.NewConn(ctx, jsonrpc2.NewPlainObjectStream(stdio),
		handlerFunc(func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
			wg.Go(func() { handler.Handle(ctx, conn, req) })
		}),
		jsonrpc2.SetLogger(logging.StdLogger(b.logger, "stdio", logging.WarnLevel)))

	b.mu.Lock()
	b.down = down
	b.mu.Unlock()

	b.logger.Info("Bridge serving", logging.String("upstream", b.Addr()))
	select {
	case <-ctx.Done():
		_ = down.Close()
	case <-down.DisconnectNotify():
	}
	cancel()
	wg.Wait()

	b.mu.Lock()
	up := b.upstream
	b.upstream, b.down = nil, nil
	b.mu.Unlock()
	if up != nil {
		_ = up.Close()
	}
	b.logger.Info("Bridge stopped")
	return nil
}

type handlerFunc func(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request)

func (f handlerFunc) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	f(ctx, conn, req)
}

func (b *Bridge) handle(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	var params interface{}
	if req.Params != nil {
		params = req.Params
	}
	if req.Notif {
		b.notify(ctx, req.Method, params)
		return nil, nil
	}

	var result json.RawMessage
	if err := b.forward(ctx, req.Method, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// forward calls method upstream, redialling after transport failures.
// Errors answered by the host are returned as they are.
func (b *Bridge) forward(ctx context.Context, method string, params interface{}, result *json.RawMessage) error {
	logger := b.logger.WithFields(logging.String("method", method))
	var lastErr error
	for attempt := 1; attempt <= b.config.RetryCount; attempt++ {
		up, err := b.connection(ctx)
		if err == nil {
			err = up.Call(ctx, method, params, result)
			var rpcErr *jsonrpc2.Error
			if err == nil || errors.As(err, &rpcErr) {
				return err
			}
			b.drop(up)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		logger.Warn("Upstream request failed",
			logging.Int("attempt", attempt),
			logging.Int("max_attempts", b.config.RetryCount),
			logging.ErrorField(err))

		if attempt < b.config.RetryCount {
			select {
			case <-b.clock.After(b.config.RetryTime):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	mcpErr := mcperrors.UpstreamUnavailable(b.config.RetryCount, lastErr)
	logger.Error("Giving up on upstream", logging.ErrorField(lastErr))
	return &jsonrpc2.Error{Code: int64(mcpErr.Code()), Message: mcpErr.Message()}
}

// notify forwards a notification once; failures are logged and dropped.
func (b *Bridge) notify(ctx context.Context, method string, params interface{}) {
	up, err := b.connection(ctx)
	if err == nil {
		if err = up.Notify(ctx, method, params); err == nil {
			return
		}
		b.drop(up)
	}
	b.logger.Warn("Dropped notification",
		logging.String("method", method),
		logging.ErrorField(err))
}

// connection returns the live upstream connection, dialling one if needed.
func (b *Bridge) connection(ctx context.Context) (*jsonrpc2.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.upstream != nil {
		select {
		case <-b.upstream.DisconnectNotify():
			b.upstream = nil
		default:
			return b.upstream, nil
		}
	}

	addr := b.Addr()
	conn, err := b.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	b.dials++
	b.upstream = jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(conn, tcp.LengthPrefixCodec{}),
		jsonrpc2.HandlerWithError(b.fromUpstream),
		jsonrpc2.SetLogger(logging.StdLogger(b.logger, "upstream", logging.WarnLevel)))
	b.logger.Info("Connected to host", logging.String("addr", addr), logging.Int("dials", b.dials))
	return b.upstream, nil
}

func (b *Bridge) drop(up *jsonrpc2.Conn) {
	b.mu.Lock()
	if b.upstream == up {
		b.upstream = nil
	}
	b.mu.Unlock()
	_ = up.Close()
}

// fromUpstream relays host notifications to the client. The host never
// sends requests over TCP.
func (b *Bridge) fromUpstream(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	if !req.Notif {
		return nil, &jsonrpc2.Error{Code: int64(protocol.MethodNotFound), Message: "Method not found: " + req.Method}
	}
	b.mu.Lock()
	down := b.down
	b.mu.Unlock()
	if down == nil {
		return nil, nil
	}
	var params interface{}
	if req.Params != nil {
		params = req.Params
	}
	return nil, down.Notify(ctx, req.Method, params)
}

// Stdio joins the process's stdin and stdout. Closing it closes stdin only.
func Stdio() io.ReadWriteCloser {
	return stdio{}
}

type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdio) Close() error                { return os.Stdin.Close() }
