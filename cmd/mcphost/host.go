package main

import (
	"context"
	"fmt"
	"reflect"

	"github.com/hashicorp/go-multierror"

	"github.com/ajitpratap0/mcp-host-go/examples/shared"
	"github.com/ajitpratap0/mcp-host-go/pkg/config"
	"github.com/ajitpratap0/mcp-host-go/pkg/logging"
	"github.com/ajitpratap0/mcp-host-go/pkg/observability"
	"github.com/ajitpratap0/mcp-host-go/pkg/registry"
	"github.com/ajitpratap0/mcp-host-go/pkg/server"
)

// host owns the running server and the observability it was built with.
type host struct {
	logger logging.Logger
	demo   bool

	cfg     config.Config
	srv     *server.Server
	tracing *observability.TracingProvider
}

func (h *host) capabilities(cfg config.Config) []registry.Record {
	if !h.demo {
		return nil
	}
	return shared.Capabilities(cfg.Server.Name, cfg.Server.Version)
}

// start builds a server from cfg and starts it for the lifetime of ctx.
func (h *host) start(ctx context.Context, cfg config.Config) error {
	tp, err := observability.NewTracingProvider(cfg.TracingProviderConfig())
	if err != nil {
		return fmt.Errorf("failed to create tracing provider: %w", err)
	}

	opts := append(server.FromConfig(cfg),
		server.WithLogger(h.logger),
		server.WithTracing(tp),
		server.WithCapabilities(h.capabilities(cfg)...))
	if cfg.Metrics.Enabled {
		m, err := observability.NewMetrics(observability.MetricsConfig{})
		if err != nil {
			_ = tp.Shutdown(context.Background())
			return fmt.Errorf("failed to create metrics: %w", err)
		}
		opts = append(opts, server.WithMetrics(m))
	}

	srv := server.New(opts...)
	if err := srv.Start(ctx); err != nil {
		_ = tp.Shutdown(context.Background())
		return err
	}
	h.cfg, h.srv, h.tracing = cfg, srv, tp

	fields := []logging.Field{logging.String("name", cfg.Server.Name), logging.String("version", cfg.Server.Version)}
	if addr := srv.TCPAddr(); addr != nil {
		fields = append(fields, logging.String("tcp", addr.String()))
	}
	if addr := srv.HTTPAddr(); addr != nil {
		fields = append(fields, logging.String("http", addr.String()))
	}
	h.logger.Info("Host started", fields...)
	return nil
}

func (h *host) stop(ctx context.Context) error {
	if h.srv == nil {
		return nil
	}
	var result *multierror.Error
	result = multierror.Append(result, h.srv.Stop(ctx))
	result = multierror.Append(result, h.tracing.Shutdown(ctx))
	h.srv, h.tracing = nil, nil
	return result.ErrorOrNil()
}

// reload applies cfg. Log settings are applied in place. When nothing
// else changed the server goes through its reload hooks and keeps its
// identity; otherwise it is replaced by one built from cfg. base is the
// lifetime of the replacement. The log format is fixed at startup.
func (h *host) reload(ctx, base context.Context, cfg config.Config) error {
	h.logger.SetLevel(cfg.LogLevel())
	if h.srv != nil && sameServer(h.cfg, cfg) {
		if err := h.srv.BeforeReload(ctx); err != nil {
			h.logger.Warn("Stop before reload failed", logging.ErrorField(err))
		}
		if err := h.srv.AfterReload(ctx, h.capabilities(cfg)); err != nil {
			return err
		}
		h.cfg = cfg
		return nil
	}

	h.logger.Info("Server settings changed, rebuilding")
	if err := h.stop(ctx); err != nil {
		h.logger.Warn("Stop before rebuild failed", logging.ErrorField(err))
	}
	return h.start(base, cfg)
}

func sameServer(a, b config.Config) bool {
	a.Log, b.Log = config.LogConfig{}, config.LogConfig{}
	return reflect.DeepEqual(a, b)
}
