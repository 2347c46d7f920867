package server

import (
	"github.com/ajitpratap0/mcp-host-go/pkg/config"
	"github.com/ajitpratap0/mcp-host-go/pkg/transport/streamable"
	"github.com/ajitpratap0/mcp-host-go/pkg/transport/tcp"
)

// FromConfig translates loaded configuration into options. Disabled
// transports are left out.
func FromConfig(c config.Config) []Option {
	opts := []Option{
		WithName(c.Server.Name),
		WithVersion(c.Server.Version),
		WithListPageSize(c.Server.ListPageSize),
		WithRestartDelay(c.Server.RestartDelay),
	}
	if c.TCP.Enabled {
		opts = append(opts, WithTCP(tcp.Config{
			Host:         c.TCP.Host,
			Port:         c.TCP.Port,
			Backlog:      c.TCP.Backlog,
			ReadTimeout:  c.TCP.ReadTimeout,
			WriteTimeout: c.TCP.WriteTimeout,
		}))
	}
	if c.HTTP.Enabled {
		opts = append(opts, WithHTTP(streamable.Config{
			Host:              c.HTTP.Host,
			Port:              c.HTTP.Port,
			KeepAliveInterval: c.HTTP.KeepAliveInterval,
			SessionTimeout:    c.HTTP.SessionTimeout,
			SweepInterval:     c.HTTP.SweepInterval,
			AllowedOrigins:    c.HTTP.AllowedOrigins,
			ExposeMetrics:     c.Metrics.Enabled,
		}))
	}
	return opts
}
