package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ajitpratap0/mcp-host-go/pkg/config"
	"github.com/ajitpratap0/mcp-host-go/pkg/logging"
)

const shutdownTimeout = 10 * time.Second

type serveCommand struct {
	v          *viper.Viper
	configPath string
	watch      bool
	demo       bool
}

func newServeCommand() *cobra.Command {
	c := &serveCommand{v: config.NewViper()}
	c.v.SetDefault(config.KeyServerVersion, version)
	return c.command()
}

func (c *serveCommand) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the host on the TCP and HTTP transports",
		Long: `Run the host until interrupted. Settings come from defaults, the
optional --config file, MCPHOST_* environment variables and flags, in
increasing precedence. With --watch the config file is re-read whenever
it changes and the host restarted with the new settings.`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if c.watch && c.configPath == "" {
				return errors.New("--watch requires --config")
			}
			return nil
		},
		RunE: c.run,
	}

	flags := cmd.Flags()
	flags.StringVarP(&c.configPath, "config", "c", "", "config file (yaml, json or toml)")
	flags.BoolVar(&c.watch, "watch", false, "restart when the config file changes")
	flags.BoolVar(&c.demo, "demo", false, "register the demo capabilities (echo, sleep, currentTime, greeting, host://info)")
	flags.String("tcp-host", "127.0.0.1", "TCP transport listen host")
	flags.Int("tcp-port", config.DefaultTCPPort, "TCP transport port")
	flags.String("http-host", "127.0.0.1", "HTTP transport listen host")
	flags.Int("http-port", config.DefaultHTTPPort, "HTTP transport port")
	flags.String("log-level", "info", "log level: debug, info, warn, error or off")
	flags.String("log-format", "text", "log format: text or json")
	flags.BoolP("verbose", "v", false, "log at debug level")
	flags.Bool("metrics", false, "expose Prometheus metrics at /metrics on the HTTP transport")

	mustBindFlag(c.v, config.KeyTCPHost, flags.Lookup("tcp-host"))
	mustBindFlag(c.v, config.KeyTCPPort, flags.Lookup("tcp-port"))
	mustBindFlag(c.v, config.KeyHTTPHost, flags.Lookup("http-host"))
	mustBindFlag(c.v, config.KeyHTTPPort, flags.Lookup("http-port"))
	mustBindFlag(c.v, config.KeyLogLevel, flags.Lookup("log-level"))
	mustBindFlag(c.v, config.KeyLogFormat, flags.Lookup("log-format"))
	mustBindFlag(c.v, config.KeyLogVerbose, flags.Lookup("verbose"))
	mustBindFlag(c.v, config.KeyMetricsEnabled, flags.Lookup("metrics"))
	return cmd
}

// load merges the config file, if any, and validates the result. It is
// called again on every watched change.
func (c *serveCommand) load() (config.Config, error) {
	if c.configPath != "" {
		if err := config.ReadFile(c.v, c.configPath); err != nil {
			return config.Config{}, err
		}
	}
	return config.Load(c.v)
}

func (c *serveCommand) run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := c.load()
	if err != nil {
		return err
	}
	logger := logging.New(cmd.ErrOrStderr(), cfg.Formatter())
	logger.SetLevel(cfg.LogLevel())

	h := &host{logger: logger, demo: c.demo}
	if err := h.start(ctx, cfg); err != nil {
		return err
	}

	var changes <-chan struct{}
	if c.watch {
		changes, err = config.Watch(ctx, c.configPath, logger)
		if err != nil {
			_ = c.shutdown(ctx, h)
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return c.shutdown(ctx, h)
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			c.reload(ctx, h)
		}
	}
}

// reload keeps the running host when the changed file does not load.
func (c *serveCommand) reload(ctx context.Context, h *host) {
	cfg, err := c.load()
	if err != nil {
		h.logger.Error("Config reload rejected", logging.ErrorField(err))
		return
	}

	reloadCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := h.reload(reloadCtx, ctx, cfg); err != nil {
		h.logger.Error("Host reload failed", logging.ErrorField(err))
	}
}

func (c *serveCommand) shutdown(ctx context.Context, h *host) error {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return h.stop(stopCtx)
}
