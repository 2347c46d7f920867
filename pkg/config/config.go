// Package config loads host settings from defaults, an optional config file
// and MCPHOST_* environment variables, in increasing precedence.
//
// Keys are dotted ("tcp.port"); the matching environment variable replaces
// dots with underscores ("MCPHOST_TCP_PORT"). Durations are given in
// seconds.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ajitpratap0/mcp-host-go/pkg/logging"
	"github.com/ajitpratap0/mcp-host-go/pkg/observability"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "MCPHOST"

// Keys
const (
	KeyServerName         = "server.name"
	KeyServerVersion      = "server.version"
	KeyServerPageSize     = "server.list_page_size"
	KeyServerRestartDelay = "server.restart_delay"

	KeyTCPEnabled      = "tcp.enabled"
	KeyTCPHost         = "tcp.host"
	KeyTCPPort         = "tcp.port"
	KeyTCPBacklog      = "tcp.backlog"
	KeyTCPReadTimeout  = "tcp.read_timeout"
	KeyTCPWriteTimeout = "tcp.write_timeout"

	KeyHTTPEnabled           = "http.enabled"
	KeyHTTPHost              = "http.host"
	KeyHTTPPort              = "http.port"
	KeyHTTPSessionTimeout    = "http.session_timeout"
	KeyHTTPKeepAliveInterval = "http.keepalive_interval"
	KeyHTTPSweepInterval     = "http.sweep_interval"
	KeyHTTPAllowedOrigins    = "http.allowed_origins"

	KeyLogLevel   = "log.level"
	KeyLogFormat  = "log.format"
	KeyLogVerbose = "log.verbose"

	KeyMetricsEnabled = "metrics.enabled"

	KeyTracingExporter   = "tracing.exporter"
	KeyTracingEndpoint   = "tracing.endpoint"
	KeyTracingInsecure   = "tracing.insecure"
	KeyTracingSampleRate = "tracing.sample_rate"
)

// Default ports
const (
	DefaultTCPPort  = 21088
	DefaultHTTPPort = 21089
)

// ServerConfig names the host and tunes its lifecycle.
type ServerConfig struct {
	Name         string
	Version      string
	ListPageSize int
	RestartDelay time.Duration
}

// TCPConfig configures the length-prefixed TCP transport.
type TCPConfig struct {
	Enabled      bool
	Host         string
	Port         int
	Backlog      int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// HTTPConfig configures the streamable HTTP transport.
type HTTPConfig struct {
	Enabled bool
	Host    string
	Port    int

	// SessionTimeout of zero keeps idle sessions forever.
	SessionTimeout    time.Duration
	KeepAliveInterval time.Duration
	SweepInterval     time.Duration
	AllowedOrigins    []string
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level   string
	Format  string
	Verbose bool
}

// MetricsConfig toggles the Prometheus endpoint on the HTTP transport.
type MetricsConfig struct {
	Enabled bool
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Exporter   string
	Endpoint   string
	Insecure   bool
	SampleRate float64
}

// Config is the complete host configuration.
type Config struct {
	Server  ServerConfig
	TCP     TCPConfig
	HTTP    HTTPConfig
	Log     LogConfig
	Metrics MetricsConfig
	Tracing TracingConfig
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Name:         "mcphost",
			Version:      "dev",
			ListPageSize: 50,
			RestartDelay: 500 * time.Millisecond,
		},
		TCP: TCPConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    DefaultTCPPort,
			Backlog: 128,
		},
		HTTP: HTTPConfig{
			Enabled:           true,
			Host:              "127.0.0.1",
			Port:              DefaultHTTPPort,
			SessionTimeout:    0,
			KeepAliveInterval: 30 * time.Second,
			SweepInterval:     30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Exporter:   string(observability.ExporterTypeNone),
			SampleRate: 1.0,
		},
	}
}

// NewViper returns a viper instance with the defaults registered and
// environment lookup enabled.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers Default() under every key.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault(KeyServerName, d.Server.Name)
	v.SetDefault(KeyServerVersion, d.Server.Version)
	v.SetDefault(KeyServerPageSize, d.Server.ListPageSize)
	v.SetDefault(KeyServerRestartDelay, d.Server.RestartDelay.Seconds())

	v.SetDefault(KeyTCPEnabled, d.TCP.Enabled)
	v.SetDefault(KeyTCPHost, d.TCP.Host)
	v.SetDefault(KeyTCPPort, d.TCP.Port)
	v.SetDefault(KeyTCPBacklog, d.TCP.Backlog)
	v.SetDefault(KeyTCPReadTimeout, d.TCP.ReadTimeout.Seconds())
	v.SetDefault(KeyTCPWriteTimeout, d.TCP.WriteTimeout.Seconds())

	v.SetDefault(KeyHTTPEnabled, d.HTTP.Enabled)
	v.SetDefault(KeyHTTPHost, d.HTTP.Host)
	v.SetDefault(KeyHTTPPort, d.HTTP.Port)
	v.SetDefault(KeyHTTPSessionTimeout, d.HTTP.SessionTimeout.Seconds())
	v.SetDefault(KeyHTTPKeepAliveInterval, d.HTTP.KeepAliveInterval.Seconds())
	v.SetDefault(KeyHTTPSweepInterval, d.HTTP.SweepInterval.Seconds())
	v.SetDefault(KeyHTTPAllowedOrigins, []string{})

	v.SetDefault(KeyLogLevel, d.Log.Level)
	v.SetDefault(KeyLogFormat, d.Log.Format)
	v.SetDefault(KeyLogVerbose, d.Log.Verbose)

	v.SetDefault(KeyMetricsEnabled, d.Metrics.Enabled)

	v.SetDefault(KeyTracingExporter, d.Tracing.Exporter)
	v.SetDefault(KeyTracingEndpoint, d.Tracing.Endpoint)
	v.SetDefault(KeyTracingInsecure, d.Tracing.Insecure)
	v.SetDefault(KeyTracingSampleRate, d.Tracing.SampleRate)
}

// ReadFile merges a yaml, json or toml file into v. The format follows the
// file extension.
func ReadFile(v *viper.Viper, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config file %q: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config file %q is a directory", path)
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	return nil
}

// Load reads every key from v and validates the result.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Name:         strings.TrimSpace(v.GetString(KeyServerName)),
			Version:      strings.TrimSpace(v.GetString(KeyServerVersion)),
			ListPageSize: v.GetInt(KeyServerPageSize),
			RestartDelay: seconds(v, KeyServerRestartDelay),
		},
		TCP: TCPConfig{
			Enabled:      v.GetBool(KeyTCPEnabled),
			Host:         strings.TrimSpace(v.GetString(KeyTCPHost)),
			Port:         v.GetInt(KeyTCPPort),
			Backlog:      v.GetInt(KeyTCPBacklog),
			ReadTimeout:  seconds(v, KeyTCPReadTimeout),
			WriteTimeout: seconds(v, KeyTCPWriteTimeout),
		},
		HTTP: HTTPConfig{
			Enabled:           v.GetBool(KeyHTTPEnabled),
			Host:              strings.TrimSpace(v.GetString(KeyHTTPHost)),
			Port:              v.GetInt(KeyHTTPPort),
			SessionTimeout:    seconds(v, KeyHTTPSessionTimeout),
			KeepAliveInterval: seconds(v, KeyHTTPKeepAliveInterval),
			SweepInterval:     seconds(v, KeyHTTPSweepInterval),
			AllowedOrigins:    splitList(v.GetStringSlice(KeyHTTPAllowedOrigins)),
		},
		Log: LogConfig{
			Level:   strings.TrimSpace(v.GetString(KeyLogLevel)),
			Format:  strings.TrimSpace(v.GetString(KeyLogFormat)),
			Verbose: v.GetBool(KeyLogVerbose),
		},
		Metrics: MetricsConfig{
			Enabled: v.GetBool(KeyMetricsEnabled),
		},
		Tracing: TracingConfig{
			Exporter:   strings.TrimSpace(v.GetString(KeyTracingExporter)),
			Endpoint:   strings.TrimSpace(v.GetString(KeyTracingEndpoint)),
			Insecure:   v.GetBool(KeyTracingInsecure),
			SampleRate: v.GetFloat64(KeyTracingSampleRate),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func seconds(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetFloat64(key) * float64(time.Second))
}

// splitList accepts both list values and a single comma separated string,
// which is how lists arrive from the environment.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if !c.TCP.Enabled && !c.HTTP.Enabled {
		errs = append(errs, errors.New("at least one of tcp.enabled and http.enabled must be true"))
	}
	if c.TCP.Enabled {
		errs = append(errs, validPort(KeyTCPPort, c.TCP.Port))
		if c.TCP.Backlog < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", KeyTCPBacklog))
		}
		if c.TCP.ReadTimeout < 0 || c.TCP.WriteTimeout < 0 {
			errs = append(errs, errors.New("tcp timeouts must not be negative"))
		}
	}
	if c.HTTP.Enabled {
		errs = append(errs, validPort(KeyHTTPPort, c.HTTP.Port))
		if c.HTTP.SessionTimeout < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", KeyHTTPSessionTimeout))
		}
	}
	if c.TCP.Enabled && c.HTTP.Enabled && c.TCP.Port != 0 && c.TCP.Port == c.HTTP.Port && c.TCP.Host == c.HTTP.Host {
		errs = append(errs, fmt.Errorf("tcp and http cannot share %s:%d", c.TCP.Host, c.TCP.Port))
	}
	if c.Server.ListPageSize < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyServerPageSize))
	}
	if c.Server.RestartDelay < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyServerRestartDelay))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", KeyLogLevel, err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("%s must be text or json, got %q", KeyLogFormat, c.Log.Format))
	}
	if _, err := observability.ParseExporterType(c.Tracing.Exporter); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", KeyTracingExporter, err))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("%s must be within [0, 1]", KeyTracingSampleRate))
	}
	return errors.Join(errs...)
}

func validPort(key string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s out of range: %d", key, port)
	}
	return nil
}

// LogLevel resolves the effective level; Verbose forces debug.
func (c Config) LogLevel() logging.Level {
	if c.Log.Verbose {
		return logging.DebugLevel
	}
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return logging.InfoLevel
	}
	return level
}

// Formatter returns the log formatter named by log.format.
func (c Config) Formatter() logging.Formatter {
	if c.Log.Format == "json" {
		return logging.NewJSONFormatter()
	}
	return logging.NewTextFormatter()
}

// TracingProviderConfig maps the tracing section onto the provider config.
func (c Config) TracingProviderConfig() observability.TracingConfig {
	exporter, _ := observability.ParseExporterType(c.Tracing.Exporter)
	return observability.TracingConfig{
		ServiceName:    c.Server.Name,
		ServiceVersion: c.Server.Version,
		ExporterType:   exporter,
		Endpoint:       c.Tracing.Endpoint,
		Insecure:       c.Tracing.Insecure,
		SampleRate:     c.Tracing.SampleRate,
	}
}
