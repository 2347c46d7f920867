package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ajitpratap0/mcp-host-go/pkg/bridge"
	"github.com/ajitpratap0/mcp-host-go/pkg/config"
	"github.com/ajitpratap0/mcp-host-go/pkg/logging"
)

// Bridge keys, read from flags and MCPHOST_BRIDGE_* variables.
const (
	keyBridgeHost       = "bridge.host"
	keyBridgePort       = "bridge.port"
	keyBridgeRetryCount = "bridge.retry_count"
	keyBridgeRetryTime  = "bridge.retry_time"
	keyBridgeVerbose    = "bridge.verbose"
	keyBridgeQuiet      = "bridge.quiet"
	keyBridgeLogFile    = "bridge.log_file"
)

func newBridgeCommand() *cobra.Command {
	return bridgeCommand(config.NewViper())
}

func bridgeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Connect a stdio MCP client to a running host",
		Long: `Read newline delimited JSON-RPC from stdin, forward it to the host's TCP
transport and write the responses to stdout. Logs go to stderr or
--log-file, never to stdout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(cmd, v)
		},
	}

	flags := cmd.Flags()
	flags.String("host", bridge.DefaultHost, "host running the TCP transport")
	flags.Int("port", bridge.DefaultPort, "TCP transport port")
	flags.Int("retry-count", bridge.DefaultRetryCount, "attempts per request before giving up")
	flags.Duration("retry-time", bridge.DefaultRetryTime, "delay between attempts")
	flags.BoolP("verbose", "v", false, "log at debug level")
	flags.BoolP("quiet", "q", false, "log warnings and errors only")
	flags.String("log-file", "", "append logs to this file instead of stderr")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	mustBindFlag(v, keyBridgeHost, flags.Lookup("host"))
	mustBindFlag(v, keyBridgePort, flags.Lookup("port"))
	mustBindFlag(v, keyBridgeRetryCount, flags.Lookup("retry-count"))
	mustBindFlag(v, keyBridgeRetryTime, flags.Lookup("retry-time"))
	mustBindFlag(v, keyBridgeVerbose, flags.Lookup("verbose"))
	mustBindFlag(v, keyBridgeQuiet, flags.Lookup("quiet"))
	mustBindFlag(v, keyBridgeLogFile, flags.Lookup("log-file"))
	return cmd
}

func bridgeConfig(v *viper.Viper) bridge.Config {
	return bridge.Config{
		Host:       v.GetString(keyBridgeHost),
		Port:       v.GetInt(keyBridgePort),
		RetryCount: v.GetInt(keyBridgeRetryCount),
		RetryTime:  v.GetDuration(keyBridgeRetryTime),
	}
}

func bridgeLogLevel(v *viper.Viper) logging.Level {
	switch {
	case v.GetBool(keyBridgeVerbose):
		return logging.DebugLevel
	case v.GetBool(keyBridgeQuiet):
		return logging.WarnLevel
	}
	return logging.InfoLevel
}

func runBridge(cmd *cobra.Command, v *viper.Viper) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	out := cmd.ErrOrStderr()
	if path := v.GetString(keyBridgeLogFile); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		out = f
	}
	logger := logging.New(out, logging.NewTextFormatter())
	logger.SetLevel(bridgeLogLevel(v))

	b := bridge.New(bridgeConfig(v), bridge.WithLogger(logger))
	return b.Serve(ctx, stdio(cmd))
}

// stdio is the process's stdio unless the command's streams were
// replaced.
func stdio(cmd *cobra.Command) io.ReadWriteCloser {
	in, out := cmd.InOrStdin(), cmd.OutOrStdout()
	if in == os.Stdin && out == os.Stdout {
		return bridge.Stdio()
	}
	return streams{Reader: in, Writer: out}
}

type streams struct {
	io.Reader
	io.Writer
}

func (s streams) Close() error {
	if c, ok := s.Reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
