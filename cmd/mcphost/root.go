package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcphost",
		Short: "An MCP host serving tools, prompts and resources",
		Long: `mcphost serves registered tools, prompts and resources over the Model
Context Protocol on a length-prefixed TCP transport and the streamable
HTTP transport. The bridge subcommand connects stdio-only clients to the
TCP transport.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newBridgeCommand())
	root.AddCommand(newVersionCommand())
	return root
}

// mustBindFlag makes flag the highest precedence source for key. Flags are
// declared next to the bind call, so a missing one is a programming error.
func mustBindFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}
