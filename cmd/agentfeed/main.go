// agentfeed - follow a coding agent's event feed from the terminal.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var configDir string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentfeed",
	Short: "Subscribe to a coding agent's event feed",
	Long: `agentfeed - subscribe to a coding agent's event feed.

Events are read over the direct SSE stream, a WebSocket, or a host relay
and printed to stdout as JSON lines. Logs go to stderr.

Configuration is read from <config>/config.yml and <config>/config.local.yml.

Environment:
  AGENTFEED_TOKEN       Access token (default for --token)
  AGENTFEED_TRANSPORT   direct, websocket or relayed
  AGENTFEED_BASE_URL    Agent base URL for the direct transport
  AGENTFEED_LOG_LEVEL   debug, info, warn or error`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "agentfeed", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configDir, "config", "c", "config",
		"Configuration directory")

	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(versionCmd)
}
