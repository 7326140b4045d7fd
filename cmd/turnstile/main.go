// Command turnstile runs the streaming turn orchestrator: it bridges chat
// platforms to a model endpoint, mediating turn execution, tool approvals,
// and session continuity.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "turnstile",
		Short: "Streaming turn orchestrator for chat-driven coding agents",
		Long: `Turnstile connects chat platforms (Telegram, Slack, HTTP) to a model
endpoint that streams turn execution. It serializes turns per thread,
mediates tool approvals, and keeps conversational continuity across
process restarts.`,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("turnstile %s (%s)\n", version, commit)
		},
	}
}
