// Package cmd wires the pagemate binaries: the agent server and a
// small terminal client for talking to it.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pagemate",
	Short: "pagemate - conversational assistant for the website",
	Long: `pagemate runs the orchestration layer behind the website's chat
assistant: it streams model output, executes server-side tools, and
serves the event stream the page client consumes.

Run "pagemate serve" to start the agent server, or "pagemate ask" to
talk to a running server from the terminal.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
