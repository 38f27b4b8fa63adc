package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "odin-term",
		Short: "Collaborative terminal-sharing server",
		Long: "odin-term multiplexes a tmux session over WebSocket to many viewers, " +
			"arbitrating input through a single-writer claim per session.",
		SilenceUsage: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newSessionsCmd())
	return root
}
