package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"odin-term/internal/audit"
	"odin-term/internal/config"
	"odin-term/internal/metrics"
	"odin-term/internal/session"
)

func noopLogger() *zap.Logger { return zap.NewNop() }

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage multiplexer sessions",
	}
	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsGCCmd())
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions known to the multiplexer and their claim state",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := openRegistry()
			if err != nil {
				return err
			}
			summaries, err := registry.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			printSessions(summaries)
			return nil
		},
	}
}

func newSessionsGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Shut down hubs whose session vanished from the multiplexer",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := openRegistry()
			if err != nil {
				return err
			}
			reaped, err := registry.Gc(cmd.Context())
			if err != nil {
				return fmt.Errorf("gc: %w", err)
			}
			fmt.Printf("reaped %d hub(s)\n", reaped)
			return nil
		},
	}
}

// openRegistry builds a SessionRegistry against the configured
// multiplexer for one-shot CLI inspection; it attaches no transport.
// The registry starts with no resident hubs and does not reach a running
// server's hubs, so `sessions list` reports every session unclaimed with
// no viewers and `sessions gc` has no hub to reap.
func openRegistry() (*session.SessionRegistry, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	mux := buildMultiplexer(cfg.Multiplexer)
	metricsRegistry := metrics.NewRegistry()
	return session.NewSessionRegistry(mux, cfg.Session.ToSessionConfig(), metricsRegistry, audit.NoopSink{}, noopLogger()), nil
}

// printSessions renders a column-aligned table when stdout is a
// terminal, and tab-separated fields otherwise so the output stays easy
// to pipe into cut/awk.
func printSessions(summaries []session.SessionSummary) {
	var w io.Writer = os.Stdout
	if isatty.IsTerminal(os.Stdout.Fd()) {
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		defer tw.Flush()
		fmt.Fprintln(tw, "NAME\tWINDOWS\tSIZE\tVIEWERS\tLOCK\tEXPIRES")
		w = tw
	}
	for _, s := range summaries {
		lock := "-"
		expires := "-"
		if s.ClaimHeld {
			lock = s.HolderName
			expires = s.ExpiresAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%d\t%dx%d\t%d\t%s\t%s\n",
			s.Name, s.WindowCount, s.Width, s.Height, s.ViewerCount, lock, expires)
	}
}
