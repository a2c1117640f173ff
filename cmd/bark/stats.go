// ABOUTME: bark stats subcommand, polls the group and renders replies
// ABOUTME: Live bubbletea table by default, one-shot print with --once
package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/haileys/bark/internal/socket"
	"github.com/haileys/bark/internal/stats"
)

func newStatsCmd(opts *commonOpts) *cobra.Command {
	var (
		once bool
		wait time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show live stats for every node on the group",
		Long: `Stats broadcasts requests on the group and renders the replies from
every source and receiver in a live table. With --once it collects for
the wait window and prints a single snapshot.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			groupAddr, err := socket.ParseGroup(opts.group)
			if err != nil {
				return err
			}
			poller, err := stats.NewPoller(groupAddr)
			if err != nil {
				return err
			}
			defer poller.Close()

			if once {
				return stats.Print(ctx, poller, wait, os.Stdout)
			}
			quietLogs()
			err = stats.RunTUI(ctx, poller)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "print one snapshot and exit")
	cmd.Flags().DurationVar(&wait, "wait", time.Second, "collection window for --once")
	return cmd
}
