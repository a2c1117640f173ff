// ABOUTME: bark receive subcommand, plays the group's stream
// ABOUTME: Runs the playout engine, a metrics endpoint and the sink
package main

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/haileys/bark/internal/audio"
	"github.com/haileys/bark/internal/config"
	"github.com/haileys/bark/internal/discovery"
	"github.com/haileys/bark/internal/receive"
	"github.com/haileys/bark/internal/socket"
	"github.com/haileys/bark/internal/stats"
)

func newReceiveCmd(cfg config.Config, opts *commonOpts) *cobra.Command {
	var (
		bufferMS      = cfg.Receive.Output.BufferMS
		metricsListen = cfg.Metrics.Listen
		useMDNS       bool
	)

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive the group's stream and play it",
		Long: `Receive joins the multicast group, locks onto the current stream and
plays it through the default output device. Playback across receivers
is synchronised to the source clock.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			var groupAddr *net.UDPAddr
			var err error
			if useMDNS {
				groupAddr, err = discovery.ResolveGroup()
			} else {
				groupAddr, err = socket.ParseGroup(opts.group)
			}
			if err != nil {
				return err
			}

			sock, err := socket.Open(groupAddr, opts.iface)
			if err != nil {
				return err
			}

			sink := audio.NewOtoSink(time.Duration(bufferMS) * time.Millisecond)
			rx := receive.New(sock, receive.Config{
				Node: stats.LocalNode(),
				Session: receive.SessionConfig{
					Engine: receive.EngineConfig{
						DeviceLatencyMicros: int64(sink.Latency().Micros()),
					},
				},
			})

			if err := sink.Start(rx.Fill); err != nil {
				sock.Close()
				return err
			}
			defer sink.Close()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return rx.Run(ctx) })
			if metricsListen != "" {
				srv := stats.NewServer(stats.ServerConfig{Listen: metricsListen}, func() (stats.Snapshot, bool) {
					s := rx.Session()
					if s == nil {
						return stats.Snapshot{}, false
					}
					return stats.NewSnapshot(s.SID(), s.Stats().Snapshot()), true
				})
				g.Go(func() error { return srv.Run(ctx) })
			}

			if err := g.Wait(); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().UintVar(&bufferMS, "buffer-ms", bufferMS, "output device buffer")
	cmd.Flags().StringVar(&metricsListen, "metrics", metricsListen,
		"listen address for the metrics endpoint (empty disables)")
	cmd.Flags().BoolVar(&useMDNS, "discover", false,
		"resolve the group from an mDNS-advertised source instead of --multicast")
	return cmd
}
