// ABOUTME: bark stream subcommand, reads an input and feeds the group
// ABOUTME: Advertises the stream over mDNS while it runs
package main

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/haileys/bark/internal/audio"
	"github.com/haileys/bark/internal/config"
	"github.com/haileys/bark/internal/discovery"
	"github.com/haileys/bark/internal/protocol"
	"github.com/haileys/bark/internal/socket"
	"github.com/haileys/bark/internal/source"
	"github.com/haileys/bark/internal/stats"
)

func newStreamCmd(cfg config.Config, opts *commonOpts) *cobra.Command {
	var (
		format  = cfg.Source.Format
		delayMS = cfg.Source.DelayMS
		name    string
		noMDNS  bool
	)

	cmd := &cobra.Command{
		Use:   "stream [input]",
		Short: "Stream audio to the group",
		Long: `Stream reads audio and sends it to the multicast group. With no
input argument it plays a test tone.

Inputs:
  *.mp3 / *.flac     local file, looped at EOF
  http:// https://   MP3 stream
  -                  raw s16le 48kHz stereo on stdin
  tone, tone:<hz>    sine wave`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			input := cfg.Source.Input
			if len(args) > 0 {
				input = args[0]
			}
			if input == "" {
				input = "tone"
			}

			groupAddr, err := socket.ParseGroup(opts.group)
			if err != nil {
				return err
			}
			enc, err := protocol.ParseEncoding(format)
			if err != nil {
				return err
			}

			in, err := audio.NewSource(input)
			if err != nil {
				return err
			}
			defer in.Close()

			sock, err := socket.Open(groupAddr, opts.iface)
			if err != nil {
				return err
			}

			src, err := source.New(sock, source.Config{
				Format:      protocol.StreamFormat(enc),
				OutputDelay: time.Duration(delayMS) * time.Millisecond,
				Node:        stats.LocalNode(),
			})
			if err != nil {
				sock.Close()
				return err
			}

			if !noMDNS {
				adv, err := discovery.Advertise(name, groupAddr)
				if err != nil {
					log.Printf("mdns advertise: %v", err)
				} else {
					defer adv.Close()
				}
			}

			err = src.Run(ctx, in)
			switch {
			case errors.Is(err, context.Canceled):
				return nil
			case errors.Is(err, source.ErrYielded):
				log.Printf("another source took the group, stopping")
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&format, "format", format, "packet encoding: f32le, s16le or opus")
	cmd.Flags().UintVar(&delayMS, "delay-ms", delayMS, "presentation delay added to capture time")
	cmd.Flags().StringVar(&name, "name", "", "mDNS instance name (empty generates one)")
	cmd.Flags().BoolVar(&noMDNS, "no-mdns", false, "do not advertise the stream over mDNS")
	return cmd
}
