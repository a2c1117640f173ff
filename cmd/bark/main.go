// ABOUTME: Entry point for the bark CLI
// ABOUTME: Root command wiring, logging setup and signal contexts
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haileys/bark/internal/config"
	"github.com/haileys/bark/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bark: %v\n", err)
		return 1
	}
	defer closeLogFile()
	if err := rootCommand(cfg).Execute(); err != nil {
		return 1
	}
	return 0
}

// commonOpts are the flags every networked subcommand shares.
type commonOpts struct {
	group string
	iface string
}

func rootCommand(cfg config.Config) *cobra.Command {
	opts := &commonOpts{}
	var logPath string

	root := &cobra.Command{
		Use:               version.Product,
		Short:             "Synchronised multicast audio streaming on the LAN",
		Version:           version.Version,
		SilenceUsage:      true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(logPath)
		},
	}
	root.PersistentFlags().StringVarP(&opts.group, "multicast", "m", cfg.Multicast,
		"multicast group address including port, eg. 239.255.77.77:1530")
	root.PersistentFlags().StringVar(&opts.iface, "interface", cfg.Interface,
		"network interface to join the group on (empty for the system default)")
	root.PersistentFlags().StringVar(&logPath, "log-file", "", "append logs to this file")

	root.AddCommand(newStreamCmd(cfg, opts))
	root.AddCommand(newReceiveCmd(cfg, opts))
	root.AddCommand(newStatsCmd(opts))
	root.AddCommand(newDiscoverCmd())
	return root
}

var logFile *os.File

// setupLogging directs the standard logger. With a log file, output
// goes to both stdout and the file.
func setupLogging(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	logFile = f
	log.SetOutput(io.MultiWriter(os.Stdout, f))
	return nil
}

// quietLogs reroutes logging away from the terminal so TUI frames stay
// clean. Logs still reach the file when one is configured.
func quietLogs() {
	if logFile != nil {
		log.SetOutput(logFile)
		return
	}
	log.SetOutput(io.Discard)
}

func closeLogFile() {
	if logFile != nil {
		logFile.Close()
	}
}

// signalContext derives a context cancelled by SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}
