// ABOUTME: bark discover subcommand, lists mDNS-advertised sources
// ABOUTME: One browse round, one line per source
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/haileys/bark/internal/discovery"
)

func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "List stream sources advertising on the LAN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, err := discovery.Browse()
			if err != nil {
				return err
			}
			if len(sources) == 0 {
				fmt.Println("no sources found")
				return nil
			}
			w := os.Stdout
			fmt.Fprintf(w, "%-24s  %-21s  %s\n", "INSTANCE", "HOST", "GROUP")
			for _, s := range sources {
				host := fmt.Sprintf("%s:%d", s.Host, s.Port)
				fmt.Fprintf(w, "%-24s  %-21s  %s\n", s.Instance, host, s.Group)
			}
			return nil
		},
	}
}
