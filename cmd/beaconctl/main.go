// Command beaconctl is a small operator CLI for a running Beacon server:
// lock/unlock resources, fetch or write configuration files, list a
// configuration subtree, and query the advertised Redis address
// (spec.md §6 EXTERNAL INTERFACES). Subcommands follow Synnergy's
// cmd/cli one-domain-per-file convention.
package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/esrf-bcu/beacon/pkg/beaconclient"
)

var rootFlags struct {
	host    string
	port    int
	timeout time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "beaconctl",
		Short: "Operate a running Beacon server",
	}
	cmd.PersistentFlags().StringVar(&rootFlags.host, "host", os.Getenv("BEACON_HOST"), "beacon server host (discovered via UDP broadcast if empty)")
	cmd.PersistentFlags().IntVar(&rootFlags.port, "port", 0, "beacon server TCP port (discovered if zero)")
	cmd.PersistentFlags().DurationVar(&rootFlags.timeout, "connect-timeout", 3*time.Second, "discovery + dial timeout")

	cmd.AddCommand(lockCmd())
	cmd.AddCommand(unlockCmd())
	cmd.AddCommand(getFileCmd())
	cmd.AddCommand(setFileCmd())
	cmd.AddCommand(treeCmd())
	cmd.AddCommand(redisAddrCmd())
	return cmd
}

// connect dials the server described by the persistent --host/--port
// flags, running UDP discovery first when either is unset.
func connect(ctx context.Context) (*beaconclient.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, rootFlags.timeout)
	defer cancel()
	return beaconclient.Connect(ctx, beaconclient.Options{
		Host:             rootFlags.host,
		Port:             rootFlags.port,
		DiscoveryTimeout: rootFlags.timeout,
	})
}
