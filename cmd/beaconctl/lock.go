package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/esrf-bcu/beacon/pkg/beaconclient"
)

func lockCmd() *cobra.Command {
	var priority int
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "lock <name>...",
		Short: "Acquire one or more named locks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Lock(ctx, args, beaconclient.LockOptions{Priority: priority, Timeout: timeout}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "locked: %v\n", args)
			return nil
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "lock priority (default 50)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "lock timeout (default 10s)")
	return cmd
}
