package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/esrf-bcu/beacon/pkg/beaconclient"
)

func unlockCmd() *cobra.Command {
	var priority int
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "unlock <name>...",
		Short: "Release one or more named locks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Unlock(ctx, args, beaconclient.LockOptions{Priority: priority, Timeout: timeout}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unlocked: %v\n", args)
			return nil
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "lock priority (default 50)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "unlock timeout (default 1s)")
	return cmd
}
