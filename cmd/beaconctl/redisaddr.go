package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func redisAddrCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redis-addr",
		Short: "Print the Redis address advertised by the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			addr, err := c.GetRedisConnectionAddress(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n", addr.Host, addr.Port)
			return nil
		},
	}
}
