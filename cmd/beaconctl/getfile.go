package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func getFileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-file <path>",
		Short: "Print the contents of a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			content, err := c.GetFile(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(content))
			return nil
		},
	}
}
