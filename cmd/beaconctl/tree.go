package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func treeCmd() *cobra.Command {
	var showContent bool

	cmd := &cobra.Command{
		Use:   "tree [basepath]",
		Short: "List files under a configuration subtree",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			basePath := ""
			if len(args) == 1 {
				basePath = args[0]
			}

			ctx := cmd.Context()
			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			files, err := c.GetConfigDBTree(ctx, basePath)
			if err != nil {
				return err
			}
			for _, f := range files {
				if showContent {
					fmt.Fprintf(cmd.OutOrStdout(), "%s:\n%s\n", f.Path, f.Content)
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), f.Path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showContent, "content", false, "print file content alongside each path")
	return cmd
}
