package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func setFileCmd() *cobra.Command {
	var fromFile string

	cmd := &cobra.Command{
		Use:   "set-file <path> [content]",
		Short: "Write a configuration file (reads stdin or --file if content is omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := resolveContent(args, fromFile)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.SetFile(ctx, args[0], content); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", args[0], len(content))
			return nil
		},
	}
	cmd.Flags().StringVar(&fromFile, "file", "", "read content from this local file instead of stdin")
	return cmd
}

func resolveContent(args []string, fromFile string) ([]byte, error) {
	if len(args) == 2 {
		return []byte(args[1]), nil
	}
	if fromFile != "" {
		return os.ReadFile(fromFile)
	}
	return io.ReadAll(os.Stdin)
}
