package main

import (
	"github.com/spf13/cobra"

	"github.com/sheerbytes/warp/internal/report"
	"github.com/sheerbytes/warp/internal/xferlog"
)

func (c *cli) logCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "log <transfer-id>",
		Short: "Print and repair the transfer log of a directory",
		Long: `Print the completion records of the transfer log kept under --directory
for the given transfer id. A torn tail left by a crash is truncated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c.started = true
			res, err := xferlog.ParseAndPrint(dir, args[0], c.stdout)
			if err != nil {
				c.exit = int(report.ResourceError)
				return err
			}
			if res.Discarded > 0 {
				c.logger.Info("log repaired", "discarded_bytes", res.Discarded)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "directory", "d", ".", "directory holding the log")
	return cmd
}
