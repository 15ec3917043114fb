package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sheerbytes/warp/internal/config"
	"github.com/sheerbytes/warp/internal/report"
)

func (c *cli) historyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect archived transfer reports",
	}
	cmd.PersistentFlags().String(config.KeyHistoryPath, "", "history database path")

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent transfers, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c.started = true
			store, err := openStore(c.cfg.HistoryPath)
			if err != nil {
				c.exit = int(report.ResourceError)
				return err
			}
			defer store.Close()
			recs, err := store.List(limit)
			if err != nil {
				c.exit = int(report.ResourceError)
				return err
			}
			tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSAVED\tROLE\tTRANSFER\tCODE\tFILES\tBYTES")
			for _, rec := range recs {
				r := rec.Report
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n", rec.ID, rec.Saved.Local().Format(time.DateTime),
					r.Role, r.TransferID, r.Code, r.FilesTransferred, r.BytesMoved)
			}
			return tw.Flush()
		},
	}
	list.Flags().IntVarP(&limit, "limit", "l", 20, "number of reports to list (0 for all)")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print one archived report as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c.started = true
			store, err := openStore(c.cfg.HistoryPath)
			if err != nil {
				c.exit = int(report.ResourceError)
				return err
			}
			defer store.Close()
			rec, err := store.Get(args[0])
			if err != nil {
				c.exit = int(report.ResourceError)
				return err
			}
			return printReport(c.stdout, rec.Report, true)
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}
