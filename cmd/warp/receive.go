package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sheerbytes/warp/internal/app"
	"github.com/sheerbytes/warp/internal/config"
	"github.com/sheerbytes/warp/internal/report"
	"github.com/sheerbytes/warp/internal/transfer"
)

func (c *cli) receiveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Listen for a sender and write its files into a directory",
		Long: `Bind --num-ports ports starting at --start-port (0 picks free ports)
and receive one transfer into --directory. With --run-forever the receiver
keeps serving transfers until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			return c.runReceive(cmd, asJSON)
		},
	}
	f := cmd.Flags()
	transferFlags(f)
	f.String(config.KeyHost, "", "address to bind (default all interfaces)")
	f.Duration(config.KeyAcceptTimeout, 0, "how long the other ports wait once the first connection arrived")
	f.Bool(config.KeyRunForever, false, "serve transfers until interrupted")
	return cmd
}

func (c *cli) runReceive(cmd *cobra.Command, asJSON bool) error {
	store, closeStore := c.openHistory()
	defer closeStore()

	cfg := app.ReceiverConfig{
		Root:             c.cfg.Directory,
		Host:             c.cfg.Host,
		StartPort:        c.cfg.StartPort,
		NumPorts:         c.cfg.NumPorts,
		Transport:        c.cfg.Transport,
		TransportOptions: c.cfg.TransportOptions(c.logger),
		Transfer:         c.cfg.TransferOptions(c.logger),
		AbortAfter:       c.cfg.AbortAfter,
		AcceptTimeout:    c.cfg.AcceptTimeout,
		History:          store,
	}
	bar := c.progressBar("receiving", 0)
	if bar != nil {
		cfg.Progress = bar.Observe
	}
	c.started = true

	rcv, err := app.NewReceiver(c.logger, cfg)
	if err != nil {
		c.exit = int(report.Classify(err))
		return err
	}
	defer rcv.Close()
	if err := rcv.Bind(); err != nil {
		c.exit = int(report.Classify(err))
		return err
	}
	ports := make([]string, 0, len(rcv.Ports()))
	for _, p := range rcv.Ports() {
		ports = append(ports, fmt.Sprint(p))
	}
	fmt.Fprintf(c.stdout, "listening on ports %s\n", strings.Join(ports, ","))

	if !c.cfg.RunForever {
		r := rcv.RunOnce(cmd.Context())
		if bar != nil {
			bar.Finish()
		}
		return c.finish(r, asJSON)
	}

	var printErr error
	err = rcv.RunForever(cmd.Context(), func(r *report.Report) {
		c.exit = int(report.Worse(report.ErrorCode(c.exit), r.Code))
		printErr = errors.Join(printErr, printReport(c.stdout, r, asJSON))
	})
	if bar != nil {
		bar.Finish()
	}
	// interrupts end a run-forever receiver normally
	if err != nil && !errors.Is(err, transfer.ErrAborted) && cmd.Context().Err() == nil {
		c.exit = int(report.Worse(report.ErrorCode(c.exit), report.Classify(err)))
		return err
	}
	return printErr
}
