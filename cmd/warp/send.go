package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sheerbytes/warp/internal/app"
	"github.com/sheerbytes/warp/internal/config"
	"github.com/sheerbytes/warp/internal/progress"
	"github.com/sheerbytes/warp/internal/report"
	"github.com/sheerbytes/warp/internal/termio"
	"github.com/sheerbytes/warp/pkg/manifest"
)

func (c *cli) sendCommand() *cobra.Command {
	var filesPath string
	cmd := &cobra.Command{
		Use:   "send [flags] [host]",
		Short: "Send a directory tree to a receiver",
		Long: `Send the directory given by --directory to a receiver listening on
--num-ports ports starting at --start-port. The destination host is taken
from the argument or --host.

--files reads an explicit file list instead of walking the directory: one
relative path per line, optionally followed by a tab and the size in bytes.
Use - to read the list from stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				c.cfg.Host = args[0]
			}
			if c.cfg.Host == "" {
				return fmt.Errorf("destination host required")
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			return c.runSend(cmd, filesPath, asJSON)
		},
	}
	f := cmd.Flags()
	transferFlags(f)
	f.String(config.KeyHost, "", "destination host")
	f.IntSlice(config.KeyPorts, nil, "explicit destination ports instead of the contiguous range")
	f.String(config.KeyInclude, "", "only send files whose relative path matches this regex")
	f.String(config.KeyExclude, "", "skip files whose relative path matches this regex")
	f.String(config.KeyPrune, "", "skip directories whose relative path matches this regex")
	f.Bool(config.KeySenderLog, false, "keep a transfer log so a rerun skips confirmed files")
	f.StringVar(&filesPath, "files", "", "read the file list from this path (- for stdin)")
	return cmd
}

func (c *cli) runSend(cmd *cobra.Command, filesPath string, asJSON bool) error {
	cfg := app.SenderConfig{
		Root:             c.cfg.Directory,
		Host:             c.cfg.Host,
		StartPort:        c.cfg.StartPort,
		NumPorts:         c.cfg.NumPorts,
		Ports:            c.cfg.Ports,
		Transport:        c.cfg.Transport,
		TransportOptions: c.cfg.TransportOptions(c.logger),
		Filter:           c.cfg.Filter(),
		Transfer:         c.cfg.TransferOptions(c.logger),
		AbortAfter:       c.cfg.AbortAfter,
		SenderLog:        c.cfg.SenderLog,
	}
	if filesPath != "" {
		files, failures, err := readFileList(filesPath, cmd.InOrStdin())
		if err != nil {
			return err
		}
		for _, fail := range failures {
			c.logger.Warn("skipping file list entry", "entry", fail.Path, "error", fail.Err)
		}
		cfg.Files = files
		cfg.ListErrors = failures
	}
	c.started = true

	store, closeStore := c.openHistory()
	defer closeStore()
	cfg.History = store

	var total int64
	for _, f := range cfg.Files {
		total += max(f.Size, 0)
	}
	if bar := c.progressBar("sending", total); bar != nil {
		cfg.Progress = bar.Observe
		defer bar.Finish()
	}

	r := app.RunSender(cmd.Context(), c.logger, cfg)
	return c.finish(r, asJSON)
}

// readFileList parses the list at path. Malformed lines become failures
// of the transfer instead of stopping it.
func readFileList(path string, stdin io.Reader) ([]manifest.FileInfo, []report.FileFailure, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open file list: %w", err)
		}
		defer f.Close()
		r = f
	}
	files, skipped, err := manifest.ParseFileList(r)
	if err != nil {
		return nil, nil, err
	}
	failures := make([]report.FileFailure, 0, len(skipped))
	for _, s := range skipped {
		failures = append(failures, report.FileFailure{Path: fmt.Sprintf("%s:%d", path, s.Line), Err: s.Error()})
	}
	// a nil list would walk the directory instead
	if files == nil {
		files = []manifest.FileInfo{}
	}
	return files, failures, nil
}

// progressBar returns a bar on an interactive stderr, or nil.
func (c *cli) progressBar(operation string, total int64) *progress.Bar {
	if !c.cfg.Progress || !termio.Stderr().IsTTY() {
		return nil
	}
	return progress.NewBar(c.stderr, operation, total)
}

// finish prints r and records its code as the exit status.
func (c *cli) finish(r *report.Report, asJSON bool) error {
	c.exit = int(r.Code)
	return printReport(c.stdout, r, asJSON)
}
