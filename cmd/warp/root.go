package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sheerbytes/warp/internal/config"
	"github.com/sheerbytes/warp/internal/history"
	"github.com/sheerbytes/warp/internal/logging"
	"github.com/sheerbytes/warp/internal/transfer"
)

// cli holds the state shared by all commands of one invocation.
type cli struct {
	v       *viper.Viper
	cfgFile string
	stdout  io.Writer
	stderr  io.Writer

	logger *slog.Logger
	cfg    config.Config

	// started is set once a command got past flag and config validation.
	started bool
	exit    int
}

func newCLI(stdout, stderr io.Writer) *cli {
	return &cli{v: config.New(), stdout: stdout, stderr: stderr}
}

func (c *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "warp",
		Short: "Parallel bulk file transfer over many connections",
		Long: `warp copies a directory tree between two hosts over several parallel
connections. Files are split into blocks that are checksummed, retried and
resumed independently.

Usage:
  Receive into a directory: warp receive -d /data/in
  Send a directory:         warp send -d /data/out receiver.example.com

Settings can also come from WARP_* environment variables or $HOME/.warp.yaml.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgFile, "config", "", "config file (default is $HOME/.warp.yaml)")
	pf.String(config.KeyLogLevel, "info", "log level: debug, info, warn or error")
	pf.String(config.KeyLogFormat, "text", "log format: text or json")

	root.AddCommand(c.sendCommand(), c.receiveCommand(), c.logCommand(), c.historyCommand())
	return root
}

// load resolves flags, environment and config file into c.cfg.
func (c *cli) load(cmd *cobra.Command) error {
	if err := c.v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	if err := config.ReadFile(c.v, c.cfgFile); err != nil {
		return err
	}
	cfg, err := config.Load(c.v)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logging.NewWithOptions(logging.Options{
		App:    "warp",
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Writer: c.stderr,
	})
	if used := c.v.ConfigFileUsed(); used != "" {
		c.logger.Debug("using config file", "path", used)
	}
	return nil
}

// transferFlags registers the engine and transport settings shared by send
// and receive.
func transferFlags(f *pflag.FlagSet) {
	f.StringP(config.KeyDirectory, "d", ".", "directory to send from or receive into")
	f.Int(config.KeyStartPort, 22356, "first port of the contiguous port range")
	f.IntP(config.KeyNumPorts, "n", 8, "number of parallel connections")
	f.String(config.KeyTransport, "tcp", "transport: tcp, quic or websocket")
	f.String(config.KeyTransferID, "", "transfer id shared by sender and receiver")
	f.Int(config.KeyProtocolVersion, transfer.MaxProtocolVersion, "highest protocol version to offer")
	f.String(config.KeyBlockSize, "16mb", "unit of distribution for large files")
	f.String(config.KeyFrameSize, "1mb", "largest data frame on the wire")
	f.Int(config.KeyBlockRetries, transfer.DefaultBlockRetries, "retransmissions of a block after checksum mismatches")
	f.Int(config.KeyReconnects, transfer.DefaultReconnects, "reconnect attempts per connection after a broken stream")
	f.Duration(config.KeyIOTimeout, transfer.DefaultIOTimeout, "read and write timeout on a connection")
	f.Duration(config.KeyAbortAfter, 0, "abort the transfer after this long (0 disables)")
	f.String(config.KeySocketBuffer, "0", "socket buffer size (0 keeps the OS default)")
	f.Bool(config.KeyHistory, true, "archive the final report in the local history database")
	f.String(config.KeyHistoryPath, "", "history database path")
	f.Bool(config.KeyProgress, true, "show a progress bar when stderr is a terminal")
	f.Bool("json", false, "print the final report as JSON")
}

// openHistory opens the report archive when enabled. Failing to open it
// only costs the archive, never the transfer.
func (c *cli) openHistory() (history.Store, func()) {
	if !c.cfg.History {
		return nil, func() {}
	}
	s, err := openStore(c.cfg.HistoryPath)
	if err != nil {
		c.logger.Warn("history disabled", "error", err)
		return nil, func() {}
	}
	return s, func() {
		if err := s.Close(); err != nil {
			c.logger.Warn("failed to close history", "error", err)
		}
	}
}

func openStore(path string) (*history.BoltStore, error) {
	if path == "" {
		p, err := history.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return history.Open(path)
}
