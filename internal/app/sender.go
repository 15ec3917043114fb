package app

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sheerbytes/warp/internal/abort"
	"github.com/sheerbytes/warp/internal/history"
	"github.com/sheerbytes/warp/internal/logging"
	"github.com/sheerbytes/warp/internal/report"
	"github.com/sheerbytes/warp/internal/transfer"
	"github.com/sheerbytes/warp/internal/transport"
	"github.com/sheerbytes/warp/internal/xferlog"
	"github.com/sheerbytes/warp/pkg/manifest"
)

// plannerConnID is the sub-report slot for work settled before any
// connection was opened.
const plannerConnID = -1

// SenderConfig configures one outbound transfer.
type SenderConfig struct {
	// Root is the source directory.
	Root string
	Host string
	// StartPort and NumPorts describe the contiguous destination range.
	// Ports, if non-empty, is used instead.
	StartPort        int
	NumPorts         int
	Ports            []int
	Transport        string
	TransportOptions transport.Options
	Filter           manifest.Filter
	// Files, if non-nil, is sent verbatim instead of walking Root.
	Files []manifest.FileInfo
	// ListErrors are input errors found while reading Files. They are
	// reported as failures and do not stop the transfer.
	ListErrors []report.FileFailure
	Transfer   transfer.Options
	// Abort is an extra caller-supplied cancellation condition.
	Abort      abort.Checker
	AbortAfter time.Duration
	// SenderLog keeps a transfer log under Root so a rerun with the same
	// transfer id skips files the receiver already confirmed.
	SenderLog bool
	History   history.Store
	Progress  transfer.ProgressFn
}

func (cfg *SenderConfig) normalize() error {
	if cfg.Root == "" {
		cfg.Root = "."
	}
	abs, err := filepath.Abs(cfg.Root)
	if err != nil {
		return fmt.Errorf("failed to resolve source dir: %w", err)
	}
	cfg.Root = abs
	if cfg.Files == nil {
		st, err := os.Stat(cfg.Root)
		if err != nil {
			return report.WithCode(report.ResourceError, fmt.Errorf("failed to stat source dir: %w", err))
		}
		if !st.IsDir() {
			return report.WithCode(report.ResourceError, fmt.Errorf("source %s is not a directory", cfg.Root))
		}
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if len(cfg.Ports) == 0 {
		if cfg.NumPorts < 1 {
			cfg.NumPorts = 1
		}
		for i := range cfg.NumPorts {
			cfg.Ports = append(cfg.Ports, cfg.StartPort+i)
		}
	}
	if cfg.Transfer.TransferID == "" && !cfg.SenderLog {
		cfg.Transfer.TransferID = uuid.NewString()
	}
	return nil
}

// manifestTransferID derives a transfer id that stays the same across runs
// over an unchanged file set, so a rerun finds the previous sender log.
func manifestTransferID(root string, seq iter.Seq2[manifest.FileInfo, error]) string {
	m, _ := manifest.Collect(root, seq)
	if id := manifest.ManifestID(m); id != "" {
		return id
	}
	return uuid.NewString()
}

// RunSender sends the configured file set and returns the final report.
// The report is never nil.
func RunSender(ctx context.Context, logger *slog.Logger, cfg SenderConfig) *report.Report {
	logger = logging.OrDiscard(logger)
	started := time.Now()
	agg := report.NewAggregator()

	if err := cfg.normalize(); err != nil {
		return agg.Finalize(transfer.RoleSender, cfg.Transfer.TransferID, started, time.Since(started), err)
	}
	seq, err := senderFiles(cfg)
	if err != nil {
		return agg.Finalize(transfer.RoleSender, cfg.Transfer.TransferID, started, time.Since(started), err)
	}
	if cfg.Transfer.TransferID == "" {
		cfg.Transfer.TransferID = manifestTransferID(cfg.Root, seq)
	}
	cfg.Transfer.Logger = logger
	opts := transfer.NormalizeOptions(cfg.Transfer)
	logger = logger.With("transfer_id", opts.TransferID)

	var flag abort.Flag
	var timer *abort.Timer
	if cfg.AbortAfter > 0 {
		timer = abort.AfterFunc(cfg.AbortAfter, &flag, func() {
			logger.Warn("abort deadline reached", "after", cfg.AbortAfter)
		})
	}
	ab := abort.Any(cfg.Abort, &flag, abort.FromContext(ctx))

	finalize := func(sessionErr error, extra ...report.FileFailure) *report.Report {
		if timer != nil {
			timer.Stop()
		}
		r := agg.Finalize(transfer.RoleSender, opts.TransferID, started, time.Since(started), sessionErr, extra...)
		archive(logger, cfg.History, r)
		logSummary(logger, r)
		return r
	}

	tr, err := transport.New(cfg.Transport, withLogger(cfg.TransportOptions, logger))
	if err != nil {
		return finalize(report.WithCode(report.ResourceError, err))
	}

	dist := transfer.NewDistributor(cfg.Root, seq, opts)

	var xlog *xferlog.Log
	if cfg.SenderLog {
		xlog, err = openSenderLog(cfg.Root, opts.TransferID, dist)
		if err != nil {
			return finalize(report.WithCode(report.ResourceError, err))
		}
		defer xlog.Close()
	}

	logger.Info("starting transfer", "root", cfg.Root, "host", cfg.Host, "ports", cfg.Ports,
		"transport", tr.Name(), "version", opts.ProtocolVersion)
	dist.Start()

	var wg sync.WaitGroup
	for i, port := range cfg.Ports {
		w := &transfer.SenderWorker{
			ConnID:    i,
			Port:      port,
			Addr:      transport.JoinHostPort(cfg.Host, port),
			Transport: tr,
			Dist:      dist,
			Abort:     ab,
			Opts:      opts,
			Root:      cfg.Root,
			Log:       xlog,
			Progress:  cfg.Progress,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := w.Run(ctx)
			if err := agg.Contribute(sub); err != nil {
				logger.Error("failed to contribute sub-report", "conn", sub.ConnID, "error", err)
			}
		}()
	}
	wg.Wait()
	if timer != nil {
		timer.Stop()
	}

	dist.Halt()
	dist.Wait()

	if pre := dist.PreSkipped(); len(pre) > 0 {
		agg.Contribute(report.SubReport{ConnID: plannerConnID, Role: transfer.RoleSender, FilesSkipped: len(pre)})
		for _, f := range pre {
			progressSkip(cfg.Progress, f)
		}
	}

	extra := append(slices.Clone(cfg.ListErrors), dist.InputErrors()...)
	extra = append(extra, dist.Unfinished()...)
	return finalize(nil, extra...)
}

func senderFiles(cfg SenderConfig) (iter.Seq2[manifest.FileInfo, error], error) {
	if cfg.Files != nil {
		return manifest.FromList(cfg.Files), nil
	}
	e, err := manifest.NewEnumerator(cfg.Root, cfg.Filter)
	if err != nil {
		return nil, report.WithCode(report.ResourceError, fmt.Errorf("failed to enumerate source: %w", err))
	}
	return e.All(), nil
}

// openSenderLog opens the sender-side log and seeds the distributor with
// the files it already lists as complete.
func openSenderLog(root, id string, dist *transfer.Distributor) (*xferlog.Log, error) {
	l, err := xferlog.Open(root, id)
	if err != nil {
		return nil, fmt.Errorf("failed to open sender log: %w", err)
	}
	completed, err := l.LoadCompleted()
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to load sender log: %w", err)
	}
	sizes := make(map[string]int64, len(completed))
	for rel, e := range completed {
		sizes[rel] = e.Size
	}
	dist.SkipCompleted(sizes)
	return l, nil
}

func progressSkip(fn transfer.ProgressFn, f manifest.FileInfo) {
	if fn == nil {
		return
	}
	fn(transfer.Progress{ConnID: plannerConnID, RelPath: f.RelPath, Bytes: f.Size, Skipped: true})
}

func withLogger(o transport.Options, logger *slog.Logger) transport.Options {
	if o.Logger == nil {
		o.Logger = logger
	}
	return o
}

func archive(logger *slog.Logger, store history.Store, r *report.Report) {
	if store == nil {
		return
	}
	id, err := store.Save(r)
	if err != nil {
		logger.Warn("failed to archive report", "error", err)
		return
	}
	logger.Debug("report archived", "id", id)
}

func logSummary(logger *slog.Logger, r *report.Report) {
	attrs := []any{
		"code", r.Code,
		"files", r.FilesTransferred,
		"skipped", r.FilesSkipped,
		"bytes", r.BytesMoved,
		"failures", len(r.Failures),
		"elapsed", r.Elapsed,
		"throughput_mbps", r.ThroughputBps * 8 / 1e6,
	}
	if r.Code == report.OK {
		logger.Info("transfer finished", attrs...)
		return
	}
	logger.Warn("transfer finished", append(attrs, "error", r.Err)...)
}
