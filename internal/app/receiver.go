package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sheerbytes/warp/internal/abort"
	"github.com/sheerbytes/warp/internal/history"
	"github.com/sheerbytes/warp/internal/logging"
	"github.com/sheerbytes/warp/internal/report"
	"github.com/sheerbytes/warp/internal/transfer"
	"github.com/sheerbytes/warp/internal/transport"
)

// ErrNoPortBound is returned when none of the requested ports could be bound.
var ErrNoPortBound = report.NewError(report.ResourceError, "could not bind any port")

const (
	defaultAcceptTimeout = 10 * time.Second
	abortPollInterval    = 100 * time.Millisecond
)

// ReceiverConfig configures a receiver.
type ReceiverConfig struct {
	// Root is the destination directory. It is created if missing.
	Root string
	// Host is the bind address; empty binds all interfaces.
	Host string
	// StartPort of zero binds NumPorts ephemeral ports.
	StartPort        int
	NumPorts         int
	Transport        string
	TransportOptions transport.Options
	Transfer         transfer.Options
	Abort            abort.Checker
	// AbortAfter bounds each session, measured from its first connection.
	AbortAfter time.Duration
	// AcceptTimeout is how long the remaining ports wait for their
	// connection once the first one of a session arrived.
	AcceptTimeout time.Duration
	History       history.Store
	Progress      transfer.ProgressFn
}

// Receiver owns the listening ports and runs transfer sessions on them.
type Receiver struct {
	logger    *slog.Logger
	cfg       ReceiverConfig
	tr        transport.Transport
	listeners []transport.Listener
}

// NewReceiver validates cfg and creates the destination directory.
func NewReceiver(logger *slog.Logger, cfg ReceiverConfig) (*Receiver, error) {
	logger = logging.OrDiscard(logger)
	if cfg.Root == "" {
		cfg.Root = "."
	}
	abs, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output dir: %w", err)
	}
	cfg.Root = abs
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, report.WithCode(report.ResourceError, fmt.Errorf("failed to create output dir: %w", err))
	}
	if cfg.NumPorts < 1 {
		cfg.NumPorts = 1
	}
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = defaultAcceptTimeout
	}
	cfg.Transfer.Logger = logger
	cfg.Transfer = transfer.NormalizeOptions(cfg.Transfer)

	tr, err := transport.New(cfg.Transport, withLogger(cfg.TransportOptions, logger))
	if err != nil {
		return nil, err
	}
	return &Receiver{logger: logger, cfg: cfg, tr: tr}, nil
}

// Bind listens on the configured port range. Ports that fail to bind are
// skipped; at least one must succeed.
func (r *Receiver) Bind() error {
	for i := range r.cfg.NumPorts {
		port := 0
		if r.cfg.StartPort > 0 {
			port = r.cfg.StartPort + i
		}
		ln, err := r.tr.Listen(transport.JoinHostPort(r.cfg.Host, port))
		if err != nil {
			r.logger.Warn("failed to bind port", "port", port, "error", err)
			continue
		}
		r.listeners = append(r.listeners, ln)
	}
	if len(r.listeners) == 0 {
		return fmt.Errorf("%w: %d ports from %d", ErrNoPortBound, r.cfg.NumPorts, r.cfg.StartPort)
	}
	r.logger.Info("listening", "transport", r.tr.Name(), "ports", r.Ports(), "dir", r.cfg.Root)
	return nil
}

// Ports returns the bound ports in range order.
func (r *Receiver) Ports() []int {
	out := make([]int, len(r.listeners))
	for i, ln := range r.listeners {
		out[i] = ln.Port()
	}
	return out
}

// Close releases all listeners.
func (r *Receiver) Close() error {
	var errs []error
	for _, ln := range r.listeners {
		if err := ln.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.listeners = nil
	return errors.Join(errs...)
}

// errNoSender is returned by session when it ended before any sender
// connected.
var errNoSender = errors.New("no sender connected")

// RunOnce serves exactly one transfer session and returns its report.
func (r *Receiver) RunOnce(ctx context.Context) *report.Report {
	begin := time.Now()
	rep, err := r.session(ctx)
	if err == nil {
		return rep
	}
	if errors.Is(err, errNoSender) {
		err = transfer.ErrAborted
	}
	return report.NewAggregator().Finalize(transfer.RoleReceiver, r.cfg.Transfer.TransferID, begin, time.Since(begin), err)
}

// RunForever serves sessions until ctx is done or the caller's abort
// condition fires, passing each session's report to fn. Startup failures
// end the loop.
func (r *Receiver) RunForever(ctx context.Context, fn func(*report.Report)) error {
	for {
		rep, err := r.session(ctx)
		if errors.Is(err, errNoSender) {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			return transfer.ErrAborted
		}
		if err != nil {
			return err
		}
		if fn != nil {
			fn(rep)
		}
		if r.cfg.Abort != nil && r.cfg.Abort.ShouldAbort() {
			return transfer.ErrAborted
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// session runs one transfer from its first connection until every port's
// worker finished.
func (r *Receiver) session(ctx context.Context) (*report.Report, error) {
	agg := report.NewAggregator()
	logger := r.logger

	if len(r.listeners) == 0 {
		if err := r.Bind(); err != nil {
			return nil, err
		}
	}

	var flag abort.Flag
	ab := abort.Any(r.cfg.Abort, &flag)
	sess, err := transfer.NewReceiverSession(r.cfg.Root, ab, r.cfg.Transfer)
	if err != nil {
		return nil, report.WithCode(report.ResourceError, err)
	}

	first := make(chan struct{})
	var firstOnce sync.Once
	var timer *abort.Timer
	var firstAt time.Time
	onFirst := func() {
		firstOnce.Do(func() {
			firstAt = time.Now()
			if r.cfg.AbortAfter > 0 {
				timer = abort.AfterFunc(r.cfg.AbortAfter, &flag, func() {
					logger.Warn("abort deadline reached", "after", r.cfg.AbortAfter)
				})
			}
			close(first)
		})
	}

	var wg sync.WaitGroup
	for i, ln := range r.listeners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stream, err := r.acceptSession(ctx, ln, ab, first)
			if err != nil {
				logger.Debug("no connection on port", "port", ln.Port(), "error", err)
				return
			}
			onFirst()
			w := &transfer.ReceiverWorker{ConnID: i, Listener: ln, Session: sess, Progress: r.cfg.Progress}
			sub := w.Serve(ctx, stream)
			if err := agg.Contribute(sub); err != nil {
				logger.Error("failed to contribute sub-report", "conn", sub.ConnID, "error", err)
			}
		}()
	}
	wg.Wait()
	timer.Stop()

	partial, cerr := sess.Close()
	if cerr != nil {
		logger.Warn("failed to close transfer log", "error", cerr)
	}

	select {
	case <-first:
	default:
		return nil, errNoSender
	}

	extra := make([]report.FileFailure, 0, len(partial))
	for _, p := range partial {
		extra = append(extra, report.FileFailure{Path: p, Err: "incomplete"})
	}
	rep := agg.Finalize(transfer.RoleReceiver, sess.TransferID(), firstAt, time.Since(firstAt), nil, extra...)
	archive(logger, r.cfg.History, rep)
	logSummary(logger.With("transfer_id", rep.TransferID), rep)
	return rep, nil
}

// acceptSession waits for the port's connection. Before the session's
// first connection it waits on ctx and the abort condition only; after it,
// for at most AcceptTimeout.
func (r *Receiver) acceptSession(ctx context.Context, ln transport.Listener, ab abort.Checker, first <-chan struct{}) (transport.Stream, error) {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		tick := time.NewTicker(abortPollInterval)
		defer tick.Stop()
		var deadline <-chan time.Time
		firstCh := first
		for {
			select {
			case <-actx.Done():
				return
			case <-firstCh:
				firstCh = nil
				deadline = time.After(r.cfg.AcceptTimeout)
			case <-deadline:
				cancel()
				return
			case <-tick.C:
				if ab.ShouldAbort() {
					cancel()
					return
				}
			}
		}
	}()

	return ln.Accept(actx)
}
