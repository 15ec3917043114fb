package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sheerbytes/warp/internal/abort"
	"github.com/sheerbytes/warp/internal/bufpool"
	"github.com/sheerbytes/warp/internal/report"
	"github.com/sheerbytes/warp/internal/transport"
	"github.com/sheerbytes/warp/internal/xferlog"
)

const (
	RoleSender   = "sender"
	RoleReceiver = "receiver"
)

// Progress is reported by workers as frames are acknowledged and files
// finish.
type Progress struct {
	ConnID   int
	RelPath  string
	Bytes    int64
	FileDone bool
	Skipped  bool
}

// ProgressFn receives progress updates. It is called concurrently from
// every worker.
type ProgressFn func(Progress)

// unitError is a failure confined to one file. The connection is left
// ready for the next file header.
type unitError struct {
	err error
}

func (e *unitError) Error() string { return e.err.Error() }
func (e *unitError) Unwrap() error { return e.err }

// dialError marks a failure to reach the port at all, as opposed to a
// failure after the stream was established.
type dialError struct {
	err error
}

func (e *dialError) Error() string { return e.err.Error() }
func (e *dialError) Unwrap() error { return e.err }

// SenderWorker streams units from a shared distributor over one connection.
type SenderWorker struct {
	ConnID    int
	Port      int
	Addr      string
	Transport transport.Transport
	Dist      *Distributor
	Abort     abort.Checker
	Opts      Options
	// Root is the source directory units are read from.
	Root string
	// Log, if set, records files the receiver acknowledged completely.
	Log      *xferlog.Log
	Progress ProgressFn
}

type senderSession struct {
	w       *SenderWorker
	opts    Options
	abort   abort.Checker
	log     *slog.Logger
	sub     *report.SubReport
	conn    *conn
	version int
	redials int
	pool    *bufpool.Pool
}

// Run drives the worker to a terminal state and returns its sub-report.
func (w *SenderWorker) Run(ctx context.Context) report.SubReport {
	opts := NormalizeOptions(w.Opts)
	sub := report.SubReport{ConnID: w.ConnID, Port: w.Port, Role: RoleSender}
	ab := abort.Any(w.Abort, abort.FromContext(ctx))
	s := &senderSession{
		w:       w,
		opts:    opts,
		abort:   ab,
		log:     opts.Logger.With("conn", w.ConnID, "addr", w.Addr),
		sub:     &sub,
		redials: opts.Reconnects,
		pool:    bufpool.For(opts.FrameSize),
	}

	start := time.Now()
	err := s.run(ctx)
	sub.Elapsed = time.Since(start)
	sub.ProtocolVersion = s.version
	sub.End(err)
	if err != nil {
		s.log.Debug("sender worker finished", "code", sub.Code, "error", err)
	} else {
		s.log.Debug("sender worker finished", "files", sub.FilesTransferred, "bytes", sub.BytesMoved)
	}
	return sub
}

func (s *senderSession) run(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		var de *dialError
		if errors.As(err, &de) && !s.abort.ShouldAbort() {
			// The remaining workers carry the load. Files left over are
			// reported by the orchestrator as not transferred.
			s.log.Warn("port unreachable, worker idle", "error", err)
			s.sub.Err = err.Error()
			return nil
		}
		if s.abort.ShouldAbort() {
			return ErrAborted
		}
		if report.Classify(err).Fatal() {
			s.w.Dist.Halt()
		}
		return err
	}
	defer func() {
		if s.conn != nil {
			s.conn.Close()
		}
	}()

	for {
		if s.abort.ShouldAbort() {
			s.finish(true)
			return ErrAborted
		}
		u, ok := s.w.Dist.Next(s.abort)
		if !ok {
			if s.abort.ShouldAbort() {
				s.finish(true)
				return ErrAborted
			}
			s.finish(false)
			return nil
		}
		if err := s.deliver(ctx, u); err != nil {
			return err
		}
	}
}

// connect dials and performs the handshake.
func (s *senderSession) connect(ctx context.Context) error {
	stream, err := s.w.Transport.Dial(ctx, s.w.Addr)
	if err != nil {
		return &dialError{fmt.Errorf("failed to dial %s: %w", s.w.Addr, err)}
	}
	c := newConn(stream, s.opts.IOTimeout)
	version, err := s.handshake(c)
	if err != nil {
		c.Close()
		return err
	}
	s.conn = c
	s.version = version
	return nil
}

func (s *senderSession) handshake(c *conn) (int, error) {
	hs := Handshake{Version: uint16(s.opts.ProtocolVersion), TransferID: s.opts.TransferID}
	if err := writeHandshake(c, hs); err != nil {
		return 0, err
	}
	if err := c.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush handshake: %w", err)
	}
	reply, err := readHandshakeReply(c)
	if err != nil {
		return 0, err
	}
	switch reply.Status {
	case handshakeOK:
	case handshakeVersionRejected:
		return 0, fmt.Errorf("%w: sender %d, receiver %d", ErrVersionRejected, s.opts.ProtocolVersion, reply.Version)
	case handshakeIDRejected:
		return 0, fmt.Errorf("%w: %q", ErrTransferIDRejected, s.opts.TransferID)
	case handshakeAborted:
		return 0, ErrAborted
	case handshakeError:
		return 0, fmt.Errorf("%w: receiver could not open its transfer log", ErrRemoteResource)
	default:
		return 0, fmt.Errorf("%w: handshake status %d", ErrUnexpectedMessage, reply.Status)
	}
	version := int(reply.Version)
	if _, err := Negotiate(s.opts.ProtocolVersion, version); err != nil || version > s.opts.ProtocolVersion {
		return 0, fmt.Errorf("%w: receiver chose version %d", ErrVersionRejected, version)
	}
	s.log.Debug("handshake complete", "version", version)
	return version, nil
}

// deliver sends one unit, redialing after I/O failures while reconnects
// remain. A nil return means the worker can continue with the next unit.
func (s *senderSession) deliver(ctx context.Context, u Unit) error {
	for {
		err := s.sendUnit(u)
		if err == nil {
			return nil
		}

		var ue *unitError
		switch {
		case errors.Is(err, ErrAborted):
			s.finish(true)
			return ErrAborted
		case errors.As(err, &ue):
			s.log.Warn("file failed", "path", u.RelPath, "error", err)
			s.failFile(u, err)
			return nil
		case report.Classify(err).Fatal():
			s.log.Error("fatal transfer error", "path", u.RelPath, "error", err)
			s.w.Dist.Halt()
			s.failFile(u, err)
			if errors.Is(err, ErrRemoteResource) {
				s.finish(false)
			}
			return err
		}

		s.conn.Close()
		s.conn = nil
		for s.conn == nil {
			if s.redials <= 0 || s.abort.ShouldAbort() {
				s.failFile(u, err)
				if s.abort.ShouldAbort() {
					return ErrAborted
				}
				return err
			}
			s.redials--
			s.sub.Reconnects++
			s.log.Info("reconnecting", "path", u.RelPath, "offset", u.Offset, "error", err)
			if derr := s.connect(ctx); derr != nil {
				if report.Classify(derr).Fatal() || errors.Is(derr, ErrAborted) {
					s.failFile(u, derr)
					return derr
				}
				err = derr
				if !sleepOrAbort(ctx, s.abort, time.Second) {
					s.failFile(u, err)
					return ErrAborted
				}
			}
		}
	}
}

func (s *senderSession) failFile(u Unit, err error) {
	if s.w.Dist.Fail(u, err) {
		s.sub.Fail(u.RelPath, err)
	}
}

func (s *senderSession) sendUnit(u Unit) error {
	if s.abort.ShouldAbort() {
		return ErrAborted
	}
	if !s.w.Dist.Pending(u) {
		return nil
	}
	path := filepath.Join(s.w.Root, filepath.FromSlash(u.RelPath))
	f, err := os.Open(path)
	if err != nil {
		return &unitError{fmt.Errorf("failed to open source: %w", err)}
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return &unitError{fmt.Errorf("failed to stat source: %w", err)}
	}
	if st.Size() != u.FileSize {
		return &unitError{fmt.Errorf("%w: size %d, expected %d", ErrFileChanged, st.Size(), u.FileSize)}
	}

	hdr := FileHeader{
		RelPath:  u.RelPath,
		FileSize: uint64(u.FileSize),
		Mode:     uint32(u.Mode.Perm()),
		Offset:   uint64(u.Offset),
		Length:   uint64(u.Length),
	}
	if err := writeFileHeader(s.conn, s.version, hdr); err != nil {
		if errors.Is(err, ErrRelPathTooLong) || errors.Is(err, ErrInvalidPath) {
			return &unitError{err}
		}
		return err
	}
	if err := s.conn.Flush(); err != nil {
		return fmt.Errorf("failed to flush file header: %w", err)
	}
	msg, err := expectMessage(s.conn, s.version, msgHeaderReply)
	if err != nil {
		return err
	}
	reply := msg.(HeaderReply)
	switch reply.Status {
	case StatusOK:
	case StatusSkip:
		if s.w.Dist.Skip(u) {
			s.sub.FilesSkipped++
			s.progress(Progress{RelPath: u.RelPath, Bytes: u.FileSize, Skipped: true})
		}
		return nil
	case StatusError:
		return fmt.Errorf("%w: %s: %s", ErrRemoteResource, u.RelPath, reply.Message)
	case StatusReject:
		return &unitError{fmt.Errorf("%w: %s", ErrPathRejected, reply.Message)}
	case StatusAbort:
		return ErrAborted
	default:
		return fmt.Errorf("%w: header reply %s", ErrUnexpectedMessage, reply.Status)
	}

	buf := s.pool.Get()
	defer s.pool.Put(buf)

	hash := newUnitHash(s.version)
	end := u.Offset + u.Length
	for off := u.Offset; off < end; {
		if s.abort.ShouldAbort() {
			s.cancelUnit()
			return ErrAborted
		}
		payload := buf[:min(int64(len(buf)), end-off)]
		if err := readSource(f, payload, off); err != nil {
			s.cancelUnit()
			return &unitError{err}
		}
		if err := s.sendFrame(f, u, payload, off); err != nil {
			return err
		}
		hash.Write(payload)
		off += int64(len(payload))
		s.sub.BytesMoved += int64(len(payload))
		s.progress(Progress{RelPath: u.RelPath, Bytes: int64(len(payload))})
	}

	if err := writeUnitEnd(s.conn, s.version, UnitEnd{Checksum: hash.Sum()}); err != nil {
		return err
	}
	if err := s.conn.Flush(); err != nil {
		return fmt.Errorf("failed to flush unit end: %w", err)
	}
	msg, err = expectMessage(s.conn, s.version, msgUnitDone)
	if err != nil {
		return err
	}
	done := msg.(UnitDone)
	if done.Status != StatusOK {
		return &unitError{fmt.Errorf("%w: %s", ErrUnitChecksum, u)}
	}

	fileDone, digest := s.w.Dist.Complete(u, hash.Sum())
	if fileDone {
		s.sub.FilesTransferred++
		s.progress(Progress{RelPath: u.RelPath, FileDone: true})
		if s.w.Log != nil {
			entry := xferlog.Entry{RelPath: u.RelPath, Size: u.FileSize, Checksum: digest, Status: xferlog.StatusComplete}
			if err := s.w.Log.Record(entry); err != nil {
				s.log.Warn("failed to record completed file", "path", u.RelPath, "error", err)
			}
		}
	}
	if fileDone != done.FileDone {
		s.log.Debug("completion views differ", "path", u.RelPath, "sender", fileDone, "receiver", done.FileDone)
	}
	return nil
}

// sendFrame writes one frame and waits for its ack, re-reading the source
// and resending on RETRY up to the retry bound.
func (s *senderSession) sendFrame(f *os.File, u Unit, payload []byte, off int64) error {
	sum := frameChecksum(s.version, payload)
	for attempt := 0; ; attempt++ {
		if err := writeBlock(s.conn, s.version, uint64(off), payload, sum); err != nil {
			return err
		}
		if err := s.conn.Flush(); err != nil {
			return fmt.Errorf("failed to flush block: %w", err)
		}
		s.sub.FramesSent++
		msg, err := expectMessage(s.conn, s.version, msgAck)
		if err != nil {
			return err
		}
		switch msg.(Ack).Status {
		case StatusOK:
			return nil
		case StatusAbort:
			return ErrAborted
		case StatusError:
			return &unitError{fmt.Errorf("%w: %s at offset %d", ErrRemoteWrite, u.RelPath, off)}
		case StatusRetry:
		default:
			return fmt.Errorf("%w: ack status %s", ErrUnexpectedMessage, msg.(Ack).Status)
		}

		s.sub.FrameRetries++
		if attempt >= s.opts.BlockRetries {
			s.cancelUnit()
			return &unitError{fmt.Errorf("%w: %s at offset %d after %d retries", ErrChecksumMismatch, u.RelPath, off, attempt)}
		}
		s.log.Debug("frame checksum mismatch, resending", "path", u.RelPath, "offset", off, "attempt", attempt+1)
		if err := readSource(f, payload, off); err != nil {
			s.cancelUnit()
			return &unitError{err}
		}
		sum = frameChecksum(s.version, payload)
	}
}

// cancelUnit tells the receiver to drop the open unit. Errors surface on
// the next exchange.
func (s *senderSession) cancelUnit() {
	if err := writeUnitCancel(s.conn); err == nil {
		s.conn.Flush()
	}
}

// finish exchanges Fin and FinAck. Failures after a complete run are
// logged only, since every unit has already been acknowledged.
func (s *senderSession) finish(aborted bool) {
	if s.conn == nil {
		return
	}
	err := writeFin(s.conn, Fin{Aborted: aborted})
	if err == nil {
		err = s.conn.Flush()
	}
	if err == nil {
		_, err = expectMessage(s.conn, s.version, msgFinAck)
	}
	if err != nil && !aborted {
		s.log.Warn("failed to close session cleanly", "error", err)
	}
}

func (s *senderSession) progress(p Progress) {
	if s.w.Progress == nil {
		return
	}
	p.ConnID = s.w.ConnID
	s.w.Progress(p)
}

func readSource(f *os.File, p []byte, off int64) error {
	n, err := f.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: short read at offset %d", ErrFileChanged, off)
	}
	return fmt.Errorf("failed to read source at offset %d: %w", off, err)
}

// sleepOrAbort waits d and returns false if ctx ended or ab fired first.
func sleepOrAbort(ctx context.Context, ab abort.Checker, d time.Duration) bool {
	const slice = 50 * time.Millisecond
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if ab.ShouldAbort() {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(min(slice, time.Until(deadline))):
		}
	}
	return !ab.ShouldAbort()
}
