package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sheerbytes/warp/internal/abort"
	"github.com/sheerbytes/warp/internal/bufpool"
	"github.com/sheerbytes/warp/internal/report"
	"github.com/sheerbytes/warp/internal/transport"
	"github.com/sheerbytes/warp/internal/xferlog"
)

// ReceiverSession is the state shared by every receiver worker of one
// transfer: destination files, the transfer log and the transfer id.
type ReceiverSession struct {
	root    string
	opts    Options
	abort   abort.Checker
	tracker *FileTracker
	log     *slog.Logger

	mu         sync.Mutex
	transferID string
	xlog       *xferlog.Log
	completed  map[string]xferlog.Entry
}

// NewReceiverSession prepares a session writing under root. With a
// non-empty opts.TransferID the log is opened immediately; otherwise the
// first sender's id is adopted and the log is opened then.
func NewReceiverSession(root string, ab abort.Checker, opts Options) (*ReceiverSession, error) {
	opts = NormalizeOptions(opts)
	if ab == nil {
		ab = abort.Never
	}
	s := &ReceiverSession{
		root:    root,
		opts:    opts,
		abort:   ab,
		tracker: NewFileTracker(root),
		log:     opts.Logger,
	}
	if opts.TransferID != "" {
		s.mu.Lock()
		err := s.openLogLocked(opts.TransferID)
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *ReceiverSession) openLogLocked(id string) error {
	l, err := xferlog.Open(s.root, id)
	if err != nil {
		return fmt.Errorf("failed to open transfer log: %w", err)
	}
	completed, err := l.LoadCompleted()
	if err != nil {
		l.Close()
		return fmt.Errorf("failed to load transfer log: %w", err)
	}
	if d := l.Discarded(); d > 0 {
		s.log.Warn("discarded incomplete transfer log tail", "path", l.Path(), "bytes", d)
	}
	s.transferID = id
	s.xlog = l
	s.completed = completed
	s.log.Info("transfer log opened", "path", l.Path(), "completed", len(completed))
	return nil
}

// admit checks a sender's transfer id against the session.
func (s *ReceiverSession) admit(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.xlog == nil {
		if s.opts.TransferID != "" {
			return fmt.Errorf("%w: transfer log is closed", ErrTransferIDRejected)
		}
		return s.openLogLocked(id)
	}
	if id != s.transferID {
		return fmt.Errorf("%w: got %q, serving %q", ErrTransferIDRejected, id, s.transferID)
	}
	return nil
}

// TransferID returns the id the session serves; empty until adopted.
func (s *ReceiverSession) TransferID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferID
}

// loggedComplete reports whether the log lists relPath complete with size.
func (s *ReceiverSession) loggedComplete(relPath string, size int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.completed[relPath]
	return ok && e.Size == size
}

func (s *ReceiverSession) record(e xferlog.Entry) error {
	s.mu.Lock()
	l := s.xlog
	s.mu.Unlock()
	if l == nil {
		return xferlog.ErrClosed
	}
	return l.Record(e)
}

// Close releases open destination files and the log. It returns the paths
// of files left incomplete.
func (s *ReceiverSession) Close() ([]string, error) {
	partial := s.tracker.CloseAll()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.xlog == nil {
		return partial, nil
	}
	err := s.xlog.Close()
	s.xlog = nil
	return partial, err
}

// ReceiverWorker serves one port of a receiver session.
type ReceiverWorker struct {
	ConnID   int
	Listener transport.Listener
	Session  *ReceiverSession
	Progress ProgressFn
}

type receiverConn struct {
	w       *ReceiverWorker
	sess    *ReceiverSession
	opts    Options
	abort   abort.Checker
	log     *slog.Logger
	sub     *report.SubReport
	version int
	pool    *bufpool.Pool
}

// Serve runs the protocol on first and, after a broken stream, on streams
// re-accepted from the listener while reconnects remain.
func (w *ReceiverWorker) Serve(ctx context.Context, first transport.Stream) report.SubReport {
	sess := w.Session
	sub := report.SubReport{ConnID: w.ConnID, Role: RoleReceiver}
	if w.Listener != nil {
		sub.Port = w.Listener.Port()
	}
	rc := &receiverConn{
		w:     w,
		sess:  sess,
		opts:  sess.opts,
		abort: abort.Any(sess.abort, abort.FromContext(ctx)),
		log:   sess.log.With("conn", w.ConnID),
		sub:   &sub,
		pool:  bufpool.For(sess.opts.FrameSize),
	}

	start := time.Now()
	err := rc.serveLoop(ctx, first)
	sub.Elapsed = time.Since(start)
	sub.ProtocolVersion = rc.version
	sub.End(err)
	if err != nil {
		rc.log.Debug("receiver worker finished", "code", sub.Code, "error", err)
	} else {
		rc.log.Debug("receiver worker finished", "files", sub.FilesTransferred, "bytes", sub.BytesMoved)
	}
	return sub
}

func (rc *receiverConn) serveLoop(ctx context.Context, stream transport.Stream) error {
	reaccepts := rc.opts.Reconnects
	for {
		err := rc.serveStream(stream)
		if err == nil || errors.Is(err, ErrAborted) || report.Classify(err).Fatal() {
			return err
		}
		if reaccepts <= 0 || rc.w.Listener == nil || rc.abort.ShouldAbort() {
			return err
		}
		reaccepts--
		rc.sub.Reconnects++
		rc.log.Info("stream broken, waiting for sender to reconnect", "error", err)
		actx, cancel := context.WithTimeout(ctx, rc.opts.ReconnectWait)
		next, aerr := rc.w.Listener.Accept(actx)
		cancel()
		if aerr != nil {
			return fmt.Errorf("%w (no reconnect: %v)", err, aerr)
		}
		stream = next
	}
}

// serveStream handles one stream from handshake to Fin.
func (rc *receiverConn) serveStream(stream transport.Stream) error {
	c := newConn(stream, rc.opts.IOTimeout)
	defer c.Close()

	version, err := rc.accept(c)
	if err != nil {
		return err
	}
	rc.version = version

	for {
		for {
			if rc.abort.ShouldAbort() {
				return ErrAborted
			}
			ready, err := c.waitReadable(rc.opts.IdlePoll)
			if err != nil {
				return fmt.Errorf("failed waiting for sender: %w", err)
			}
			if ready {
				break
			}
		}

		typ, msg, err := readMessage(c, version)
		if err != nil {
			return err
		}
		switch typ {
		case msgFileHeader:
			if err := rc.receiveUnit(c, msg.(FileHeader)); err != nil {
				return err
			}
		case msgFin:
			if err := writeFinAck(c, FinAck{Status: StatusOK}); err == nil {
				c.Flush()
			}
			if msg.(Fin).Aborted {
				return ErrAborted
			}
			return nil
		default:
			return fmt.Errorf("%w: 0x%02x while waiting for a file header", ErrUnexpectedMessage, typ)
		}
	}
}

// accept reads the handshake and replies with the negotiated version or a
// rejection.
func (rc *receiverConn) accept(c *conn) (int, error) {
	hs, err := readHandshake(c)
	if err != nil {
		return 0, err
	}
	own := rc.opts.ProtocolVersion
	reply := func(status byte, version int) {
		if err := writeHandshakeReply(c, HandshakeReply{Status: status, Version: uint16(version)}); err == nil {
			c.Flush()
		}
	}

	version, err := Negotiate(int(hs.Version), own)
	if err != nil {
		rc.log.Error("protocol negotiation failed", "sender_version", hs.Version, "receiver_version", own, "error", err)
		reply(handshakeVersionRejected, own)
		return 0, err
	}
	if rc.abort.ShouldAbort() {
		reply(handshakeAborted, version)
		return 0, ErrAborted
	}
	if err := rc.sess.admit(hs.TransferID); err != nil {
		if errors.Is(err, ErrTransferIDRejected) {
			rc.log.Error("transfer id rejected", "error", err)
			reply(handshakeIDRejected, version)
			return 0, err
		}
		reply(handshakeError, version)
		return 0, report.WithCode(report.ResourceError, err)
	}
	if err := writeHandshakeReply(c, HandshakeReply{Status: handshakeOK, Version: uint16(version)}); err != nil {
		return 0, err
	}
	if err := c.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush handshake reply: %w", err)
	}
	rc.log.Debug("handshake complete", "version", version, "transfer_id", hs.TransferID)
	return version, nil
}

func (rc *receiverConn) replyHeader(c *conn, status Status, text string) error {
	if err := writeHeaderReply(c, HeaderReply{Status: status, Message: text}); err != nil {
		return err
	}
	return c.Flush()
}

// receiveUnit answers one file header and, when accepted, receives the
// unit's frames. A nil return leaves the stream ready for the next header.
func (rc *receiverConn) receiveUnit(c *conn, hdr FileHeader) error {
	tracker := rc.sess.tracker
	rel := hdr.RelPath
	size := int64(hdr.FileSize)
	off := int64(hdr.Offset)
	length := int64(hdr.Length)
	if size < 0 || off < 0 || length < 0 || off > size || length > size-off {
		return fmt.Errorf("%w: %s unit [%d,+%d) of %d bytes", ErrFrameOutOfRange, rel, hdr.Offset, hdr.Length, hdr.FileSize)
	}

	if rc.abort.ShouldAbort() {
		rc.replyHeader(c, StatusAbort, "receiver aborted")
		return ErrAborted
	}
	if rc.sess.loggedComplete(rel, size) && tracker.MatchesOnDisk(rel, size) {
		if tracker.MarkSkipped(rel) {
			rc.sub.FilesSkipped++
			rc.progress(Progress{RelPath: rel, Bytes: size, Skipped: true})
		}
		return rc.replyHeader(c, StatusSkip, "")
	}
	if tracker.Done(rel, size) {
		return rc.replyHeader(c, StatusSkip, "")
	}
	if err := tracker.Begin(rel, size, fileModeFromWire(hdr.Mode)); err != nil {
		if errors.Is(err, ErrInvalidPath) {
			rc.log.Warn("refusing file", "path", rel, "error", err)
			rc.sub.Fail(rel, err)
			return rc.replyHeader(c, StatusReject, err.Error())
		}
		rc.log.Error("cannot create destination", "path", rel, "error", err)
		rc.sub.Fail(rel, err)
		rc.sub.Code = report.Worse(rc.sub.Code, report.ResourceError)
		return rc.replyHeader(c, StatusError, err.Error())
	}
	if err := rc.replyHeader(c, StatusOK, ""); err != nil {
		return err
	}

	buf := rc.pool.Get()
	defer rc.pool.Put(buf)

	hash := newUnitHash(rc.version)
	pos, end := off, off+length
	for pos < end {
		abortedBefore := rc.abort.ShouldAbort()
		typ, msg, err := readMessage(c, rc.version)
		if err != nil {
			return err
		}
		switch typ {
		case msgUnitCancel:
			rc.log.Debug("unit cancelled by sender", "path", rel, "offset", off)
			return nil
		case msgBlock:
		default:
			return fmt.Errorf("%w: 0x%02x inside unit", ErrUnexpectedMessage, typ)
		}

		frame := msg.(BlockFrame)
		n := int64(frame.Length)
		if int64(frame.Offset) != pos || pos+n > end {
			return fmt.Errorf("%w: %s frame at %d+%d, expected %d", ErrFrameOutOfRange, rel, frame.Offset, frame.Length, pos)
		}
		payload := buf
		if int(frame.Length) > len(payload) {
			payload = make([]byte, frame.Length)
		}
		payload = payload[:frame.Length]
		sum, err := readBlockPayload(c, rc.version, payload)
		if err != nil {
			return err
		}

		if abortedBefore {
			// the frame began after the abort; nothing is written
			if err := writeAck(c, Ack{Status: StatusAbort}); err == nil {
				c.Flush()
			}
			return ErrAborted
		}
		if frameChecksum(rc.version, payload) != sum {
			rc.sub.FrameRetries++
			rc.log.Debug("frame checksum mismatch", "path", rel, "offset", pos)
			if err := writeAck(c, Ack{Status: StatusRetry}); err != nil {
				return err
			}
			if err := c.Flush(); err != nil {
				return err
			}
			continue
		}
		if err := tracker.WriteAt(rel, payload, pos); err != nil {
			rc.log.Error("write failed", "path", rel, "offset", pos, "error", err)
			rc.sub.Fail(rel, err)
			if err := writeAck(c, Ack{Status: StatusError}); err != nil {
				return err
			}
			return c.Flush()
		}
		hash.Write(payload)
		pos += n
		rc.sub.FramesSent++
		rc.sub.BytesMoved += n
		rc.progress(Progress{RelPath: rel, Bytes: n})

		status := StatusOK
		if rc.abort.ShouldAbort() {
			status = StatusAbort
		}
		if err := writeAck(c, Ack{Status: status}); err != nil {
			return err
		}
		if err := c.Flush(); err != nil {
			return err
		}
		if status == StatusAbort {
			return ErrAborted
		}
	}

	typ, msg, err := readMessage(c, rc.version)
	if err != nil {
		return err
	}
	switch typ {
	case msgUnitCancel:
		return nil
	case msgUnitEnd:
	default:
		return fmt.Errorf("%w: 0x%02x instead of unit end", ErrUnexpectedMessage, typ)
	}

	unitSum := hash.Sum()
	if msg.(UnitEnd).Checksum != unitSum {
		err := fmt.Errorf("%w: %s at offset %d", ErrUnitChecksum, rel, off)
		rc.log.Error("unit checksum mismatch", "path", rel, "offset", off)
		rc.sub.Fail(rel, err)
		return rc.unitDone(c, StatusError, false)
	}
	fileDone, digest, err := tracker.Commit(rel, off, length, unitSum)
	if err != nil {
		rc.log.Error("commit failed", "path", rel, "error", err)
		rc.sub.Fail(rel, err)
		return rc.unitDone(c, StatusError, false)
	}
	if fileDone {
		entry := xferlog.Entry{RelPath: rel, Size: size, Checksum: digest, Status: xferlog.StatusComplete}
		if err := rc.sess.record(entry); err != nil {
			rc.log.Warn("failed to record completed file", "path", rel, "error", err)
		}
		rc.sub.FilesTransferred++
		rc.progress(Progress{RelPath: rel, FileDone: true})
	}
	return rc.unitDone(c, StatusOK, fileDone)
}

func (rc *receiverConn) unitDone(c *conn, status Status, fileDone bool) error {
	if err := writeUnitDone(c, UnitDone{Status: status, FileDone: fileDone}); err != nil {
		return err
	}
	return c.Flush()
}

func (rc *receiverConn) progress(p Progress) {
	if rc.w.Progress == nil {
		return
	}
	p.ConnID = rc.w.ConnID
	rc.w.Progress(p)
}
