package transfer

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sheerbytes/warp/internal/transport"
)

const connBufferSize = 256 * 1024

// conn buffers a stream and bounds each read and write by the I/O timeout.
// Streams with deadlines get them set per call. Other streams are closed by
// a watchdog when one call outlasts the timeout, which ends the stream.
type conn struct {
	stream    transport.Stream
	deadlines transport.DeadlineSetter
	timeout   time.Duration
	pollUntil time.Time
	r         *bufio.Reader
	w         *bufio.Writer

	// peek is the pending idle wait on a stream without deadlines. While
	// it is set only its goroutine touches r.
	peek chan error
	idle bool
}

func newConn(s transport.Stream, timeout time.Duration) *conn {
	c := &conn{stream: s, timeout: timeout}
	c.deadlines, _ = s.(transport.DeadlineSetter)
	c.r = bufio.NewReaderSize(timedReader{c}, connBufferSize)
	c.w = bufio.NewWriterSize(timedWriter{c}, connBufferSize)
	return c
}

type timedReader struct{ c *conn }

func (t timedReader) Read(p []byte) (int, error) {
	c := t.c
	if c.deadlines == nil {
		if c.idle {
			return c.stream.Read(p)
		}
		return watchdog(c, func() (int, error) { return c.stream.Read(p) })
	}
	deadline := c.pollUntil
	if deadline.IsZero() {
		deadline = time.Now().Add(c.timeout)
	}
	if err := c.deadlines.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	return c.stream.Read(p)
}

type timedWriter struct{ c *conn }

func (t timedWriter) Write(p []byte) (int, error) {
	c := t.c
	if c.deadlines == nil {
		return watchdog(c, func() (int, error) { return c.stream.Write(p) })
	}
	if err := c.deadlines.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.stream.Write(p)
}

// watchdog runs one I/O call and closes the stream if it outlasts the
// timeout.
func watchdog(c *conn, call func() (int, error)) (int, error) {
	if c.timeout <= 0 {
		return call()
	}
	timer := time.AfterFunc(c.timeout, func() { c.stream.Close() })
	n, err := call()
	if !timer.Stop() && err != nil {
		err = fmt.Errorf("%w: no progress for %s", os.ErrDeadlineExceeded, c.timeout)
	}
	return n, err
}

func (c *conn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *conn) Write(p []byte) (int, error) { return c.w.Write(p) }
func (c *conn) Flush() error                { return c.w.Flush() }
func (c *conn) Close() error                { return c.stream.Close() }

// waitReadable blocks until at least one byte is buffered or poll elapses.
// It returns false on an elapsed poll; the stream stays usable.
func (c *conn) waitReadable(poll time.Duration) (bool, error) {
	if c.peek == nil && c.r.Buffered() > 0 {
		return true, nil
	}
	if c.deadlines == nil {
		return c.waitReadableAsync(poll)
	}
	c.pollUntil = time.Now().Add(poll)
	_, err := c.r.Peek(1)
	c.pollUntil = time.Time{}
	if err != nil {
		if isTimeout(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// waitReadableAsync peeks on a goroutine so the caller gets back to its
// abort check every poll. Idle waits are not bounded by the I/O timeout,
// matching streams with deadlines.
func (c *conn) waitReadableAsync(poll time.Duration) (bool, error) {
	if c.peek == nil {
		ch := make(chan error, 1)
		c.peek = ch
		c.idle = true
		go func() {
			_, err := c.r.Peek(1)
			c.idle = false
			ch <- err
		}()
	}
	timer := time.NewTimer(poll)
	defer timer.Stop()
	select {
	case err := <-c.peek:
		c.peek = nil
		if err != nil {
			return false, err
		}
		return true, nil
	case <-timer.C:
		return false, nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
