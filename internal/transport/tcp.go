package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"
)

const (
	minSocketBuffer = 256 * 1024
	maxSocketBuffer = 64 * 1024 * 1024
)

func clampSocketBuffer(n int) int {
	if n < minSocketBuffer {
		return minSocketBuffer
	}
	if n > maxSocketBuffer {
		return maxSocketBuffer
	}
	return n
}

type tcpTransport struct {
	opts Options
	log  *slog.Logger
}

func (t *tcpTransport) Name() string { return TCP }

func (t *tcpTransport) Listen(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln.(*net.TCPListener), t: t}, nil
}

func (t *tcpTransport) Dial(ctx context.Context, addr string) (Stream, error) {
	d := net.Dialer{Timeout: t.opts.dialTimeout()}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	t.tune(conn.(*net.TCPConn))
	return conn.(*net.TCPConn), nil
}

// tune applies socket options on a best-effort basis.
func (t *tcpTransport) tune(conn *net.TCPConn) {
	_ = conn.SetNoDelay(true)
	if t.opts.SocketBuffer <= 0 {
		return
	}
	size := clampSocketBuffer(t.opts.SocketBuffer)
	if err := conn.SetReadBuffer(size); err != nil {
		t.log.Debug("tcp read buffer not applied", "size", size, "error", err)
	}
	if err := conn.SetWriteBuffer(size); err != nil {
		t.log.Debug("tcp write buffer not applied", "size", size, "error", err)
	}
}

type tcpListener struct {
	ln *net.TCPListener
	t  *tcpTransport
}

// Accept unblocks on ctx by moving the listener deadline instead of closing
// it, so the port stays bound for later sessions.
func (l *tcpListener) Accept(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := l.ln.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("failed to reset accept deadline: %w", err)
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
			_ = l.ln.SetDeadline(time.Now())
		case <-stop:
		}
	}()
	conn, err := l.ln.AcceptTCP()
	close(stop)
	<-done
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}
	if ctx.Err() != nil {
		conn.Close()
		return nil, ctx.Err()
	}
	l.t.tune(conn)
	return conn, nil
}

func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }
func (l *tcpListener) Port() int      { return portOf(l.ln.Addr()) }
func (l *tcpListener) Close() error   { return l.ln.Close() }
