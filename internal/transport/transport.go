// Package transport provides the byte-stream connections a transfer runs
// over. Each port of a transfer carries exactly one stream.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/sheerbytes/warp/internal/logging"
)

const (
	TCP       = "tcp"
	QUIC      = "quic"
	WebSocket = "websocket"
)

// ErrUnknownTransport is returned by New for an unsupported name.
var ErrUnknownTransport = errors.New("unknown transport")

// Stream is a bidirectional byte stream owned by one worker.
type Stream interface {
	io.Reader
	io.Writer
	// Close releases the stream. Data already written is delivered on a
	// best-effort basis before the underlying connection is torn down.
	Close() error
	RemoteAddr() net.Addr
}

// DeadlineSetter is implemented by streams whose reads and writes can be
// bounded by deadlines. A read that times out leaves the stream usable.
type DeadlineSetter interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Listener accepts streams on one bound port.
type Listener interface {
	// Accept blocks until a stream arrives or ctx is done. The listener stays
	// usable after a context cancellation.
	Accept(ctx context.Context) (Stream, error)
	Addr() net.Addr
	Port() int
	Close() error
}

// Transport creates listeners and dials streams.
type Transport interface {
	Name() string
	Listen(addr string) (Listener, error)
	Dial(ctx context.Context, addr string) (Stream, error)
}

// Options tune all transports. Zero values select defaults.
type Options struct {
	DialTimeout time.Duration
	// SocketBuffer sizes kernel send and receive buffers for TCP.
	SocketBuffer int
	// QUICConnWindow and QUICStreamWindow bound QUIC flow-control windows.
	QUICConnWindow   int
	QUICStreamWindow int
	Logger           *slog.Logger
}

const defaultDialTimeout = 5 * time.Second

func (o Options) dialTimeout() time.Duration {
	if o.DialTimeout <= 0 {
		return defaultDialTimeout
	}
	return o.DialTimeout
}

func (o Options) logger() *slog.Logger {
	return logging.OrDiscard(o.Logger)
}

// New returns the transport registered under name.
func New(name string, opts Options) (Transport, error) {
	switch name {
	case "", TCP:
		return &tcpTransport{opts: opts, log: opts.logger()}, nil
	case QUIC:
		return newQUICTransport(opts), nil
	case WebSocket, "ws":
		return &wsTransport{opts: opts, log: opts.logger()}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownTransport, name)
	}
}

// Names lists the supported transports.
func Names() []string {
	return []string{TCP, QUIC, WebSocket}
}

// JoinHostPort formats an address for Listen and Dial.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func portOf(addr net.Addr) int {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.Port
	case *net.UDPAddr:
		return a.Port
	}
	_, p, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}
