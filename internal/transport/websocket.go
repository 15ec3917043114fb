package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketPath is the HTTP path a receiver upgrades on.
const WebSocketPath = "/warp"

const wsWriteTimeout = 30 * time.Second

var errListenerClosed = errors.New("listener closed")

type wsTransport struct {
	opts Options
	log  *slog.Logger
}

func (t *wsTransport) Name() string { return WebSocket }

func (t *wsTransport) Listen(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &wsListener{
		ln:      ln,
		log:     t.log,
		streams: make(chan *wsStream),
		closed:  make(chan struct{}),
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			l.log.Debug("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
			return
		}
		s := newWSStream(conn)
		select {
		case l.streams <- s:
		case <-r.Context().Done():
			s.Close()
		case <-l.closed:
			s.Close()
		}
	})
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Warn("websocket server stopped", "error", err)
		}
	}()
	return l, nil
}

func (t *wsTransport) Dial(ctx context.Context, addr string) (Stream, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: t.opts.dialTimeout(),
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: WebSocketPath}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}
	return newWSStream(conn), nil
}

type wsListener struct {
	ln      net.Listener
	srv     *http.Server
	log     *slog.Logger
	streams chan *wsStream

	closeOnce sync.Once
	closed    chan struct{}
}

// Accept returns the next upgraded connection. Upgrades that arrive while no
// Accept is pending wait until one is, or until the client gives up.
func (l *wsListener) Accept(ctx context.Context) (Stream, error) {
	select {
	case s := <-l.streams:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, errListenerClosed
	}
}

func (l *wsListener) Addr() net.Addr { return l.ln.Addr() }
func (l *wsListener) Port() int      { return portOf(l.ln.Addr()) }

func (l *wsListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.srv.Close()
	})
	return err
}

// wsStream adapts a message-oriented websocket connection to a byte stream.
// Each Write becomes one binary message. It does not implement
// DeadlineSetter: a websocket read that times out corrupts the connection,
// so callers bound reads by closing the stream instead.
type wsStream struct {
	conn *websocket.Conn
	r    io.Reader

	closeOnce sync.Once
	closeErr  error
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.r == nil {
			mt, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if err == io.EOF {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return 0, err
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
