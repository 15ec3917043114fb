package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ALPNProtocol is the Application-Layer Protocol Negotiation identifier for warp over QUIC.
	ALPNProtocol = "warp-quic-v1"

	defaultInitialConnWindow = 2 * 1024 * 1024
	minQuicConnWindow        = 1 * 1024 * 1024
	maxQuicConnWindow        = 1024 * 1024 * 1024
	minQuicStreamWindow      = 1 * 1024 * 1024
	maxQuicStreamWindow      = 256 * 1024 * 1024

	quicDrainTimeout = 2 * time.Second
)

var selfSignedCert = sync.OnceValues(generateSelfSignedCert)

// ServerTLSConfig returns a TLS configuration with a process-wide self-signed
// certificate. QUIC requires TLS; peers are not authenticated.
func ServerTLSConfig() (*tls.Config, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// ClientTLSConfig returns the TLS configuration used to dial a receiver.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"warp"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

// BuildQUICConfig returns the QUIC config for one transfer connection with
// flow-control windows clamped to sane bounds.
func BuildQUICConfig(connWin, streamWin int) *quic.Config {
	conn := clampInt(connWin, minQuicConnWindow, maxQuicConnWindow, 64*1024*1024)
	stream := clampInt(streamWin, minQuicStreamWindow, maxQuicStreamWindow, 16*1024*1024)
	initialConn := defaultInitialConnWindow
	if initialConn > conn {
		initialConn = conn
	}
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		MaxIncomingStreams:             1,
		InitialConnectionReceiveWindow: uint64(initialConn),
		MaxConnectionReceiveWindow:     uint64(conn),
		InitialStreamReceiveWindow:     uint64(stream),
		MaxStreamReceiveWindow:         uint64(stream),
	}
}

func clampInt(n, lo, hi, def int) int {
	if n <= 0 {
		return def
	}
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

type quicTransport struct {
	opts Options
	log  *slog.Logger
	cfg  *quic.Config
}

func newQUICTransport(opts Options) *quicTransport {
	return &quicTransport{
		opts: opts,
		log:  opts.logger(),
		cfg:  BuildQUICConfig(opts.QUICConnWindow, opts.QUICStreamWindow),
	}
}

func (t *quicTransport) Name() string { return QUIC }

func (t *quicTransport) Listen(addr string) (Listener, error) {
	tlsConf, err := ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, t.cfg)
	if err != nil {
		return nil, err
	}
	t.log.Debug("QUIC listener created", "local_addr", ln.Addr())
	return &quicListener{ln: ln, log: t.log}, nil
}

func (t *quicTransport) Dial(ctx context.Context, addr string) (Stream, error) {
	dctx, cancel := context.WithTimeout(ctx, t.opts.dialTimeout())
	defer cancel()
	conn, err := quic.DialAddr(dctx, addr, ClientTLSConfig(), t.cfg)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(dctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("failed to open QUIC stream: %w", err)
	}
	t.log.Debug("QUIC stream opened", "remote_addr", conn.RemoteAddr(), "stream_id", stream.StreamID())
	return &quicStream{conn: conn, stream: stream}, nil
}

type quicListener struct {
	ln  *quic.Listener
	log *slog.Logger
}

// Accept waits for a connection and its single transfer stream. The peer's
// stream becomes visible once it writes the handshake.
func (l *quicListener) Accept(ctx context.Context) (Stream, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to accept QUIC connection: %w", err)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to accept QUIC stream: %w", err)
	}
	l.log.Debug("QUIC stream accepted", "remote_addr", conn.RemoteAddr(), "stream_id", stream.StreamID())
	return &quicStream{conn: conn, stream: stream}, nil
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }
func (l *quicListener) Port() int      { return portOf(l.ln.Addr()) }
func (l *quicListener) Close() error   { return l.ln.Close() }

type quicStream struct {
	conn   *quic.Conn
	stream *quic.Stream

	closeOnce sync.Once
	closeErr  error
}

func (s *quicStream) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *quicStream) Write(p []byte) (int, error) { return s.stream.Write(p) }
func (s *quicStream) RemoteAddr() net.Addr        { return s.conn.RemoteAddr() }

func (s *quicStream) SetReadDeadline(t time.Time) error  { return s.stream.SetReadDeadline(t) }
func (s *quicStream) SetWriteDeadline(t time.Time) error { return s.stream.SetWriteDeadline(t) }

// Close sends FIN and waits briefly for the peer's FIN so buffered data is
// delivered before the connection is closed.
func (s *quicStream) Close() error {
	s.closeOnce.Do(func() {
		if err := s.stream.Close(); err != nil {
			s.closeErr = fmt.Errorf("failed to close QUIC stream: %w", err)
		}
		_ = s.stream.SetReadDeadline(time.Now().Add(quicDrainTimeout))
		if _, err := io.Copy(io.Discard, s.stream); err != nil {
			s.stream.CancelRead(0)
		}
		if err := s.conn.CloseWithError(0, ""); err != nil && s.closeErr == nil {
			s.closeErr = fmt.Errorf("failed to close QUIC connection: %w", err)
		}
	})
	return s.closeErr
}
