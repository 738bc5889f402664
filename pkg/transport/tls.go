package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// TLSConfig configures the TLS transport. It is a thin wrapper so
// pkg/server can build one from internal/config's values without
// importing crypto/tls into the config package.
type TLSConfig struct {
	CertFile string
	KeyFile  string
	// Raw, when set, is used as-is instead of loading CertFile/KeyFile.
	// Tests build a TLSConfig this way from an in-memory certificate.
	Raw *tls.Config
}

func (c *TLSConfig) resolve() (*tls.Config, error) {
	if c.Raw != nil {
		return c.Raw.Clone(), nil
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("transport: load tls key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// TLSTransport is the TLS-over-TCP Transport implementation.
type TLSTransport struct {
	tcp    *TCPTransport
	tlsCfg *tls.Config
}

// NewTLSTransport builds a TLSTransport from cfg.
func NewTLSTransport(cfg *TLSConfig) (*TLSTransport, error) {
	resolved, err := cfg.resolve()
	if err != nil {
		return nil, err
	}
	return &TLSTransport{tcp: NewTCPTransport(), tlsCfg: resolved}, nil
}

func (t *TLSTransport) Bind(ctx context.Context, addr string) (Listener, error) {
	inner, err := t.tcp.Bind(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &tlsListener{inner: inner, cfg: t.tlsCfg}, nil
}

type tlsListener struct {
	inner Listener
	cfg   *tls.Config
}

// Error marks a failure that happened above the raw OS socket layer
// (e.g. a TLS handshake). The server accept loop treats these as
// per-connection failures to log and drop, never as a reason to back off
// the whole listener — that backoff is reserved for OS-level accept
// failures such as running out of file descriptors.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func (l *tlsListener) Accept() (Stream, net.Addr, error) {
	conn, addr, err := l.inner.Accept()
	if err != nil {
		// OS-level accept failure: propagate unwrapped so the caller's
		// backoff classification applies.
		return nil, nil, err
	}
	tlsConn := tls.Server(conn, l.cfg)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		conn.Close()
		return nil, addr, &Error{Op: "tls handshake", Err: err}
	}
	return tlsConn, addr, nil
}

func (l *tlsListener) Addr() net.Addr { return l.inner.Addr() }
func (l *tlsListener) Close() error   { return l.inner.Close() }
