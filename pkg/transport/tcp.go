package transport

import (
	"context"
	"net"
)

// TCPTransport is the plain-TCP Transport implementation: the default,
// since TLS is only added when an operator explicitly configures it.
type TCPTransport struct {
	lc net.ListenConfig
}

// NewTCPTransport returns a ready-to-use plain TCP transport.
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{}
}

func (t *TCPTransport) Bind(ctx context.Context, addr string) (Listener, error) {
	l, err := t.lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{l: l}, nil
}

type tcpListener struct {
	l net.Listener
}

func (l *tcpListener) Accept() (Stream, net.Addr, error) {
	conn, err := l.l.Accept()
	if err != nil {
		return nil, nil, err
	}
	return conn, conn.RemoteAddr(), nil
}

func (l *tcpListener) Addr() net.Addr { return l.l.Addr() }
func (l *tcpListener) Close() error   { return l.l.Close() }
