// Package transport abstracts the byte-stream layer the server core runs
// over. The core only ever needs a listener that yields authenticated
// net.Conn-shaped streams; how those streams are secured (plain TCP or
// TLS) is the transport implementation's concern, not the protocol
// engine's. This keeps the handshake, control channel, and pool code in
// pkg/server free of any net or crypto/tls import.
package transport

import (
	"context"
	"fmt"
	"net"
)

// Stream is a bidirectional byte stream, the minimal capability the core
// needs from any connection regardless of transport.
type Stream = net.Conn

// Transport binds a listen address and accepts inbound streams from it.
// Realisations in this repository: plain TCP and TLS-over-TCP; no other
// capability is required of a transport.
type Transport interface {
	// Bind starts listening at addr and returns a Listener.
	Bind(ctx context.Context, addr string) (Listener, error)
}

// Listener yields authenticated streams and the remote address each came
// from, until Close is called.
type Listener interface {
	Accept() (Stream, net.Addr, error)
	Addr() net.Addr
	Close() error
}

// Type selects a Transport implementation from configuration.
type Type string

const (
	TypeTCP Type = "tcp"
	TypeTLS Type = "tls"
)

// New builds the Transport named by typ, configured by cfg (nil is valid
// for TypeTCP; TypeTLS requires cfg).
func New(typ Type, cfg *TLSConfig) (Transport, error) {
	switch typ {
	case "", TypeTCP:
		return NewTCPTransport(), nil
	case TypeTLS:
		if cfg == nil {
			return nil, fmt.Errorf("transport: tls transport requires a tls config")
		}
		return NewTLSTransport(cfg)
	default:
		return nil, fmt.Errorf("transport: unknown transport type %q", typ)
	}
}
