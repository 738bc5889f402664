// Package server implements the reverse tunnel server: the public control
// and data channel listener, the per-service visitor listeners, and the
// handshake and forwarding logic that ties them together.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/duskrelay/tunnel/internal/config"
	"github.com/duskrelay/tunnel/internal/metrics"
	"github.com/duskrelay/tunnel/pkg/multimap"
	"github.com/duskrelay/tunnel/pkg/protocol"
	"github.com/duskrelay/tunnel/pkg/transport"
)

// Server is the reverse tunnel server's core engine: one shared listener
// that every client dials to establish a control channel or open a data
// channel, a service table resolved by digest, and the live control
// channel index that pairs the two.
type Server struct {
	cfg       *config.ServerConfig
	transport transport.Transport
	metrics   *metrics.Metrics

	servicesMu sync.RWMutex
	services   map[protocol.Digest]config.ServerServiceConfig

	channels *multimap.MultiMap[protocol.Digest, protocol.Digest, *ControlChannelHandle]

	addrMu     sync.Mutex
	listenAddr net.Addr
}

// Addr returns the address the main listener is bound to, or nil if Run
// has not yet bound it. Mainly useful for tests that bind an ephemeral
// port and need to discover what it resolved to.
func (s *Server) Addr() net.Addr {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.listenAddr
}

// New builds a Server from cfg. If m is nil, a fresh, unshared Metrics
// registry is created — callers that want to serve /metrics themselves
// should build their own Metrics and pass it in.
func New(cfg *config.ServerConfig, m *metrics.Metrics) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("server: config is required")
	}
	var tlsCfg *transport.TLSConfig
	if cfg.Transport.Type == config.TransportTLS && cfg.Transport.TLS != nil {
		tlsCfg = &transport.TLSConfig{
			CertFile: cfg.Transport.TLS.CertFile,
			KeyFile:  cfg.Transport.TLS.KeyFile,
		}
	}
	typ := transport.TypeTCP
	if cfg.Transport.Type == config.TransportTLS {
		typ = transport.TypeTLS
	}
	tr, err := transport.New(typ, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("server: build transport: %w", err)
	}
	if m == nil {
		m = metrics.New()
	}
	return &Server{
		cfg:       cfg,
		transport: tr,
		metrics:   m,
		services:  buildServiceTable(cfg),
		channels:  multimap.New[protocol.Digest, protocol.Digest, *ControlChannelHandle](),
	}, nil
}

// buildServiceTable indexes the configured services by the digest clients
// present in their ControlChannelHello, the Go equivalent of the
// original's generate_service_hashmap.
func buildServiceTable(cfg *config.ServerConfig) map[protocol.Digest]config.ServerServiceConfig {
	out := make(map[protocol.Digest]config.ServerServiceConfig, len(cfg.Services))
	for _, svc := range cfg.Services {
		out[protocol.ServiceDigest(svc.Name)] = svc
	}
	return out
}

// Run binds the shared listener and serves until ctx is cancelled. It
// never returns an error on a clean shutdown; the caller decides when
// that is by cancelling ctx.
func (s *Server) Run(ctx context.Context) error {
	listener, err := s.transport.Bind(ctx, s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("server: bind %s: %w", s.cfg.BindAddr, err)
	}
	defer listener.Close()

	s.addrMu.Lock()
	s.listenAddr = listener.Addr()
	s.addrMu.Unlock()

	// Accept has no ctx parameter of its own, so cancellation has to reach
	// it by closing the listener out from under it; this is what lets the
	// accept loop unwind when the server is idle at shutdown.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	klog.InfoS("server listening", "addr", listener.Addr())

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		default:
		}

		conn, addr, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.shutdown()
				return nil
			}
			var terr *transport.Error
			if errors.As(err, &terr) {
				// Transport-layer failure (e.g. a failed TLS handshake) is
				// scoped to the one connection that caused it; the
				// listener itself is still healthy.
				klog.ErrorS(err, "dropping connection after transport error")
				continue
			}
			d := bo.NextBackOff()
			klog.ErrorS(err, "accept failed on main listener, backing off", "backoff", d)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				s.shutdown()
				return nil
			}
			continue
		}
		bo.Reset()

		connID := uuid.NewString()
		klog.V(4).InfoS("accepted connection", "addr", addr, "conn", connID)
		go func() {
			if err := s.handleConnection(ctx, conn, connID); err != nil {
				klog.ErrorS(err, "connection handling ended", "conn", connID)
			}
		}()
	}
}

// shutdown closes every installed control channel. It does not wait for
// in-flight forwarders to drain; it only stops new work from starting.
func (s *Server) shutdown() {
	klog.InfoS("server shutting down, closing control channels")
	for _, h := range s.channels.Values() {
		h.Close()
	}
}

// evictIfCurrent removes h from the service index if and only if it is
// still the installed handle for serviceDigest. A reconnect may have
// already replaced it by the time a late bind failure is reported, in
// which case this is a no-op.
func (s *Server) evictIfCurrent(serviceDigest protocol.Digest, h *ControlChannelHandle) {
	if cur, ok := s.channels.GetByK1(serviceDigest); ok && cur == h {
		s.channels.RemoveByK1(serviceDigest)
		klog.Warningf("evicted control channel for service %s after public bind failure", h.service.Name)
		s.metrics.ControlChannels.Set(float64(s.channels.Len()))
	}
}
