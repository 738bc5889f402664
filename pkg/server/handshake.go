package server

import (
	"context"
	"crypto/rand"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/duskrelay/tunnel/pkg/protocol"
	"github.com/duskrelay/tunnel/pkg/transport"
)

// handleConnection runs the handshake state machine: every inbound
// connection starts by sending a Hello, and its Kind decides whether this
// is a new control channel or a data channel reporting back in on an
// existing one.
func (s *Server) handleConnection(ctx context.Context, conn transport.Stream, connID string) error {
	hello, err := protocol.ReadHello(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("read hello: %w", err)
	}

	switch hello.Kind {
	case protocol.HelloKindControlChannel:
		return s.handleControlChannelHello(ctx, conn, connID, hello.Digest)
	case protocol.HelloKindDataChannel:
		return s.handleDataChannelHello(conn, connID, hello.Digest)
	default:
		conn.Close()
		return fmt.Errorf("unrecognized hello kind %d", hello.Kind)
	}
}

// handleControlChannelHello challenges with a nonce, verifies the
// client's Auth against the service's token, evicts any control channel
// already installed for this service, and installs the new one.
func (s *Server) handleControlChannelHello(ctx context.Context, conn transport.Stream, connID string, serviceDigest protocol.Digest) error {
	var nonce protocol.Digest
	if _, err := rand.Read(nonce[:]); err != nil {
		conn.Close()
		return fmt.Errorf("generate nonce: %w", err)
	}
	if err := protocol.WriteHello(conn, protocol.ControlChannelHello(nonce)); err != nil {
		conn.Close()
		return fmt.Errorf("send hello challenge: %w", err)
	}

	s.servicesMu.RLock()
	svc, ok := s.services[serviceDigest]
	s.servicesMu.RUnlock()
	if !ok {
		if err := protocol.WriteAck(conn, protocol.Ack{Kind: protocol.AckServiceNotExist}); err != nil {
			klog.ErrorS(err, "failed to send ServiceNotExist ack", "conn", connID)
		}
		conn.Close()
		s.metrics.HandshakeFailures.WithLabelValues("service_not_exist").Inc()
		return fmt.Errorf("unknown service digest %x", serviceDigest)
	}

	auth, err := protocol.ReadAuth(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("read auth: %w", err)
	}

	expected := protocol.SessionKey(svc.Token, nonce)
	if auth.SessionKey != expected {
		if err := protocol.WriteAck(conn, protocol.Ack{Kind: protocol.AckAuthFailed}); err != nil {
			klog.ErrorS(err, "failed to send AuthFailed ack", "conn", connID)
		}
		conn.Close()
		s.metrics.HandshakeFailures.WithLabelValues("auth_failed").Inc()
		return fmt.Errorf("service %s failed authentication", svc.Name)
	}

	if prev, ok := s.channels.RemoveByK1(serviceDigest); ok {
		klog.Warningf("service %s reconnected, closing previous control channel", svc.Name)
		prev.Close()
	}

	if err := protocol.WriteAck(conn, protocol.Ack{Kind: protocol.AckOk}); err != nil {
		conn.Close()
		return fmt.Errorf("send ok ack: %w", err)
	}

	klog.InfoS("control channel established", "service", svc.Name, "conn", connID)

	var handle *ControlChannelHandle
	handle = newControlChannelHandle(ctx, conn, svc, s.metrics, func() {
		s.evictIfCurrent(serviceDigest, handle)
	})

	// The session key doubles as the data channel routing token: it is
	// the value the client echoes back in its DataChannelHello, per the
	// original's server.rs (service_digest, session_key) install.
	s.channels.Insert(serviceDigest, expected, handle)
	s.metrics.ControlChannels.Set(float64(s.channels.Len()))
	return nil
}

// handleDataChannelHello routes an inbound data channel to the pool of
// the control channel whose session key it presents.
func (s *Server) handleDataChannelHello(conn transport.Stream, connID string, sessionKey protocol.Digest) error {
	handle, ok := s.channels.GetByK2(sessionKey)
	if !ok {
		klog.Warningf("data channel with unrecognized session key from conn %s", connID)
		conn.Close()
		return fmt.Errorf("data channel with unrecognized session key")
	}
	if !handle.Pool().enqueueDataChannel(context.Background(), conn) {
		conn.Close()
	}
	return nil
}
