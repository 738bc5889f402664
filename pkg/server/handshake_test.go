package server_test

import (
	"context"
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"

	"github.com/duskrelay/tunnel/internal/config"
	"github.com/duskrelay/tunnel/internal/metrics"
	"github.com/duskrelay/tunnel/pkg/protocol"
	"github.com/duskrelay/tunnel/pkg/server"
)

// freePort binds an ephemeral TCP port, closes it immediately, and returns
// its address. Good enough for handing a bind_addr to a service before its
// own public listener binds it for real.
func freePort(t testing.TB) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

// startTestServer runs a Server in the background and returns its bound
// address and a stop func that cancels it and waits for Run to return.
func startTestServer(t testing.TB, cfg *config.ServerConfig) (string, func()) {
	t.Helper()
	srv, err := server.New(cfg, metrics.New())
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server never bound its listener")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv.Addr().String(), func() {
		cancel()
		<-errCh
	}
}

func dialAndSendControlHello(t testing.TB, addr, serviceName string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	digest := protocol.ServiceDigest(serviceName)
	if err := protocol.WriteHello(conn, protocol.ControlChannelHello(digest)); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	return conn
}

func TestControlChannelHandshakeUnknownServiceIsRejected(t *testing.T) {
	cfg := &config.ServerConfig{
		BindAddr: "127.0.0.1:0",
		Services: map[string]config.ServerServiceConfig{
			"web": {Name: "web", Token: "secret", BindAddr: freePort(t)},
		},
	}
	addr, stop := startTestServer(t, cfg)
	defer stop()

	conn := dialAndSendControlHello(t, addr, "does-not-exist")
	defer conn.Close()

	hello, err := protocol.ReadHello(conn)
	if err != nil {
		t.Fatalf("read challenge hello: %v", err)
	}
	if hello.Kind != protocol.HelloKindControlChannel {
		t.Fatalf("unexpected hello kind %v", hello.Kind)
	}

	ack, err := protocol.ReadAck(conn)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Kind != protocol.AckServiceNotExist {
		t.Fatalf("got ack kind %v, want AckServiceNotExist", ack.Kind)
	}
}

func TestControlChannelHandshakeAuthFailureIsRejected(t *testing.T) {
	cfg := &config.ServerConfig{
		BindAddr: "127.0.0.1:0",
		Services: map[string]config.ServerServiceConfig{
			"web": {Name: "web", Token: "secret", BindAddr: freePort(t)},
		},
	}
	addr, stop := startTestServer(t, cfg)
	defer stop()

	conn := dialAndSendControlHello(t, addr, "web")
	defer conn.Close()

	if _, err := protocol.ReadHello(conn); err != nil {
		t.Fatalf("read challenge hello: %v", err)
	}

	var wrongSessionKey protocol.Digest
	rand.Read(wrongSessionKey[:])
	if err := protocol.WriteAuth(conn, protocol.Auth{SessionKey: wrongSessionKey}); err != nil {
		t.Fatalf("write auth: %v", err)
	}

	ack, err := protocol.ReadAck(conn)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Kind != protocol.AckAuthFailed {
		t.Fatalf("got ack kind %v, want AckAuthFailed", ack.Kind)
	}
}

func TestControlChannelHandshakeSuccessThenReconnectEvictsOld(t *testing.T) {
	cfg := &config.ServerConfig{
		BindAddr: "127.0.0.1:0",
		Services: map[string]config.ServerServiceConfig{
			"web": {Name: "web", Token: "secret", BindAddr: freePort(t)},
		},
	}
	addr, stop := startTestServer(t, cfg)
	defer stop()

	first := dialAndSendControlHello(t, addr, "web")
	defer first.Close()
	hello, err := protocol.ReadHello(first)
	if err != nil {
		t.Fatalf("read challenge hello: %v", err)
	}
	sessionKey := protocol.SessionKey("secret", hello.Digest)
	if err := protocol.WriteAuth(first, protocol.Auth{SessionKey: sessionKey}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	ack, err := protocol.ReadAck(first)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Kind != protocol.AckOk {
		t.Fatalf("got ack kind %v, want AckOk", ack.Kind)
	}

	// A second control channel for the same service should succeed and
	// force the first connection closed.
	second := dialAndSendControlHello(t, addr, "web")
	defer second.Close()
	hello2, err := protocol.ReadHello(second)
	if err != nil {
		t.Fatalf("read challenge hello: %v", err)
	}
	sessionKey2 := protocol.SessionKey("secret", hello2.Digest)
	if err := protocol.WriteAuth(second, protocol.Auth{SessionKey: sessionKey2}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	ack2, err := protocol.ReadAck(second)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack2.Kind != protocol.AckOk {
		t.Fatalf("got ack kind %v, want AckOk", ack2.Kind)
	}

	// The first connection still holds the CreateDataChannel commands its
	// control channel sent before eviction; drain them and expect EOF.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.Copy(io.Discard, first); err != nil {
		t.Fatalf("expected the first control channel to be closed after reconnect, got %v", err)
	}
}

func TestDataChannelHandshakeUnknownSessionKeyIsDropped(t *testing.T) {
	cfg := &config.ServerConfig{
		BindAddr: "127.0.0.1:0",
		Services: map[string]config.ServerServiceConfig{
			"web": {Name: "web", Token: "secret", BindAddr: freePort(t)},
		},
	}
	addr, stop := startTestServer(t, cfg)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var bogus protocol.Digest
	rand.Read(bogus[:])
	if err := protocol.WriteHello(conn, protocol.DataChannelHello(bogus)); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected the server to close a data channel with an unrecognized session key")
	}
}
