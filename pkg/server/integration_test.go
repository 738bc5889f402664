package server_test

import (
	"io"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/duskrelay/tunnel/internal/config"
	"github.com/duskrelay/tunnel/pkg/protocol"
)

var _ = Describe("reverse tunnel forwarding", func() {
	var (
		addr    string
		svcAddr string
		stop    func()
	)

	BeforeEach(func() {
		svcAddr = freePort(GinkgoT())
		cfg := &config.ServerConfig{
			BindAddr: "127.0.0.1:0",
			Services: map[string]config.ServerServiceConfig{
				"web": {Name: "web", Token: "secret", BindAddr: svcAddr},
			},
		}
		addr, stop = startTestServer(GinkgoT(), cfg)
	})

	AfterEach(func() {
		stop()
	})

	It("pairs a visitor with a data channel and forwards bytes in both directions", func() {
		control := dialAndSendControlHello(GinkgoT(), addr, "web")
		defer control.Close()

		hello, err := protocol.ReadHello(control)
		Expect(err).NotTo(HaveOccurred())

		sessionKey := protocol.SessionKey("secret", hello.Digest)
		Expect(protocol.WriteAuth(control, protocol.Auth{SessionKey: sessionKey})).To(Succeed())

		ack, err := protocol.ReadAck(control)
		Expect(err).NotTo(HaveOccurred())
		Expect(ack.Kind).To(Equal(protocol.AckOk))

		// The server proactively asks for data channels right after
		// install; the first one arrives without a visitor waiting.
		cmd, err := protocol.ReadControlChannelCmd(control)
		Expect(err).NotTo(HaveOccurred())
		Expect(cmd.Kind).To(Equal(protocol.ControlChannelCmdCreateDataChannel))

		dataConn, err := net.Dial("tcp", addr)
		Expect(err).NotTo(HaveOccurred())
		defer dataConn.Close()
		Expect(protocol.WriteHello(dataConn, protocol.DataChannelHello(sessionKey))).To(Succeed())

		visitor, err := net.Dial("tcp", svcAddr)
		Expect(err).NotTo(HaveOccurred())
		defer visitor.Close()

		startCmd, err := protocol.ReadDataChannelCmd(dataConn)
		Expect(err).NotTo(HaveOccurred())
		Expect(startCmd.Kind).To(Equal(protocol.DataChannelCmdStartForward))

		_, err = visitor.Write([]byte("hello backend"))
		Expect(err).NotTo(HaveOccurred())
		dataConn.SetReadDeadline(time.Now().Add(3 * time.Second))
		buf := make([]byte, len("hello backend"))
		_, err = io.ReadFull(dataConn, buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(buf)).To(Equal("hello backend"))

		_, err = dataConn.Write([]byte("hello visitor"))
		Expect(err).NotTo(HaveOccurred())
		visitor.SetReadDeadline(time.Now().Add(3 * time.Second))
		buf2 := make([]byte, len("hello visitor"))
		_, err = io.ReadFull(visitor, buf2)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(buf2)).To(Equal("hello visitor"))
	})

	It("closes a data channel whose session key does not match any control channel", func() {
		conn, err := net.Dial("tcp", addr)
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		var bogus protocol.Digest
		Expect(protocol.WriteHello(conn, protocol.DataChannelHello(bogus))).To(Succeed())

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 1)
		_, err = conn.Read(buf)
		Expect(err).To(HaveOccurred())
	})
})
