package server

import (
	"context"
	"io"
	"sync"

	"github.com/duskrelay/tunnel/internal/metrics"
	"github.com/duskrelay/tunnel/pkg/protocol"
	"github.com/duskrelay/tunnel/pkg/transport"
	"k8s.io/klog/v2"
)

const (
	// visitorQueueCapacity bounds how many visitors can wait for a data
	// channel. Saturating it is the intended end-to-end backpressure
	// signal — new visitor accepts simply block.
	visitorQueueCapacity = 2048
	// dataChanQueueCapacity is 2V.
	dataChanQueueCapacity = 2 * visitorQueueCapacity
	// poolSize is the number of data channels the server proactively
	// asks the client to open right after binding, so the first visitors
	// pay one RTT instead of two to get a data channel.
	poolSize = 64
)

// connectionPool is the rendezvous point between visitors queued by a
// control channel's public listener and data channels the client dials
// back in response to CreateDataChannel commands. Pairing is strictly
// FIFO on both queues: a dequeued visitor is committed to the next
// dequeued data channel and is never revisited.
type connectionPool struct {
	service string
	metrics *metrics.Metrics

	visitorCh chan transport.Stream
	dataCh    chan transport.Stream

	wg sync.WaitGroup
}

func newConnectionPool(service string, m *metrics.Metrics) *connectionPool {
	return &connectionPool{
		service:   service,
		metrics:   m,
		visitorCh: make(chan transport.Stream, visitorQueueCapacity),
		dataCh:    make(chan transport.Stream, dataChanQueueCapacity),
	}
}

// run is the pairing loop. It exits as soon as the owning
// ControlChannelHandle is closed, which cancels ctx; any forwarders
// already spawned keep running to their own completion, and no new pair
// is formed after that point.
func (p *connectionPool) run(ctx context.Context) {
	for {
		var v transport.Stream
		select {
		case v = <-p.visitorCh:
		case <-ctx.Done():
			return
		}
		p.setVisitorDepth()

		var d transport.Stream
		select {
		case d = <-p.dataCh:
		case <-ctx.Done():
			v.Close()
			return
		}
		p.setDataDepth()

		p.wg.Add(1)
		if p.metrics != nil {
			p.metrics.ForwardsStarted.WithLabelValues(p.service).Inc()
		}
		go func() {
			defer p.wg.Done()
			forward(p.service, p.metrics, v, d)
		}()
	}
}

func (p *connectionPool) setVisitorDepth() {
	if p.metrics != nil {
		p.metrics.VisitorQueueDepth.WithLabelValues(p.service).Set(float64(len(p.visitorCh)))
	}
}

func (p *connectionPool) setDataDepth() {
	if p.metrics != nil {
		p.metrics.DataChanQueueDepth.WithLabelValues(p.service).Set(float64(len(p.dataCh)))
	}
}

// enqueueVisitor offers v to the pool, blocking (the desired backpressure)
// until either it is accepted or ctx is cancelled.
func (p *connectionPool) enqueueVisitor(ctx context.Context, v transport.Stream) bool {
	select {
	case p.visitorCh <- v:
		p.setVisitorDepth()
		return true
	case <-ctx.Done():
		return false
	}
}

// enqueueDataChannel offers d to the pool. Unlike visitors, data channels
// are never backpressured by the caller blocking the public listener, so
// a full queue (2V, already generous) drops the connection rather than
// stalling the handshake task that routed it here.
func (p *connectionPool) enqueueDataChannel(ctx context.Context, d transport.Stream) bool {
	select {
	case p.dataCh <- d:
		p.setDataDepth()
		return true
	case <-ctx.Done():
		return false
	default:
		klog.Warningf("data channel queue full for service %s, dropping connection", p.service)
		return false
	}
}

// forward writes the StartForward command on the data channel and, if
// that succeeds, copies bytes bidirectionally until both directions have
// reached EOF or an error. A net.Conn's CloseWrite (when the underlying stream
// supports it) lets one direction finish without tearing down the other,
// so a half-closed visitor doesn't truncate the still-open direction.
func forward(service string, m *metrics.Metrics, v, d transport.Stream) {
	defer v.Close()
	defer d.Close()

	if err := protocol.WriteDataChannelCmd(d, protocol.DataChannelCmd{Kind: protocol.DataChannelCmdStartForward}); err != nil {
		klog.ErrorS(err, "failed to start forward", "service", service)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, _ := io.Copy(d, v)
		closeWrite(d)
		if m != nil {
			m.BytesForwarded.WithLabelValues(service, "visitor_to_client").Add(float64(n))
		}
	}()
	go func() {
		defer wg.Done()
		n, _ := io.Copy(v, d)
		closeWrite(v)
		if m != nil {
			m.BytesForwarded.WithLabelValues(service, "client_to_visitor").Add(float64(n))
		}
	}()
	wg.Wait()
}

// halfCloser is implemented by net.TCPConn and *tls.Conn; forward uses it
// to propagate EOF in one direction without killing the other.
type halfCloser interface {
	CloseWrite() error
}

func closeWrite(s transport.Stream) {
	if hc, ok := s.(halfCloser); ok {
		_ = hc.CloseWrite()
	}
}
