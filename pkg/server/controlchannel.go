package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/duskrelay/tunnel/internal/config"
	"github.com/duskrelay/tunnel/internal/metrics"
	"github.com/duskrelay/tunnel/pkg/protocol"
	"github.com/duskrelay/tunnel/pkg/transport"
)

// errPublicBindFailed is returned by controlChannel.run when the public
// listener could not be bound even after the one retry bindWithRetry
// allows. The handle that was already installed for this connection must
// be evicted when this happens — see (*Server).evictIfCurrent.
var errPublicBindFailed = errors.New("server: public bind failed")

// ControlChannelHandle is the live record for one authenticated client:
// a handle to its connectionPool and the cancellation that tears the
// whole thing down. Dropping it (calling Close) cancels the context the
// control channel, its request pump, and its pool all select on, which
// is sufficient to unwind every child goroutine without an explicit join.
type ControlChannelHandle struct {
	id      string
	service config.ServerServiceConfig
	pool    *connectionPool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Pool exposes the handle's connection pool to the handshake's data
// channel routing step.
func (h *ControlChannelHandle) Pool() *connectionPool { return h.pool }

// Close evicts this control channel: it cancels every goroutine selecting
// on the handle's context and waits for the control channel's own run
// loop to notice and return, which closes the control connection.
func (h *ControlChannelHandle) Close() {
	h.cancel()
	<-h.done
}

// newControlChannelHandle installs conn as the control channel for svc
// and starts its two background jobs: the control channel's own
// accept/request loop, and the connection pool's pairing loop.
// onBindFailure is invoked if the public listener can never be bound, so
// the caller can evict this handle from the service index.
func newControlChannelHandle(parent context.Context, conn transport.Stream, svc config.ServerServiceConfig, m *metrics.Metrics, onBindFailure func()) *ControlChannelHandle {
	ctx, cancel := context.WithCancel(parent)
	pool := newConnectionPool(svc.Name, m)
	id := uuid.NewString()

	h := &ControlChannelHandle{
		id:      id,
		service: svc,
		pool:    pool,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	cc := &controlChannel{
		id:      id,
		conn:    conn,
		service: svc,
		pool:    pool,
		metrics: m,
	}

	go pool.run(ctx)
	go func() {
		defer close(h.done)
		defer conn.Close()
		err := cc.run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			klog.ErrorS(err, "control channel ended", "service", svc.Name, "conn", id)
		}
		if errors.Is(err, errPublicBindFailed) {
			onBindFailure()
		}
	}()

	return h
}

// controlChannel is the per-service task: a public listener accepting
// visitors, a request pump writing CreateDataChannel commands, and the
// shutdown plumbing tying both to the handle's context.
type controlChannel struct {
	id      string
	conn    transport.Stream
	service config.ServerServiceConfig
	pool    *connectionPool
	metrics *metrics.Metrics
}

func (c *controlChannel) run(ctx context.Context) error {
	listener, err := c.bindWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", errPublicBindFailed, err)
	}
	defer listener.Close()

	// Accept has no ctx parameter of its own, so cancellation has to reach
	// it by closing the listener out from under it; this is what lets a
	// handle blocked on an idle public listener unwind on Close.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	klog.InfoS("listening for visitors", "service", c.service.Name, "addr", c.service.BindAddr, "conn", c.id)

	// dataReqCh stands in for an unbounded request channel: its capacity
	// comfortably exceeds any backlog the visitor queue's own V-sized
	// bound can ever produce between pump writes.
	dataReqCh := make(chan struct{}, visitorQueueCapacity+poolSize)

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.requestPump(ctx, dataReqCh)
	}()

	for i := 0; i < poolSize; i++ {
		select {
		case dataReqCh <- struct{}{}:
		default:
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pumpDone:
			// The request pump only exits when a control-connection
			// write failed — the single signal the client is gone.
			return fmt.Errorf("server: control connection write failed, tearing down control channel")
		default:
		}

		visitor, _, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d := bo.NextBackOff()
			klog.ErrorS(err, "accept on public listener failed, retrying", "service", c.service.Name, "backoff", d)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		bo.Reset()

		select {
		case dataReqCh <- struct{}{}:
		case <-pumpDone:
			visitor.Close()
			return fmt.Errorf("server: control connection write failed, tearing down control channel")
		case <-ctx.Done():
			visitor.Close()
			return ctx.Err()
		}

		if c.metrics != nil {
			c.metrics.VisitorsAccepted.WithLabelValues(c.service.Name).Inc()
		}
		klog.V(4).InfoS("new visitor", "service", c.service.Name, "conn", c.id)

		if !c.pool.enqueueVisitor(ctx, visitor) {
			visitor.Close()
		}
	}
}

// bindWithRetry binds the public listener and, if that fails, waits one
// second and retries exactly once before giving up.
func (c *controlChannel) bindWithRetry(ctx context.Context) (transport.Listener, error) {
	tcp := transport.NewTCPTransport()
	l, err := tcp.Bind(ctx, c.service.BindAddr)
	if err == nil {
		return l, nil
	}
	klog.ErrorS(err, "failed to bind service listener, retrying in 1s", "service", c.service.Name, "addr", c.service.BindAddr)
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return tcp.Bind(ctx, c.service.BindAddr)
}

// requestPump is the sole writer on the control connection post-handshake:
// it serializes one CreateDataChannel command per token it reads off
// dataReqCh. A write failure is the only signal the client has
// disappeared, so it exits without retrying.
func (c *controlChannel) requestPump(ctx context.Context, dataReqCh <-chan struct{}) {
	cmd := protocol.ControlChannelCmd{Kind: protocol.ControlChannelCmdCreateDataChannel}
	for {
		select {
		case <-dataReqCh:
			if err := protocol.WriteControlChannelCmd(c.conn, cmd); err != nil {
				klog.ErrorS(err, "failed to write CreateDataChannel, client is gone", "service", c.service.Name, "conn", c.id)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
