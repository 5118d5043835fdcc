package dispatch

import (
	"net"
	"sync"
	"time"

	"github.com/tillwave/muxd/wire"
)

// clientConn is one accepted client connection: a framed reader and framed
// writer bound to the same socket, plus a count of requests currently
// forwarded upstream on its behalf.
//
// At most one read is ever outstanding on nc; cancelling it (to stop
// admitting new requests during drain, or in response to a failed write) is
// done by arming a read deadline in the past and letting the reader
// goroutine observe the resulting error, the standard Go substitute for an
// explicit cancel handle.
type clientConn struct {
	d  *Dispatcher
	nc net.Conn

	header []byte

	mu        sync.Mutex
	nRequests int
	readArmed bool
	cancelled bool
	closed    bool

	writerQueue []*pendingClientWrite
	writerCond  sync.Cond
	writerDone  bool
}

type pendingClientWrite struct {
	pkt *wire.Packet
	fw  *forwardee
}

func newClientConn(nc net.Conn, d *Dispatcher) *clientConn {
	cc := &clientConn{
		d:      d,
		nc:     nc,
		header: make([]byte, wire.FrameHeaderSize),
	}
	cc.writerCond.L = &cc.mu
	return cc
}

func (cc *clientConn) start() {
	go cc.writerLoop()
	go cc.readLoop()
}

// readLoop is the connection's single outstanding read, re-armed in a loop
// after each completed request rather than rearmed by an explicit external
// call; cancelArmedRead is what lets another goroutine interrupt it.
func (cc *clientConn) readLoop() {
	for {
		cc.mu.Lock()
		if cc.closed {
			cc.mu.Unlock()
			return
		}
		if cc.readArmed {
			cc.mu.Unlock()
			panic("dispatch: clientConn: read armed while already armed")
		}
		cc.d.mu.Lock()
		draining := cc.d.failed
		cc.d.mu.Unlock()
		if draining {
			cc.mu.Unlock()
			cc.onReadClosed()
			return
		}
		cc.readArmed = true
		cc.mu.Unlock()

		pkt, err := wire.ReadPacket(cc.nc, cc.header)

		cc.mu.Lock()
		cc.readArmed = false
		cc.cancelled = false
		cc.mu.Unlock()

		if err != nil {
			cc.onReadClosed()
			return
		}

		if !cc.onRequest(pkt) {
			return
		}
	}
}

// onReadClosed handles end-of-stream, a read error, or an intentional
// cancellation identically: no further read will ever be armed on this
// connection; if no requests are still in flight the connection is torn
// down now, otherwise it drains.
func (cc *clientConn) onReadClosed() {
	cc.mu.Lock()
	idle := cc.nRequests == 0 && !cc.closed
	cc.mu.Unlock()
	if idle {
		cc.teardown()
	}
}

// onRequest forwards one client request upstream, returning false if the
// connection should stop reading (a synchronous enqueue failure, treated as
// an upstream failure: wire.Conn.RequestAsync returns an error only once
// its underlying connection is no longer usable).
func (cc *clientConn) onRequest(pkt *wire.Packet) bool {
	fw := forwardeePool.acquire(cc, pkt)

	cc.mu.Lock()
	cc.nRequests++
	cc.mu.Unlock()

	err := cc.d.upstream.Enqueue(pkt.Bytes(), func(resp []byte, err error) {
		cc.onResponse(fw, resp, err)
	})
	if err != nil {
		wire.ReleasePacket(pkt)
		forwardeePool.release(fw)
		cc.finishRequest()
		cc.d.enterDrain()
		return false
	}
	return true
}

// onResponse is response_cb: free the request buffer, then either cascade
// a drain (upstream failure) or rebind the packet to the response and queue
// it for writing back to the client.
func (cc *clientConn) onResponse(fw *forwardee, resp []byte, err error) {
	fw.pkt.FreeBuf()

	if err != nil {
		wire.ReleasePacket(fw.pkt)
		forwardeePool.release(fw)
		cc.finishRequest()
		cc.d.enterDrain()
		return
	}

	fw.pkt.Rebind(resp)
	cc.enqueueWrite(fw)
}

func (cc *clientConn) enqueueWrite(fw *forwardee) {
	cc.mu.Lock()
	if cc.writerDone {
		cc.mu.Unlock()
		wire.ReleasePacket(fw.pkt)
		forwardeePool.release(fw)
		cc.finishRequest()
		return
	}
	cc.writerQueue = append(cc.writerQueue, &pendingClientWrite{pkt: fw.pkt, fw: fw})
	cc.mu.Unlock()
	cc.writerCond.Signal()
}

func (cc *clientConn) writerLoop() {
	for {
		cc.mu.Lock()
		for len(cc.writerQueue) == 0 && !cc.writerDone {
			cc.writerCond.Wait()
		}
		if len(cc.writerQueue) == 0 {
			cc.mu.Unlock()
			return
		}
		pw := cc.writerQueue[0]
		cc.writerQueue = cc.writerQueue[1:]
		cc.mu.Unlock()

		err := wire.WritePacket(cc.nc, pw.pkt)
		cc.onWriteComplete(pw, err)
	}
}

// onWriteComplete is write_cb. A failed write is informational for the
// upstream (it doesn't trigger drain) but, per the resolved open question,
// it does proactively cancel this connection's armed read instead of
// waiting for it to fail naturally.
func (cc *clientConn) onWriteComplete(pw *pendingClientWrite, err error) {
	wire.ReleasePacket(pw.pkt)
	forwardeePool.release(pw.fw)
	cc.finishRequest()

	if err != nil {
		cc.cancelArmedRead()
	}
}

func (cc *clientConn) finishRequest() {
	cc.mu.Lock()
	cc.nRequests--
	idle := cc.nRequests == 0 && !cc.readArmed && !cc.closed
	cc.mu.Unlock()
	if idle {
		cc.teardown()
	}
}

func (cc *clientConn) cancelArmedRead() {
	cc.mu.Lock()
	if !cc.readArmed || cc.cancelled {
		cc.mu.Unlock()
		return
	}
	cc.cancelled = true
	cc.mu.Unlock()
	_ = cc.nc.SetReadDeadline(time.Now())
}

// teardown is drop_conn. It is safe to call more than once; only the first
// call has an effect.
func (cc *clientConn) teardown() {
	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		return
	}
	cc.closed = true
	cc.writerDone = true
	cc.mu.Unlock()

	cc.writerCond.Broadcast()
	_ = cc.nc.Close()

	cc.d.removeConn(cc)
}
