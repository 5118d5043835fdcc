package wire

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
)

// ErrConnClosed is returned by any Conn operation attempted after the
// connection has been closed or has failed, and delivered to every pending
// request's callback when the connection is closed while requests are
// outstanding. When the connection fails on an I/O error, pending callbacks
// receive that error instead.
var ErrConnClosed = errors.New("wire: connection closed")

// Conn is a multiplexed request/response connection to a single peer: every
// frame carries a sequence number, and a frame whose sequence number matches
// an outstanding request is delivered to that request as its response;
// every other frame is handed to Handler (if set) as an inbound request.
//
// Conn is a multiplexed request/response queue over one net.Conn: it
// assigns sequence numbers, and it is safe for many goroutines to call its
// Send*/Request* methods concurrently — physical writes are serialized
// through an internal queue so concurrent callers never interleave frames.
type Conn struct {
	Handler   Handler
	ConnState ConnStateHandler

	nc net.Conn

	seq uint32 // atomic

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error

	writerQueue []*pendingWrite
	writerCond  sync.Cond
	writerDone  bool

	reqs map[uint32]*pendingRequest
}

// NewConn wraps nc and begins its reader/writer goroutines. handler and
// connState may be nil.
func NewConn(nc net.Conn, handler Handler, connState ConnStateHandler) *Conn {
	c := &Conn{
		Handler:   handler,
		ConnState: connState,
		nc:        nc,
		reqs:      make(map[uint32]*pendingRequest),
	}
	c.writerCond.L = &c.mu

	if c.ConnState != nil {
		c.ConnState.HandleConnState(c, StateNew)
	}

	go c.writeLoop()
	go c.readLoop()

	return c
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

func (c *Conn) nextSeq() uint32 {
	return atomic.AddUint32(&c.seq, 1)
}

// Send writes buf as a new frame and blocks until the physical write
// completes (not until any response arrives).
func (c *Conn) Send(buf []byte) error {
	var wg sync.WaitGroup
	var writeErr error
	wg.Add(1)
	if err := c.enqueueWrite(c.nextSeq(), buf, func(err error) {
		writeErr = err
		wg.Done()
	}); err != nil {
		return err
	}
	wg.Wait()
	return writeErr
}

// SendNoWait enqueues buf for writing and returns without waiting for the
// write to complete.
func (c *Conn) SendNoWait(buf []byte) error {
	return c.enqueueWrite(c.nextSeq(), buf, nil)
}

// reply sends buf as the response to the request carrying seq; used by
// Context.Reply.
func (c *Conn) reply(seq uint32, buf []byte) error {
	return c.enqueueWrite(seq, buf, nil)
}

// RequestAsync sends buf as a new request and invokes done exactly once,
// either with the peer's response or with the error that means no response
// will ever arrive. If RequestAsync itself returns an error, done is never
// invoked. Its signature matches dispatch.UpstreamQueue's Enqueue, which
// dispatch.WireUpstream adapts it to.
func (c *Conn) RequestAsync(buf []byte, done func(resp []byte, err error)) error {
	seq := c.nextSeq()
	pr := pendingRequestPool.acquire(done)

	c.mu.Lock()
	if c.writerDone {
		c.mu.Unlock()
		pendingRequestPool.release(pr)
		return ErrConnClosed
	}
	c.reqs[seq] = pr
	c.mu.Unlock()

	err := c.enqueueWrite(seq, buf, func(writeErr error) {
		if writeErr == nil {
			return
		}
		c.resolve(seq, nil, writeErr)
	})
	if err != nil {
		c.mu.Lock()
		_, ok := c.reqs[seq]
		delete(c.reqs, seq)
		c.mu.Unlock()
		if !ok {
			// fail already resolved this request through done.
			return nil
		}
		pendingRequestPool.release(pr)
		return err
	}
	return nil
}

// Request is the blocking counterpart to RequestAsync: it waits for the
// response and copies it into dst[:0] (reusing dst's backing array when it
// has enough capacity).
func (c *Conn) Request(dst []byte, buf []byte) ([]byte, error) {
	var wg sync.WaitGroup
	wg.Add(1)
	var resp []byte
	var reqErr error
	err := c.RequestAsync(buf, func(r []byte, e error) {
		if e == nil {
			resp = append(dst[:0], r...)
		}
		reqErr = e
		wg.Done()
	})
	if err != nil {
		return nil, err
	}
	wg.Wait()
	return resp, reqErr
}

// resolve delivers a response (or failure) for seq exactly once, whether it
// arrived from the wire or was synthesized locally (e.g. a write failure).
func (c *Conn) resolve(seq uint32, resp []byte, err error) {
	c.mu.Lock()
	pr, ok := c.reqs[seq]
	if ok {
		delete(c.reqs, seq)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	pr.cb(resp, err)
	pendingRequestPool.release(pr)
}

func (c *Conn) enqueueWrite(seq uint32, buf []byte, done func(error)) error {
	pkt := NewPacket(seq, buf)

	c.mu.Lock()
	if c.writerDone {
		c.mu.Unlock()
		ReleasePacket(pkt)
		return ErrConnClosed
	}
	pw := pendingWritePool.acquire(pkt, done)
	c.writerQueue = append(c.writerQueue, pw)
	c.mu.Unlock()

	c.writerCond.Signal()
	return nil
}

func (c *Conn) writeLoop() {
	for {
		c.mu.Lock()
		for len(c.writerQueue) == 0 && !c.writerDone {
			c.writerCond.Wait()
		}
		if len(c.writerQueue) == 0 {
			c.mu.Unlock()
			return
		}
		pw := c.writerQueue[0]
		c.writerQueue = c.writerQueue[1:]
		c.mu.Unlock()

		err := WritePacket(c.nc, pw.pkt)
		ReleasePacket(pw.pkt)

		done := pw.done
		pendingWritePool.release(pw)

		if done != nil {
			done(err)
		}
		if err != nil {
			c.fail(err)
		}
	}
}

func (c *Conn) readLoop() {
	header := make([]byte, FrameHeaderSize)
	for {
		pkt, err := ReadPacket(c.nc, header)
		if err != nil {
			c.fail(err)
			return
		}
		c.dispatch(pkt)
	}
}

func (c *Conn) dispatch(pkt *Packet) {
	seq := pkt.Seq

	c.mu.Lock()
	pr, ok := c.reqs[seq]
	if ok {
		delete(c.reqs, seq)
	}
	c.mu.Unlock()

	if ok {
		resp := append([]byte(nil), pkt.Bytes()...)
		ReleasePacket(pkt)
		pr.cb(resp, nil)
		pendingRequestPool.release(pr)
		return
	}

	if c.Handler == nil {
		ReleasePacket(pkt)
		return
	}

	body := append([]byte(nil), pkt.Bytes()...)
	ReleasePacket(pkt)

	ctx := contextPool.acquire(c, seq, body)
	go func() {
		defer contextPool.release(ctx)
		if err := c.Handler.HandleMessage(ctx); err != nil {
			_ = c.Close()
		}
	}()
}

// fail tears the connection down in response to a real I/O error.
func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		c.writerDone = true
		pending := c.reqs
		c.reqs = make(map[uint32]*pendingRequest)
		queued := c.writerQueue
		c.writerQueue = nil
		c.mu.Unlock()

		c.writerCond.Broadcast()
		_ = c.nc.Close()

		for _, pw := range queued {
			ReleasePacket(pw.pkt)
			if pw.done != nil {
				pw.done(err)
			}
			pendingWritePool.release(pw)
		}
		for _, pr := range pending {
			pr.cb(nil, err)
			pendingRequestPool.release(pr)
		}

		if c.ConnState != nil {
			c.ConnState.HandleConnState(c, StateClosed)
		}
	})
}

// Close closes the connection, failing every outstanding request with
// ErrConnClosed. It is idempotent.
func (c *Conn) Close() error {
	c.fail(ErrConnClosed)
	c.mu.Lock()
	err := c.closeErr
	c.mu.Unlock()
	if err == ErrConnClosed {
		return nil
	}
	return err
}
