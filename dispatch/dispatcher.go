package dispatch

import (
	"net"
	"sync"
)

// Dispatcher is a single-hop request multiplexer: it accepts client
// connections on any number of listeners, forwards every framed request it
// reads to a single upstream target, and writes each response back to the
// connection that originated it once the upstream queue delivers it.
//
// Admission control, connection teardown, and drain-on-upstream-failure are
// the three pieces of state this type owns; everything else (the framed
// codec, the upstream connection itself) lives in the wire package and is
// reached only through UpstreamQueue.
type Dispatcher struct {
	upstream  UpstreamQueue
	maxActive int

	tokens chan struct{}

	stopAccept chan struct{}
	stopOnce   sync.Once

	doneCh   chan struct{}
	doneOnce sync.Once

	mu          sync.Mutex
	connections map[*clientConn]struct{}
	nActive     int
	failed      bool

	wg sync.WaitGroup
}

// NewDispatcher returns a Dispatcher that forwards every accepted client's
// requests to upstream, admitting at most maxActive concurrent client
// connections.
func NewDispatcher(upstream UpstreamQueue, maxActive int) *Dispatcher {
	tokens := make(chan struct{}, maxActive)
	for i := 0; i < maxActive; i++ {
		tokens <- struct{}{}
	}

	return &Dispatcher{
		upstream:    upstream,
		maxActive:   maxActive,
		tokens:      tokens,
		stopAccept:  make(chan struct{}),
		doneCh:      make(chan struct{}),
		connections: make(map[*clientConn]struct{}),
	}
}

// Serve runs an accept loop on each listener until every one of them stops
// (either because the dispatcher has entered drain, or because a listener's
// Accept fails permanently) and returns once they have all exited. It does
// not close the listeners; the caller retains that responsibility.
func (d *Dispatcher) Serve(listeners ...net.Listener) error {
	d.wg.Add(len(listeners))
	for _, ln := range listeners {
		go d.acceptLoop(ln)
	}
	d.wg.Wait()
	return nil
}

// Alive reports whether the dispatcher has not yet fully drained: true
// unless the upstream has failed (or Shutdown was called) and every client
// connection has since been torn down.
func (d *Dispatcher) Alive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.failed || d.nActive > 0
}

// Done returns a channel that is closed exactly once, the first instant
// Alive would return false.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.doneCh
}

// Shutdown asks the dispatcher to drain: stop accepting, cancel every armed
// read, and let in-flight requests finish on their own. It has the same
// effect as an upstream failure and may be called any number of times.
func (d *Dispatcher) Shutdown() {
	d.enterDrain()
}

// admit tracks a newly accepted connection and starts its reader/writer
// goroutines, or rejects it outright if the dispatcher is already draining.
func (d *Dispatcher) admit(nc net.Conn) {
	cc := newClientConn(nc, d)

	d.mu.Lock()
	if d.failed {
		d.mu.Unlock()
		_ = nc.Close()
		d.releaseToken()
		return
	}
	d.connections[cc] = struct{}{}
	d.nActive++
	d.mu.Unlock()

	cc.start()
}

// removeConn unlinks a torn-down connection and always releases its
// admission token. Because admission is gated by a fixed pool of
// maxActive tokens rather than an explicit "re-arm only if we were at the
// limit" check, unconditionally releasing the token on every teardown
// reproduces the same admission invariant with no special case.
func (d *Dispatcher) removeConn(cc *clientConn) {
	d.mu.Lock()
	delete(d.connections, cc)
	d.nActive--
	d.mu.Unlock()

	d.releaseToken()
	d.maybeFinish()
}

// enterDrain is the one-way transition into the failed state: stop
// admitting, cancel every connection's armed read, and let whatever is
// still in flight complete on its own.
func (d *Dispatcher) enterDrain() {
	d.mu.Lock()
	if d.failed {
		d.mu.Unlock()
		return
	}
	d.failed = true
	conns := make([]*clientConn, 0, len(d.connections))
	for cc := range d.connections {
		conns = append(conns, cc)
	}
	d.mu.Unlock()

	d.stopOnce.Do(func() { close(d.stopAccept) })

	for _, cc := range conns {
		cc.cancelArmedRead()
	}

	d.maybeFinish()
}

func (d *Dispatcher) maybeFinish() {
	if d.Alive() {
		return
	}
	d.doneOnce.Do(func() { close(d.doneCh) })
}

func (d *Dispatcher) acquireToken() bool {
	select {
	case <-d.tokens:
		return true
	case <-d.stopAccept:
		return false
	}
}

func (d *Dispatcher) releaseToken() {
	d.tokens <- struct{}{}
}
