package dispatch

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tillwave/muxd/wire"
)

// forwardee is the per-request record linking an in-flight upstream request
// to the client connection that originated it. pkt is the client-facing
// packet whose buffer is reused: it holds the request body until the
// upstream response arrives, then the response body until it has been
// written back.
type forwardee struct {
	cc  *clientConn
	pkt *wire.Packet
}

type ForwardeePool struct {
	sp sync.Pool
	m  *PoolMetrics
}

var forwardeePool = &ForwardeePool{sp: sync.Pool{}, m: newPoolMetrics()}

func (p *ForwardeePool) acquire(cc *clientConn, pkt *wire.Packet) *forwardee {
	v := p.sp.Get()
	if v == nil {
		atomic.AddUint32(&p.m.na, uint32(1))
		v = &forwardee{}
	} else {
		atomic.AddUint32(&p.m.nr, uint32(1))
	}
	fw := v.(*forwardee)
	fw.cc = cc
	fw.pkt = pkt
	return fw
}

func (p *ForwardeePool) release(fw *forwardee) {
	fw.cc = nil
	fw.pkt = nil
	p.sp.Put(fw)
	atomic.AddUint32(&p.m.np, uint32(1))
}

// StartPoolMetrics begins periodic accumulation of the dispatch package's
// pool counters. Intended to be called once per process.
func StartPoolMetrics() {
	forwardeePool.m.start()
}

// ReleasePoolMetrics stops the accumulation goroutine started by
// StartPoolMetrics.
func ReleasePoolMetrics() {
	forwardeePool.m.release()
}

// JsonStringPoolMetrics renders a snapshot of the forwardee pool's counters.
func JsonStringPoolMetrics() string {
	return fmt.Sprintf("{\"forwardeePool\" = %s}", forwardeePool.m.metricsString())
}
