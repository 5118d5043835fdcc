package wire

import (
	"sync"
	"sync/atomic"
)

// pendingWrite is a queued physical write of one packet. done, if set, is
// invoked once the write has been attempted (whether it succeeded or not),
// or with the connection's failure if the write is dropped unattempted.
type pendingWrite struct {
	pkt  *Packet
	done func(err error)
}

type PendingWritePool struct {
	sp sync.Pool
	m  *PoolMetrics
}

func (p *PendingWritePool) acquire(pkt *Packet, done func(err error)) *pendingWrite {
	v := p.sp.Get()
	if v == nil {
		atomic.AddUint32(&p.m.na, uint32(1))
		v = &pendingWrite{}
	} else {
		atomic.AddUint32(&p.m.nr, uint32(1))
	}
	pw := v.(*pendingWrite)
	pw.pkt = pkt
	pw.done = done
	return pw
}

func (p *PendingWritePool) release(pw *pendingWrite) {
	pw.pkt = nil
	pw.done = nil
	p.sp.Put(pw)
	atomic.AddUint32(&p.m.np, uint32(1))
}
