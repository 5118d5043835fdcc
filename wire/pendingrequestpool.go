package wire

import (
	"sync"
	"sync/atomic"
)

// pendingRequest is a request awaiting a response, keyed by sequence number
// in a Conn's reqs map. cb is invoked exactly once, with the response body
// and a nil error, or with a nil body and the failure that prevented a
// response from ever arriving.
type pendingRequest struct {
	cb func(resp []byte, err error)
}

type PendingRequestPool struct {
	sp sync.Pool
	m  *PoolMetrics
}

func (p *PendingRequestPool) acquire(cb func(resp []byte, err error)) *pendingRequest {
	v := p.sp.Get()
	if v == nil {
		atomic.AddUint32(&p.m.na, uint32(1))
		v = &pendingRequest{}
	} else {
		atomic.AddUint32(&p.m.nr, uint32(1))
	}
	pr := v.(*pendingRequest)
	pr.cb = cb
	return pr
}

func (p *PendingRequestPool) release(pr *pendingRequest) {
	pr.cb = nil
	p.sp.Put(pr)
	atomic.AddUint32(&p.m.np, uint32(1))
}
