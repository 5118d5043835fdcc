package wire

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var zeroTime time.Time

var (
	timerPool          = &TimerPool{sp: sync.Pool{}, m: newPoolMetrics()}
	pendingRequestPool = &PendingRequestPool{sp: sync.Pool{}, m: newPoolMetrics()}
	pendingWritePool   = &PendingWritePool{sp: sync.Pool{}, m: newPoolMetrics()}
	packetPool         = &PacketPool{sp: sync.Pool{}, m: newPoolMetrics()}
)

// StartPoolMetrics begins periodic accumulation of the wire package's pool
// counters. Intended to be called once per process.
func StartPoolMetrics() {
	timerPool.m.start()
	pendingRequestPool.m.start()
	pendingWritePool.m.start()
	packetPool.m.start()
	contextPool.m.start()
}

// ReleasePoolMetrics stops the accumulation goroutines started by
// StartPoolMetrics.
func ReleasePoolMetrics() {
	timerPool.m.release()
	pendingRequestPool.m.release()
	pendingWritePool.m.release()
	packetPool.m.release()
	contextPool.m.release()
}

// JsonStringPoolMetrics renders a snapshot of every pool's counters.
func JsonStringPoolMetrics() string {
	return fmt.Sprintf("{\"TimerPool\" = %s, \"pendingRequestPool\" = %s, \"pendingWritePool\" = %s, \"packetPool\" = %s, \"contextPool\" = %s}",
		timerPool.m.metricsString(),
		pendingRequestPool.m.metricsString(),
		pendingWritePool.m.metricsString(),
		packetPool.m.metricsString(),
		contextPool.m.metricsString(),
	)
}

// TimerPool recycles time.Timer values used for handshake deadlines.
type TimerPool struct {
	sp sync.Pool
	m  *PoolMetrics
}

func (p *TimerPool) acquire(timeout time.Duration) *time.Timer {
	v := p.sp.Get()
	if v == nil {
		atomic.AddUint32(&p.m.na, uint32(1))
		return time.NewTimer(timeout)
	}
	atomic.AddUint32(&p.m.nr, uint32(1))
	t := v.(*time.Timer)
	t.Reset(timeout)
	return t
}

func (p *TimerPool) release(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	p.sp.Put(t)
	atomic.AddUint32(&p.m.np, uint32(1))
}
