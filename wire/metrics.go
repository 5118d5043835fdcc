package wire

import (
	"fmt"
	"sync/atomic"
	"time"
)

// DefaultTickerDuration is how often a started PoolMetrics accumulates its
// per-interval counters into its running totals.
var DefaultTickerDuration = 1 * time.Second

// PoolMetrics tracks allocate/reuse/release counts for one sync.Pool.
//
// The interval counters are folded into the accumulated ones on every tick,
// so (naa + na) + (nra + nr) is the total number of acquires, and
// subtracting (npa + np) gives the number of values still checked out.
type PoolMetrics struct {
	na uint32 // new allocations this interval
	nr uint32 // reuses from the pool this interval
	np uint32 // puts back to the pool this interval

	naa uint64 // accumulated allocations
	nra uint64 // accumulated reuses
	npa uint64 // accumulated puts

	done chan struct{}
}

func newPoolMetrics() *PoolMetrics {
	return &PoolMetrics{done: make(chan struct{})}
}

func (p *PoolMetrics) release() {
	p.done <- struct{}{}
}

func (p *PoolMetrics) setMetrics() {
	atomic.AddUint64(&p.naa, uint64(atomic.SwapUint32(&p.na, uint32(0))))
	atomic.AddUint64(&p.nra, uint64(atomic.SwapUint32(&p.nr, uint32(0))))
	atomic.AddUint64(&p.npa, uint64(atomic.SwapUint32(&p.np, uint32(0))))
}

func (p *PoolMetrics) start() {
	timer := time.NewTicker(DefaultTickerDuration)

	go func() {
		defer close(p.done)
		defer timer.Stop()

		for {
			select {
			case <-timer.C:
				p.setMetrics()
			case <-p.done:
				p.setMetrics()
				return
			}
		}
	}()
}

func (p *PoolMetrics) metricsString() string {
	return fmt.Sprintf("[ %v|%v|%v, %v|%v|%v ]", p.na, p.nr, p.np, p.naa, p.nra, p.npa)
}
