package dispatch

import (
	"fmt"
	"sync/atomic"
	"time"
)

// DefaultTickerDuration is how often a started PoolMetrics accumulates its
// per-interval counters into its running totals.
var DefaultTickerDuration = 1 * time.Second

// PoolMetrics tracks allocate/reuse/release counts for one sync.Pool.
type PoolMetrics struct {
	na uint32
	nr uint32
	np uint32

	naa uint64
	nra uint64
	npa uint64

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
