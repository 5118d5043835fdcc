package dispatch

import (
	"log"
	"net"
	"time"

	"github.com/jpillora/backoff"
)

// acceptLoop is one listener's accept path. An admission token is acquired
// before every Accept, so once maxActive connections are live the loop
// simply blocks here and new connection attempts queue in the kernel
// backlog rather than this dispatcher doing anything explicit to quiesce
// them: admission control is realized as a resource (the token channel)
// instead of an explicit start/stop action.
func (d *Dispatcher) acceptLoop(ln net.Listener) {
	defer d.wg.Done()

	b := &backoff.Backoff{
		Min:    5 * time.Millisecond,
		Max:    1 * time.Second,
		Factor: 2,
	}

	for {
		if !d.acquireToken() {
			return
		}

		nc, err := ln.Accept()
		if err != nil {
			// Re-arm admission immediately rather than leaving the invariant
			// transiently violated.
			d.releaseToken()

			select {
			case <-d.stopAccept:
				return
			default:
			}

			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				time.Sleep(b.Duration())
				continue
			}

			log.Printf("dispatch: listener %s: %v", ln.Addr(), err)
			return
		}
		b.Reset()

		d.admit(nc)
	}
}
