package dispatch

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tillwave/muxd/wire"
)

func TestPoolMetrics(t *testing.T) {
	defer goleak.VerifyNone(t)

	StartPoolMetrics()

	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()

	d := NewDispatcher(echoUpstream{}, 8)
	go func() { require.NoError(t, d.Serve(ln)) }()

	var wg sync.WaitGroup
	for k := 0; k < 4; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			c, err := net.Dial("tcp", ln.Addr().String())
			require.NoError(t, err)
			header := make([]byte, wire.FrameHeaderSize)
			for j := 0; j < 256; j++ {
				sendRequest(t, c, uint32(j), []byte(fmt.Sprintf("[%d] hello %d", k, j)))
				wire.ReleasePacket(readResponse(t, c, header))
			}
			require.NoError(t, c.Close())
		}(k)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return d.activeCount() == 0 }, time.Second, 5*time.Millisecond)

	t.Logf("%s", JsonStringPoolMetrics())

	ReleasePoolMetrics()
	d.Shutdown()
	<-d.Done()
}
