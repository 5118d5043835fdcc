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

// echoUpstream answers every request synchronously with its own payload.
type echoUpstream struct{}

func (echoUpstream) Enqueue(buf []byte, done func(resp []byte, err error)) error {
	done(append([]byte(nil), buf...), nil)
	return nil
}

// gatedUpstream echoes every request but defers the response callback until
// releaseN is called, letting a test control exactly how many requests on a
// connection are "in flight" at a given instant.
type gatedUpstream struct {
	mu      sync.Mutex
	pending []func()
}

func (g *gatedUpstream) Enqueue(buf []byte, done func(resp []byte, err error)) error {
	resp := append([]byte(nil), buf...)
	g.mu.Lock()
	g.pending = append(g.pending, func() { done(resp, nil) })
	g.mu.Unlock()
	return nil
}

func (g *gatedUpstream) releaseN(n int) {
	g.mu.Lock()
	if n > len(g.pending) {
		n = len(g.pending)
	}
	toRun := g.pending[:n]
	g.pending = g.pending[n:]
	g.mu.Unlock()

	for _, fn := range toRun {
		fn()
	}
}

func (g *gatedUpstream) pendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// failOnceUpstream echoes every request except the nth (1-indexed), which it
// fails, simulating an upstream-signaled failure mid-flight.
type failOnceUpstream struct {
	mu   sync.Mutex
	seen int
	fail int
}

var errUpstreamFailed = fmt.Errorf("dispatch: upstream signaled failure")

func (f *failOnceUpstream) Enqueue(buf []byte, done func(resp []byte, err error)) error {
	f.mu.Lock()
	f.seen++
	fail := f.seen == f.fail
	f.mu.Unlock()

	if fail {
		done(nil, errUpstreamFailed)
		return nil
	}
	done(append([]byte(nil), buf...), nil)
	return nil
}

func sendRequest(t *testing.T, nc net.Conn, seq uint32, payload []byte) {
	t.Helper()
	pkt := wire.NewPacket(seq, payload)
	require.NoError(t, wire.WritePacket(nc, pkt))
	wire.ReleasePacket(pkt)
}

func readResponse(t *testing.T, nc net.Conn, header []byte) *wire.Packet {
	t.Helper()
	pkt, err := wire.ReadPacket(nc, header)
	require.NoError(t, err)
	return pkt
}

func (d *Dispatcher) activeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nActive
}

func TestAdmissionSaturation(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()

	d := NewDispatcher(echoUpstream{}, 2)
	go func() { require.NoError(t, d.Serve(ln)) }()

	c1, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	c2, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return d.activeCount() == 2 }, time.Second, 5*time.Millisecond)

	c3, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	sendRequest(t, c3, 1, []byte("hello"))
	require.NoError(t, c3.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err = wire.ReadPacket(c3, make([]byte, wire.FrameHeaderSize))
	require.Error(t, err, "third connection must not be admitted while at capacity")

	require.NoError(t, c1.Close())

	require.Eventually(t, func() bool { return d.activeCount() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c3.SetReadDeadline(time.Now().Add(time.Second)))
	pkt := readResponse(t, c3, make([]byte, wire.FrameHeaderSize))
	require.Equal(t, []byte("hello"), pkt.Bytes())
	wire.ReleasePacket(pkt)

	require.NoError(t, c2.Close())
	require.NoError(t, c3.Close())

	require.Eventually(t, func() bool { return d.activeCount() == 0 }, time.Second, 5*time.Millisecond)

	d.Shutdown()
	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not report done after draining")
	}
}

func TestPipelinedEcho(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()

	d := NewDispatcher(echoUpstream{}, 4)
	go func() { require.NoError(t, d.Serve(ln)) }()

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	n := 100
	for i := 0; i < n; i++ {
		sendRequest(t, c, uint32(i), []byte(fmt.Sprintf("req-%d", i)))
	}

	header := make([]byte, wire.FrameHeaderSize)
	got := make(map[uint32][]byte, n)
	for i := 0; i < n; i++ {
		pkt := readResponse(t, c, header)
		got[pkt.Seq] = append([]byte(nil), pkt.Bytes()...)
		wire.ReleasePacket(pkt)
	}
	require.Len(t, got, n)
	for i := 0; i < n; i++ {
		require.Equal(t, []byte(fmt.Sprintf("req-%d", i)), got[uint32(i)])
	}

	require.NoError(t, c.Close())

	require.Eventually(t, func() bool { return d.activeCount() == 0 }, time.Second, 5*time.Millisecond)

	d.Shutdown()
	<-d.Done()
}

func TestMidPipelineEOF(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()

	up := &gatedUpstream{}
	d := NewDispatcher(up, 4)
	go func() { require.NoError(t, d.Serve(ln)) }()

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		sendRequest(t, c, uint32(i), []byte(fmt.Sprintf("req-%d", i)))
	}

	require.Eventually(t, func() bool { return up.pendingCount() == 5 }, time.Second, 5*time.Millisecond)

	header := make([]byte, wire.FrameHeaderSize)
	up.releaseN(2)
	for i := 0; i < 2; i++ {
		wire.ReleasePacket(readResponse(t, c, header))
	}

	require.NoError(t, c.(*net.TCPConn).CloseWrite())

	var cc *clientConn
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		for k := range d.connections {
			cc = k
		}
		return cc != nil
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		cc.mu.Lock()
		defer cc.mu.Unlock()
		return cc.nRequests == 3
	}, time.Second, 5*time.Millisecond)

	up.releaseN(3)
	for i := 0; i < 3; i++ {
		wire.ReleasePacket(readResponse(t, c, header))
	}

	require.Eventually(t, func() bool { return d.activeCount() == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	d.Shutdown()
	<-d.Done()
}

func TestUpstreamFailureDrainsDispatcher(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()

	up := &failOnceUpstream{fail: 5}
	d := NewDispatcher(up, 4)
	go func() { require.NoError(t, d.Serve(ln)) }()

	const conns = 4
	const perConn = 3

	clients := make([]net.Conn, conns)
	for i := range clients {
		c, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		clients[i] = c
	}

	require.Eventually(t, func() bool { return d.activeCount() == conns }, time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c net.Conn) {
			defer wg.Done()
			header := make([]byte, wire.FrameHeaderSize)
			for j := 0; j < perConn; j++ {
				sendRequest(t, c, uint32(j), []byte(fmt.Sprintf("c%d-r%d", i, j)))
			}
			_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
			for j := 0; j < perConn; j++ {
				pkt, err := wire.ReadPacket(c, header)
				if err != nil {
					// the one request that hit the failed upstream call never
					// gets a response; its connection instead observes drain.
					return
				}
				wire.ReleasePacket(pkt)
			}
		}(i, c)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return !d.Alive() || d.activeCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	for _, c := range clients {
		_ = c.Close()
	}

	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not finish draining after upstream failure")
	}
	require.False(t, d.Alive())
}

func TestAcceptErrorOnOneListenerIsNonFatal(t *testing.T) {
	defer goleak.VerifyNone(t)

	good, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer good.Close()

	bad, err := net.Listen("tcp", ":0")
	require.NoError(t, err)

	d := NewDispatcher(echoUpstream{}, 4)
	go func() { require.NoError(t, d.Serve(good, bad)) }()

	// Force a permanent accept error on "bad" without affecting "good".
	require.NoError(t, bad.Close())

	c, err := net.Dial("tcp", good.Addr().String())
	require.NoError(t, err)

	sendRequest(t, c, 0, []byte("still healthy"))
	pkt := readResponse(t, c, make([]byte, wire.FrameHeaderSize))
	require.Equal(t, []byte("still healthy"), pkt.Bytes())
	wire.ReleasePacket(pkt)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return d.activeCount() == 0 }, time.Second, 5*time.Millisecond)

	d.Shutdown()
	<-d.Done()
}
