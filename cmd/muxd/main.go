// Command muxd accepts framed client requests on one or more listeners and
// forwards every one of them to a single upstream target, returning each
// response to whichever client originated it.
package main

import (
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tillwave/muxd/dispatch"
	"github.com/tillwave/muxd/wire"
)

func main() {
	var (
		listenAddrs = flag.String("listen", ":4000", "comma-separated list of addresses to accept client connections on")
		upstream    = flag.String("upstream", "", "address of the single upstream target to forward requests to")
		maxActive   = flag.Int("max-active", 1024, "maximum number of concurrent client connections")
		handshake   = flag.Duration("upstream-handshake-timeout", 10*time.Second, "timeout for the initial dial to the upstream target")
	)
	flag.Parse()

	if *upstream == "" {
		log.Fatal("muxd: -upstream is required")
	}

	client := &wire.Client{Addr: *upstream, HandshakeTimeout: *handshake}
	upConn, err := client.Dial()
	if err != nil {
		log.Fatalf("muxd: dialing upstream %s: %v", *upstream, err)
	}
	log.Printf("muxd: connected to upstream %s", *upstream)

	d := dispatch.NewDispatcher(dispatch.WireUpstream(upConn), *maxActive)

	listeners := make([]net.Listener, 0)
	for _, addr := range strings.Split(*listenAddrs, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			log.Fatalf("muxd: listening on %s: %v", addr, err)
		}
		log.Printf("muxd: listening on %s", ln.Addr())
		listeners = append(listeners, ln)
	}
	if len(listeners) == 0 {
		log.Fatal("muxd: no listen addresses configured")
	}

	dispatch.StartPoolMetrics()
	wire.StartPoolMetrics()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Printf("muxd: received %s, draining", s)
		d.Shutdown()
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.Serve(listeners...) }()

	select {
	case err := <-serveErr:
		if err != nil {
			log.Printf("muxd: serve: %v", err)
		}
	case <-d.Done():
		log.Printf("muxd: dispatcher drained")
	}

	for _, ln := range listeners {
		_ = ln.Close()
	}
	_ = client.Close()

	dispatch.ReleasePoolMetrics()
	wire.ReleasePoolMetrics()
}
