package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestServerShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := &Server{}

	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)

	go func() {
		srv.Shutdown()
		ln.Close()
	}()

	require.NoError(t, srv.Serve(ln))

	t.Logf("pendingRequestPool => new:%d,reuse:%d,putback:%d", pendingRequestPool.m.na, pendingRequestPool.m.nr, pendingRequestPool.m.np)
	t.Logf("packetPool => new:%d,reuse:%d,putback:%d", packetPool.m.na, packetPool.m.nr, packetPool.m.np)
}

func TestServerShutdownClosesOpenConnections(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)

	var server Server
	server.Handler = HandlerFunc(func(ctx *Context) error {
		return ctx.Reply(nil)
	})

	go func() {
		require.NoError(t, server.Serve(ln))
	}()

	client := &Client{Addr: ln.Addr().String()}
	_, err = client.Request(nil, []byte("hello"))
	require.NoError(t, err)

	server.Shutdown()
	client.Shutdown()
	require.NoError(t, ln.Close())
}
