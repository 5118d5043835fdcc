package dispatch

import "github.com/tillwave/muxd/wire"

// UpstreamQueue is the multiplexed request channel to the single upstream
// target a Dispatcher forwards every client request to. Enqueue takes
// ownership of buf until done is called; done is called exactly once, with
// a response and a nil error, or with a nil response and a non-nil error if
// the upstream connection has failed.
type UpstreamQueue interface {
	Enqueue(buf []byte, done func(resp []byte, err error)) error
}

// WireUpstream adapts a *wire.Conn to UpstreamQueue. wire is ignorant of
// dispatch; this adapter is the one place the two packages' vocabularies
// meet.
func WireUpstream(conn *wire.Conn) UpstreamQueue {
	return wireUpstream{conn}
}

type wireUpstream struct {
	conn *wire.Conn
}

func (w wireUpstream) Enqueue(buf []byte, done func(resp []byte, err error)) error {
	return w.conn.RequestAsync(buf, done)
}
