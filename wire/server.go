package wire

import (
	"net"
	"sync"
	"time"
)

// Server accepts connections and wraps each in a Conn, following the
// Accept-loop shape of net/http.Server.Serve: a temporary Accept error is
// retried with a backoff instead of terminating the loop.
type Server struct {
	Handler   Handler
	ConnState ConnStateHandler

	mu       sync.Mutex
	conns    map[*Conn]struct{}
	shutdown bool
}

// Serve accepts connections from ln until ln.Accept fails permanently,
// wrapping each accepted connection in a *Conn running s.Handler. It returns
// nil if Shutdown has been called by then, and the Accept error otherwise.
func (s *Server) Serve(ln net.Listener) error {
	var tempDelay time.Duration

	s.mu.Lock()
	if s.conns == nil {
		s.conns = make(map[*Conn]struct{})
	}
	s.mu.Unlock()

	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			down := s.shutdown
			s.mu.Unlock()
			if down {
				return nil
			}

			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		conn := NewConn(nc, s.Handler, connStateFunc(s.trackConn))

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
	}
}

func (s *Server) trackConn(conn *Conn, state ConnState) {
	if s.ConnState != nil {
		s.ConnState.HandleConnState(conn, state)
	}
	if state != StateClosed {
		return
	}
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

type connStateFunc func(conn *Conn, state ConnState)

func (fn connStateFunc) HandleConnState(conn *Conn, state ConnState) { fn(conn, state) }

// Shutdown closes every connection currently tracked by the server and
// causes a blocked Serve to return once its listener is closed by the
// caller. Shutdown does not close the listener itself; that stays the
// caller's responsibility.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
