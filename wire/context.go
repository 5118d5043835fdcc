package wire

import (
	"sync"
	"sync/atomic"
)

// Context carries one inbound request through a Handler.
type Context struct {
	conn *Conn
	seq  uint32
	buf  []byte
}

func (c *Context) Conn() *Conn  { return c.conn }
func (c *Context) Body() []byte { return c.buf }

// Reply sends buf back as the response to this request.
func (c *Context) Reply(buf []byte) error {
	return c.conn.reply(c.seq, buf)
}

var contextPool = &ContextPool{sp: sync.Pool{}, m: newPoolMetrics()}

type ContextPool struct {
	sp sync.Pool
	m  *PoolMetrics
}

func (p *ContextPool) acquire(conn *Conn, seq uint32, buf []byte) *Context {
	v := p.sp.Get()
	if v == nil {
		atomic.AddUint32(&p.m.na, uint32(1))
		v = &Context{}
	} else {
		atomic.AddUint32(&p.m.nr, uint32(1))
	}
	ctx := v.(*Context)
	ctx.conn = conn
	ctx.seq = seq
	ctx.buf = buf
	return ctx
}

func (p *ContextPool) release(ctx *Context) {
	ctx.conn = nil
	ctx.buf = nil
	p.sp.Put(ctx)
	atomic.AddUint32(&p.m.np, uint32(1))
}
