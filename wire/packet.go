package wire

import (
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// Packet is the framed message exchanged on every connection this package
// manages: a length-prefixed, sequence-numbered payload.
//
// The same Packet is reused across a request/response round trip rather
// than allocating a fresh one for the response: Buf keeps the request until
// the response to it arrives, is freed then, and is rebound to hold the
// response payload before being written back. At any instant Buf is exactly one of
// {nil, a request buffer, a response buffer} — never both.
type Packet struct {
	Seq uint32
	Buf *bytebufferpool.ByteBuffer
}

// PacketPool recycles *Packet wrapper values. The ByteBuffer a Packet wraps
// comes from bytebufferpool's own global pool and is managed independently
// via Packet.freeBuf/Packet.setBuf.
type PacketPool struct {
	sp sync.Pool
	m  *PoolMetrics
}

func (p *PacketPool) acquire(seq uint32, buf *bytebufferpool.ByteBuffer) *Packet {
	v := p.sp.Get()
	if v == nil {
		atomic.AddUint32(&p.m.na, uint32(1))
		v = &Packet{}
	} else {
		atomic.AddUint32(&p.m.nr, uint32(1))
	}
	pkt := v.(*Packet)
	pkt.Seq = seq
	pkt.Buf = buf
	return pkt
}

func (p *PacketPool) release(pkt *Packet) {
	pkt.freeBuf()
	pkt.Seq = 0
	p.sp.Put(pkt)
	atomic.AddUint32(&p.m.np, uint32(1))
}

// freeBuf releases the packet's current buffer, if any, back to
// bytebufferpool and clears Buf.
func (pkt *Packet) freeBuf() {
	if pkt.Buf != nil {
		bytebufferpool.Put(pkt.Buf)
		pkt.Buf = nil
	}
}

// setBuf frees any buffer currently held and replaces it, implementing the
// request-buffer-to-response-buffer handoff described in the Packet
// comment.
func (pkt *Packet) setBuf(buf *bytebufferpool.ByteBuffer) {
	pkt.freeBuf()
	pkt.Buf = buf
}

// Bytes returns the packet's payload, or nil if it currently holds none.
func (pkt *Packet) Bytes() []byte {
	if pkt.Buf == nil {
		return nil
	}
	return pkt.Buf.B
}

// FreeBuf releases the packet's current buffer, if any, leaving the packet
// bufferless. Exported for callers (e.g. dispatch) that hold a packet across
// a request/response round trip and must free the request buffer before
// rebinding the response buffer, per the aliasing contract above.
func (pkt *Packet) FreeBuf() {
	pkt.freeBuf()
}

// Rebind frees the packet's current buffer and replaces it with a fresh
// pooled copy of buf, completing the request-buffer-to-response-buffer
// handoff.
func (pkt *Packet) Rebind(buf []byte) {
	bb := bytebufferpool.Get()
	bb.B = append(bb.B[:0], buf...)
	pkt.setBuf(bb)
}
