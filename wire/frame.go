package wire

import (
	"fmt"
	"io"

	"github.com/lithdew/bytesutil"
	"github.com/valyala/bytebufferpool"
)

const (
	// FrameHeaderSize is the number of bytes in a frame header: a 4-byte
	// big-endian payload length followed by a 4-byte big-endian sequence
	// number.
	FrameHeaderSize = 8

	// MaxPayloadSize bounds a single frame's payload so that a corrupt or
	// hostile peer cannot make ReadPacket allocate an unbounded buffer.
	MaxPayloadSize = 64 << 20 // 64 MiB
)

// ReadPacket reads one framed packet from r into a pooled Packet. The
// returned Packet's Buf must eventually be released via ReleasePacket (or
// have its ownership transferred, per the package's buffer-aliasing
// contract).
func ReadPacket(r io.Reader, header []byte) (*Packet, error) {
	if len(header) < FrameHeaderSize {
		header = make([]byte, FrameHeaderSize)
	}
	if _, err := io.ReadFull(r, header[:FrameHeaderSize]); err != nil {
		return nil, err
	}

	length := bytesutil.Uint32BE(header[:4])
	seq := bytesutil.Uint32BE(header[4:8])

	if length > MaxPayloadSize {
		return nil, fmt.Errorf("wire: frame payload of %d bytes exceeds maximum of %d", length, MaxPayloadSize)
	}

	buf := bytebufferpool.Get()
	buf.B = append(buf.B[:0], make([]byte, length)...)
	if length > 0 {
		if _, err := io.ReadFull(r, buf.B); err != nil {
			bytebufferpool.Put(buf)
			return nil, err
		}
	}

	return packetPool.acquire(seq, buf), nil
}

// WritePacket writes pkt to w as a single frame. It does not take ownership
// of or release pkt.
func WritePacket(w io.Writer, pkt *Packet) error {
	header := make([]byte, 0, FrameHeaderSize)
	body := pkt.Bytes()
	header = bytesutil.AppendUint32BE(header, uint32(len(body)))
	header = bytesutil.AppendUint32BE(header, pkt.Seq)

	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// NewPacket acquires a pooled Packet carrying a copy of buf under the given
// sequence number.
func NewPacket(seq uint32, buf []byte) *Packet {
	bb := bytebufferpool.Get()
	bb.B = append(bb.B[:0], buf...)
	return packetPool.acquire(seq, bb)
}

// ReleasePacket returns pkt (and the buffer it currently holds, if any) to
// their pools.
func ReleasePacket(pkt *Packet) {
	packetPool.release(pkt)
}
