package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteThenReadPacketRoundTrips(t *testing.T) {
	var buf bytes.Buffer

	pkt := NewPacket(42, []byte("hello, world"))
	require.NoError(t, WritePacket(&buf, pkt))
	ReleasePacket(pkt)

	header := make([]byte, FrameHeaderSize)
	got, err := ReadPacket(&buf, header)
	require.NoError(t, err)
	require.EqualValues(t, 42, got.Seq)
	require.Equal(t, []byte("hello, world"), got.Bytes())
	ReleasePacket(got)
}

func TestReadPacketEmptyPayload(t *testing.T) {
	var buf bytes.Buffer

	pkt := NewPacket(7, nil)
	require.NoError(t, WritePacket(&buf, pkt))
	ReleasePacket(pkt)

	header := make([]byte, FrameHeaderSize)
	got, err := ReadPacket(&buf, header)
	require.NoError(t, err)
	require.EqualValues(t, 7, got.Seq)
	require.Empty(t, got.Bytes())
	ReleasePacket(got)
}

func TestReadPacketRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, 0, FrameHeaderSize)
	header = append(header, 0xFF, 0xFF, 0xFF, 0xFF)
	header = append(header, 0, 0, 0, 1)
	buf.Write(header)

	_, err := ReadPacket(&buf, make([]byte, FrameHeaderSize))
	require.Error(t, err)
}

func TestReadPacketShortHeaderIsUnexpectedEOF(t *testing.T) {
	buf := bytes.NewReader([]byte{0, 0, 0})
	_, err := ReadPacket(buf, make([]byte, FrameHeaderSize))
	require.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}
