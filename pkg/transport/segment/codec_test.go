package segment

import (
	"testing"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeLayout(t *testing.T) {
	seg := New(0x01020304, 0x0a0b0c0d, FlagSYN|FlagACK, 256, []byte("hi"))

	b, err := Encode(seg, 0x1234, 0x5678)
	require.NoError(t, err)
	require.Len(t, b, HeaderLen+2)

	assert.Equal(t, []byte{0x12, 0x34, 0x56, 0x78}, b[0:4], "端口对位于0-3字节")
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, b[4:8], "序列号位于4-7字节")
	assert.Equal(t, byte(0x03), b[8], "标志位 SYN|ACK")
	assert.Equal(t, []byte{0x0a, 0x0b, 0x0c, 0x0d}, b[12:16])
	assert.Equal(t, []byte{0x00, 0x02}, b[18:20])
	assert.Equal(t, "hi", string(b[HeaderLen:]))
}

func TestDecode(t *testing.T) {
	orig := New(42, 7, FlagACK, 12, []byte("payload bytes"))
	b, err := Encode(orig, 21, 5000)
	require.NoError(t, err)

	seg, h, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, uint16(21), h.SrcPort)
	assert.Equal(t, uint16(5000), h.DstPort)
	assert.Equal(t, seqnum.Value(42), seg.Seq())
	assert.Equal(t, seqnum.Value(7), seg.Ack())
	assert.True(t, seg.IsACK())
	assert.False(t, seg.IsData())
	assert.Equal(t, uint16(12), seg.Window())
	assert.Equal(t, "payload bytes", string(seg.Payload()))

	// 解码出的段不应引用原始报文
	b[HeaderLen] = 'X'
	assert.Equal(t, "payload bytes", string(seg.Payload()))
}

func TestDecodeErrors(t *testing.T) {
	_, _, err := Decode(make([]byte, 10))
	assert.True(t, errors.Is(err, ErrShortHeader))

	b, err := Encode(NewData(1, []byte("abc")), 1, 2)
	require.NoError(t, err)

	_, _, err = Decode(b[:len(b)-1])
	assert.True(t, errors.Is(err, ErrLength))

	corrupt := append([]byte(nil), b...)
	corrupt[HeaderLen+1] ^= 0xff
	_, _, err = Decode(corrupt)
	assert.True(t, errors.Is(err, ErrBadChecksum))
}

func TestEncodeTooLarge(t *testing.T) {
	_, err := Encode(NewData(0, make([]byte, MaxPayloadLen+1)), 1, 2)
	assert.True(t, errors.Is(err, ErrTooLarge))
}

func TestSegmentImmutable(t *testing.T) {
	p := []byte("abc")
	seg := NewData(3, p)
	p[0] = 'z'
	assert.Equal(t, "abc", string(seg.Payload()), "构造时复制负载")

	w := seg.WithWindow(9)
	assert.Equal(t, uint16(0), seg.Window())
	assert.Equal(t, uint16(9), w.Window())
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "NONE", Flags(0).String())
	assert.Equal(t, "SYN|ACK", (FlagSYN | FlagACK).String())
	assert.Equal(t, "FIN", FlagFIN.String())
	assert.True(t, NewData(0, []byte("x")).IsData())
	assert.True(t, NewControl(FlagFIN, 0, 0).IsFIN())
}
