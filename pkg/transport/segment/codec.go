package segment

import (
	"encoding/binary"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

// 报文头固定20字节（大端序）:
//
//	0-1   源端口
//	2-3   目的端口
//	4-7   序列号
//	8     标志位 bit0=SYN bit1=ACK bit2=FIN
//	9     保留
//	10-11 通告窗口(KiB)
//	12-15 确认号
//	16-17 校验和（覆盖头部与负载，计算时跳过本字段）
//	18-19 负载长度
const (
	HeaderLen     = 20
	MaxPayloadLen = 0xffff - HeaderLen
)

var (
	ErrShortHeader = errors.New("segment shorter than header")
	ErrLength      = errors.New("payload length mismatch")
	ErrBadChecksum = errors.New("segment checksum mismatch")
	ErrTooLarge    = errors.New("payload exceeds maximum segment length")
)

// Header 解码后的报文头字段
type Header struct {
	SrcPort  uint16
	DstPort  uint16
	Seq      seqnum.Value
	Flags    Flags
	Window   uint16
	Ack      seqnum.Value
	Checksum uint16
	Length   uint16
}

// Encode 将段与端口编码为报文
func Encode(seg *Segment, srcPort, dstPort uint16) ([]byte, error) {
	if seg.Len() > MaxPayloadLen {
		return nil, errors.Wrapf(ErrTooLarge, "len %d", seg.Len())
	}

	buf := make([]byte, HeaderLen+seg.Len())
	binary.BigEndian.PutUint16(buf[0:2], srcPort)
	binary.BigEndian.PutUint16(buf[2:4], dstPort)
	binary.BigEndian.PutUint32(buf[4:8], uint32(seg.Seq()))
	buf[8] = byte(seg.Flags())
	binary.BigEndian.PutUint16(buf[10:12], seg.Window())
	binary.BigEndian.PutUint32(buf[12:16], uint32(seg.Ack()))
	binary.BigEndian.PutUint16(buf[18:20], uint16(seg.Len()))
	copy(buf[HeaderLen:], seg.Payload())

	binary.BigEndian.PutUint16(buf[16:18], checksum(buf))
	return buf, nil
}

// Decode 从报文解码出段和报文头
func Decode(b []byte) (*Segment, Header, error) {
	var h Header
	if len(b) < HeaderLen {
		return nil, h, errors.Wrapf(ErrShortHeader, "got %d bytes", len(b))
	}

	h = Header{
		SrcPort:  binary.BigEndian.Uint16(b[0:2]),
		DstPort:  binary.BigEndian.Uint16(b[2:4]),
		Seq:      seqnum.Value(binary.BigEndian.Uint32(b[4:8])),
		Flags:    Flags(b[8]),
		Window:   binary.BigEndian.Uint16(b[10:12]),
		Ack:      seqnum.Value(binary.BigEndian.Uint32(b[12:16])),
		Checksum: binary.BigEndian.Uint16(b[16:18]),
		Length:   binary.BigEndian.Uint16(b[18:20]),
	}

	if int(h.Length) != len(b)-HeaderLen {
		return nil, h, errors.Wrapf(ErrLength, "header says %d, have %d", h.Length, len(b)-HeaderLen)
	}
	if sum := checksum(b); sum != h.Checksum {
		return nil, h, errors.Wrapf(ErrBadChecksum, "want 0x%04x, got 0x%04x", h.Checksum, sum)
	}

	seg := New(h.Seq, h.Ack, h.Flags, h.Window, b[HeaderLen:])
	return seg, h, nil
}

// checksum 计算覆盖头部与负载的反码校验和，跳过校验和字段本身
func checksum(b []byte) uint16 {
	sum := header.Checksum(b[:16], 0)
	sum = header.Checksum(b[18:], sum)
	return ^sum
}
