// 传输段的定义与报文头编解码
package segment

import (
	"fmt"
	"strings"

	"github.com/google/netstack/tcpip/seqnum"
)

// Flags 段的控制标志位
type Flags uint8

const (
	FlagSYN Flags = 1 << 0 // 建立连接
	FlagACK Flags = 1 << 1 // 确认号有效
	FlagFIN Flags = 1 << 2 // 关闭连接

	flagMask = FlagSYN | FlagACK | FlagFIN
)

// Has 判断是否包含全部给定标志
func (f Flags) Has(x Flags) bool {
	return f&x == x
}

func (f Flags) String() string {
	if f == 0 {
		return "NONE"
	}
	var parts []string
	if f.Has(FlagSYN) {
		parts = append(parts, "SYN")
	}
	if f.Has(FlagACK) {
		parts = append(parts, "ACK")
	}
	if f.Has(FlagFIN) {
		parts = append(parts, "FIN")
	}
	if rest := f &^ flagMask; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%02x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}

// Segment 传输的基本单元，构造后不可修改
// 数据段的序列号按段递增（每段加一），而不是按字节。
type Segment struct {
	seq     seqnum.Value // 序列号
	ack     seqnum.Value // 累计确认号（仅FlagACK时有效）
	flags   Flags        // 控制标志
	window  uint16       // 通告的接收窗口(KiB)
	payload []byte       // 负载
}

// New 构造一个段，负载会被复制
func New(seq, ack seqnum.Value, flags Flags, window uint16, payload []byte) *Segment {
	s := &Segment{seq: seq, ack: ack, flags: flags, window: window}
	if len(payload) > 0 {
		s.payload = append([]byte(nil), payload...)
	}
	return s
}

// NewData 构造数据段
func NewData(seq seqnum.Value, payload []byte) *Segment {
	return New(seq, 0, 0, 0, payload)
}

// NewControl 构造不带负载的控制段
func NewControl(flags Flags, seq, ack seqnum.Value) *Segment {
	return New(seq, ack, flags, 0, nil)
}

func (s *Segment) Seq() seqnum.Value { return s.seq }
func (s *Segment) Ack() seqnum.Value { return s.ack }
func (s *Segment) Flags() Flags      { return s.flags }
func (s *Segment) Window() uint16    { return s.window }
func (s *Segment) Len() int          { return len(s.payload) }

// Payload 返回负载，调用方不得修改返回的切片
func (s *Segment) Payload() []byte { return s.payload }

func (s *Segment) IsSYN() bool { return s.flags.Has(FlagSYN) }
func (s *Segment) IsACK() bool { return s.flags.Has(FlagACK) }
func (s *Segment) IsFIN() bool { return s.flags.Has(FlagFIN) }

// IsData 不含控制标志的段视为数据段
func (s *Segment) IsData() bool { return s.flags&flagMask == 0 }

// WithWindow 返回通告窗口不同的副本
func (s *Segment) WithWindow(w uint16) *Segment {
	c := *s
	c.window = w
	return &c
}

func (s *Segment) String() string {
	return fmt.Sprintf("seg{seq=%d ack=%d flags=%s win=%d len=%d}",
		uint32(s.seq), uint32(s.ack), s.flags, s.window, len(s.payload))
}
