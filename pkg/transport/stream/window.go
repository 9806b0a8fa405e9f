package stream

import (
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/junbin-yang/rtstream/pkg/transport/segment"
)

// 默认发送窗口大小（段数）
const DefaultWindowSize = 4

// windowEntry 窗口中一个已发送未确认的段
type windowEntry struct {
	seg           *segment.Segment
	sentAt        time.Time // 首次发送时间
	retransmitted bool      // 是否被重传过（重传过的段不参与RTT采样）
}

// SendWindow 固定大小的滑动发送窗口
// 条目按序列号先进先出，只能通过累计确认推进base移除。
// 不加锁，由所属连接的锁保护。
type SendWindow struct {
	size    int
	entries []windowEntry
	base    seqnum.Value // 最早未确认段的序列号
	next    seqnum.Value // 下一个待分配的序列号
}

// NewSendWindow 创建容量为size个段的窗口
func NewSendWindow(size int) *SendWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &SendWindow{
		size:    size,
		entries: make([]windowEntry, 0, size),
	}
}

func (w *SendWindow) Size() int          { return w.size }
func (w *SendWindow) Len() int           { return len(w.entries) }
func (w *SendWindow) Empty() bool        { return len(w.entries) == 0 }
func (w *SendWindow) Full() bool         { return len(w.entries) >= w.size }
func (w *SendWindow) Base() seqnum.Value { return w.base }
func (w *SendWindow) Next() seqnum.Value { return w.next }

// Push 以next为序列号构造数据段并放入窗口尾部，调用方需先检查Full
func (w *SendWindow) Push(payload []byte, now time.Time) *segment.Segment {
	seg := segment.NewData(w.next, payload)
	w.entries = append(w.entries, windowEntry{seg: seg, sentAt: now})
	w.next++
	return seg
}

// Acceptable 判断ack能否推进窗口: base < ack <= next
func (w *SendWindow) Acceptable(ack seqnum.Value) bool {
	return w.base.LessThan(ack) && ack.LessThanEq(w.next)
}

// oldest 返回窗口头部条目
func (w *SendWindow) oldest() (windowEntry, bool) {
	if len(w.entries) == 0 {
		return windowEntry{}, false
	}
	return w.entries[0], true
}

// Advance 弹出所有序列号小于ack的段，返回被确认的段
func (w *SendWindow) Advance(ack seqnum.Value) []*segment.Segment {
	var acked []*segment.Segment
	for w.base.LessThan(ack) && len(w.entries) > 0 {
		acked = append(acked, w.entries[0].seg)
		n := copy(w.entries, w.entries[1:])
		w.entries[n] = windowEntry{}
		w.entries = w.entries[:n]
		w.base++
	}
	return acked
}

// Outstanding 返回窗口中全部段的快照（用于回退N重传）
func (w *SendWindow) Outstanding() []*segment.Segment {
	out := make([]*segment.Segment, len(w.entries))
	for i := range w.entries {
		out[i] = w.entries[i].seg
	}
	return out
}

// markRetransmitted 标记窗口中全部段为已重传
func (w *SendWindow) markRetransmitted() {
	for i := range w.entries {
		w.entries[i].retransmitted = true
	}
}

// Reset 丢弃全部未确认段
func (w *SendWindow) Reset() {
	w.entries = w.entries[:0]
}
