// 公共API类型
package api

import (
	"fmt"
	"net/netip"
	"time"
)

// 连接状态
type State uint8

const (
	StateClosed      State = iota // 初始/终止状态
	StateListen                   // 服务端等待连接
	StateSynSent                  // 客户端已发送SYN
	StateSynReceived              // 服务端收到SYN并回复SYN-ACK
	StateEstablished              // 连接建立
	StateFinWait                  // 本端发起关闭
	StateClosing                  // 对端发起关闭
)

var stateNames = [...]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN_SENT",
	StateSynReceived: "SYN_RECEIVED",
	StateEstablished: "ESTABLISHED",
	StateFinWait:     "FIN_WAIT",
	StateClosing:     "CLOSING",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// FourTuple 连接的唯一标识（本端视角）
type FourTuple struct {
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
}

// Reverse 返回对端视角的四元组
func (t FourTuple) Reverse() FourTuple {
	return FourTuple{
		LocalAddr:  t.RemoteAddr,
		LocalPort:  t.RemotePort,
		RemoteAddr: t.LocalAddr,
		RemotePort: t.LocalPort,
	}
}

func (t FourTuple) String() string {
	return fmt.Sprintf("%s -> %s",
		netip.AddrPortFrom(t.LocalAddr, t.LocalPort),
		netip.AddrPortFrom(t.RemoteAddr, t.RemotePort))
}

// 事件类型
type EventType string

const (
	EventSynSent         EventType = "syn_sent"
	EventSynAckSent      EventType = "syn_ack_sent"
	EventAckSent         EventType = "ack_sent"
	EventDupAckSent      EventType = "dup_ack_sent"
	EventFinSent         EventType = "fin_sent"
	EventDataSent        EventType = "data_sent"
	EventRetransmit      EventType = "retransmit"
	EventTimeout         EventType = "timeout"
	EventAckReceived     EventType = "ack_received"
	EventDataReceived    EventType = "data_received"
	EventDataDropped     EventType = "data_dropped"
	EventStateChange     EventType = "state_change"
	EventHandshakeFailed EventType = "handshake_failed"
)

// Event 协议事件，替代直接打印的跟踪字符
type Event struct {
	Type  EventType
	Tuple FourTuple
	Seq   uint32 // 相关段的序列号
	Ack   uint32 // 相关的确认号
	Len   int    // 负载长度（或重传段数）
	State State  // 事件发生后的连接状态
	Time  time.Time
}

// Trace 返回事件对应的单字符跟踪标记，无标记的事件返回空串
// S=SYN  :=ACK  F=FIN  .=数据  !=重传  ?=重复ACK
func (e Event) Trace() string {
	switch e.Type {
	case EventSynSent, EventSynAckSent:
		return "S"
	case EventAckSent:
		return ":"
	case EventDupAckSent:
		return "?"
	case EventFinSent:
		return "F"
	case EventDataSent:
		return "."
	case EventRetransmit:
		return "!"
	}
	return ""
}

// 连接统计信息
type Statistics struct {
	BytesSent        uint64        // 首次发送的负载字节数
	BytesReceived    uint64        // 按序交付到接收缓冲区的字节数
	SegmentsSent     uint64        // 发送的段数（含控制段与重传）
	SegmentsReceived uint64        // 收到的段数
	Retransmissions  uint64        // 重传的段数
	Timeouts         uint64        // 重传定时器超时次数
	DuplicateAcks    uint64        // 发出的重复ACK数
	Dropped          uint64        // 因接收缓冲区满丢弃的段数
	SmoothedRTT      time.Duration // 平滑RTT
	RTO              time.Duration // 当前重传超时
}

// Callbacks 连接事件回调
// 回调在连接锁之外执行，可以安全地调用连接方法。
type Callbacks struct {
	OnEvent       func(ev Event)
	OnStateChange func(tuple FourTuple, from, to State)
}
