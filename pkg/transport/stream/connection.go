// 可靠字节流连接：在不可靠、无序的分组通道上提供有序、带流控、可容忍丢包的字节流
package stream

import (
	"net/netip"
	"sync"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/junbin-yang/rtstream/api"
	"github.com/junbin-yang/rtstream/pkg/transport/segment"
	"github.com/junbin-yang/rtstream/pkg/utils/logger"
	"github.com/junbin-yang/rtstream/pkg/utils/timer"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Transmitter 连接发送段所依赖的分组通道，不保证送达、顺序与可靠性
type Transmitter interface {
	Transmit(seg *segment.Segment, srcAddr netip.Addr, srcPort uint16, dstAddr netip.Addr, dstPort uint16) error
}

type transition struct {
	from, to api.State
}

// Connection 单个端点的连接状态机
// 所有状态（序列号、窗口、缓冲区、定时器）由mu保护；
// 锁内产生的待发送段与事件在解锁后统一发出，回调与通道可以安全地重入连接。
type Connection struct {
	mu sync.Mutex

	tuple api.FourTuple
	tx    Transmitter
	opts  Options

	state  api.State
	closed bool // 是否已释放资源
	ackNum seqnum.Value

	rto           *RTOEstimator
	sendBuffer    *RingBuffer
	receiveBuffer *RingBuffer
	window        *SendWindow
	rtx           *timer.Timer
	synRetries    int // 当前握手段已重发次数

	stats api.Statistics

	// 锁内累积、解锁后发出
	outbox      []*segment.Segment
	events      []api.Event
	transitions []transition

	log *logger.Logger
}

// NewConnection 创建处于CLOSED状态的连接
func NewConnection(tuple api.FourTuple, tx Transmitter, opts Options) *Connection {
	opts = opts.normalize()
	c := &Connection{
		tuple:         tuple,
		tx:            tx,
		opts:          opts,
		state:         api.StateClosed,
		rto:           NewRTOEstimator(opts.InitialTimeout, opts.MinTimeout, opts.MaxTimeout),
		sendBuffer:    NewRingBuffer(opts.BufferSize),
		receiveBuffer: NewRingBuffer(opts.BufferSize),
		window:        NewSendWindow(opts.WindowSize),
		log:           opts.Logger.With(zap.Stringer("conn", tuple)),
	}
	c.rtx = timer.New(c.onTimer)
	return c
}

// Listen 进入LISTEN状态，等待对端SYN
func (c *Connection) Listen() error {
	c.mu.Lock()
	defer c.unlockAndFlush()

	if c.state != api.StateClosed || c.closed {
		return errors.WithMessagef(ErrInvalidState, "listen in %s", c.state)
	}
	c.setState(api.StateListen)
	return nil
}

// Connect 发送SYN发起三次握手，握手结果通过状态回调通知
func (c *Connection) Connect() error {
	c.mu.Lock()
	defer c.unlockAndFlush()

	if c.state != api.StateClosed || c.closed {
		return errors.WithMessagef(ErrInvalidState, "connect in %s", c.state)
	}
	c.setState(api.StateSynSent)
	c.synRetries = 0
	c.sendControl(segment.FlagSYN, api.EventSynSent)
	c.armTimer()
	return nil
}

// Send 将payload作为一个新段放入发送窗口并发出
// 错误: ErrInvalidState / ErrConnectionClosed, ErrWindowFull, ErrSegmentTooLarge, ErrBufferFull。
// 空负载不产生段，返回(nil, nil)。
func (c *Connection) Send(payload []byte) (*segment.Segment, error) {
	c.mu.Lock()
	defer c.unlockAndFlush()

	if err := c.requireEstablished("send"); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, nil
	}
	if c.window.Full() {
		return nil, errors.WithMessagef(ErrWindowFull, "%d segments in flight", c.window.Len())
	}
	if len(payload) > c.opts.MaxSegmentSize {
		return nil, errors.WithMessagef(ErrSegmentTooLarge, "%d > %d", len(payload), c.opts.MaxSegmentSize)
	}
	if err := c.sendBuffer.Write(payload); err != nil {
		return nil, errors.WithMessagef(err, "stage %d bytes, %d free", len(payload), c.sendBuffer.Available())
	}

	seg := c.window.Push(payload, time.Now())
	c.stats.BytesSent += uint64(len(payload))
	c.queue(seg)
	c.event(api.EventDataSent, seg.Seq(), 0, seg.Len())
	c.armTimer()
	return seg, nil
}

// Receive 从接收缓冲区读取最多max字节，无数据时返回ErrBufferEmpty
func (c *Connection) Receive(max int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireEstablished("receive"); err != nil {
		return nil, err
	}
	data := c.receiveBuffer.Read(max)
	if len(data) == 0 {
		return nil, ErrBufferEmpty
	}
	return data, nil
}

// HandleSegment 处理已路由到本连接的入站段
func (c *Connection) HandleSegment(seg *segment.Segment) error {
	c.mu.Lock()
	defer c.unlockAndFlush()

	c.stats.SegmentsReceived++

	switch c.state {
	case api.StateListen:
		if seg.IsSYN() && !seg.IsACK() {
			c.setState(api.StateSynReceived)
			c.synRetries = 0
			c.sendControl(segment.FlagSYN|segment.FlagACK, api.EventSynAckSent)
			c.armTimer()
			return nil
		}
		return errors.WithMessagef(ErrInvalidState, "%s segment in LISTEN", seg.Flags())

	case api.StateSynSent:
		if seg.IsSYN() && seg.IsACK() {
			c.rtx.Stop()
			c.setState(api.StateEstablished)
			c.sendAck(false)
			return nil
		}
		return errors.WithMessagef(ErrInvalidState, "%s segment in SYN_SENT", seg.Flags())

	case api.StateSynReceived:
		switch {
		case seg.IsSYN() && !seg.IsACK():
			// 对端没有收到SYN-ACK
			c.sendControl(segment.FlagSYN|segment.FlagACK, api.EventSynAckSent)
			return nil
		case seg.IsFIN():
			c.peerClosed()
			return nil
		case seg.IsACK(), seg.IsData():
			// 握手ACK丢失时，首个数据段同样完成握手
			c.rtx.Stop()
			c.setState(api.StateEstablished)
			if seg.IsACK() {
				return nil
			}
		default:
			return errors.WithMessagef(ErrInvalidState, "%s segment in SYN_RECEIVED", seg.Flags())
		}

	case api.StateEstablished:

	default:
		if c.closed {
			return errors.WithMessagef(ErrConnectionClosed, "%s segment after close", seg.Flags())
		}
		return errors.WithMessagef(ErrInvalidState, "%s segment in %s", seg.Flags(), c.state)
	}

	switch {
	case seg.IsFIN():
		c.peerClosed()
		return nil
	case seg.IsSYN():
		if seg.IsACK() {
			// 本端的握手ACK丢失，对端重发了SYN-ACK
			c.sendAck(false)
		}
		return nil
	case seg.IsACK():
		c.handleAck(seg.Ack())
		return nil
	}
	return c.receiveData(seg)
}

// HandleAck 以累计确认号推进发送窗口
func (c *Connection) HandleAck(ack seqnum.Value) {
	c.mu.Lock()
	defer c.unlockAndFlush()

	if c.state != api.StateEstablished {
		return
	}
	c.handleAck(ack)
}

// Close 中止式关闭：尽力发送FIN，停止定时器，释放缓冲区，丢弃未确认数据
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.unlockAndFlush()

	if c.closed {
		return nil
	}

	switch c.state {
	case api.StateSynSent, api.StateSynReceived, api.StateEstablished:
		c.sendControl(segment.FlagFIN, api.EventFinSent)
		c.setState(api.StateFinWait)
	}
	if n := c.window.Len(); n > 0 {
		c.log.Debug("discarding unacknowledged segments", logger.Int("count", n))
	}
	c.release()
	return nil
}

func (c *Connection) State() api.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Tuple() api.FourTuple {
	return c.tuple
}

// SequenceNum 下一个待发送段的序列号
func (c *Connection) SequenceNum() seqnum.Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window.Next()
}

// AckNum 期望从对端收到的下一个序列号
func (c *Connection) AckNum() seqnum.Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ackNum
}

// NextSeqNum 同SequenceNum，即窗口上沿
func (c *Connection) NextSeqNum() seqnum.Value {
	return c.SequenceNum()
}

func (c *Connection) WindowBase() seqnum.Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window.Base()
}

// InFlight 已发送未确认的段数
func (c *Connection) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window.Len()
}

// Timeout 当前重传超时
func (c *Connection) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rto.Timeout()
}

// Readable 接收缓冲区中可读的字节数
func (c *Connection) Readable() int {
	return c.receiveBuffer.Used()
}

// Statistics 返回统计信息快照
func (c *Connection) Statistics() api.Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.SmoothedRTT = c.rto.SmoothedRTT()
	s.RTO = c.rto.Timeout()
	return s
}

// 内部方法，调用时必须持有c.mu

func (c *Connection) requireEstablished(op string) error {
	if c.state == api.StateEstablished {
		return nil
	}
	if c.closed {
		return errors.WithMessage(ErrConnectionClosed, op)
	}
	return errors.WithMessagef(ErrInvalidState, "%s in %s", op, c.state)
}

// handleAck 累计确认：过期或重复的ACK直接忽略
func (c *Connection) handleAck(ack seqnum.Value) {
	if !c.window.Base().LessThan(ack) {
		return
	}
	if !c.window.Acceptable(ack) {
		c.log.Warn("ACK beyond sent data ignored",
			logger.Uint32("ack", uint32(ack)),
			logger.Uint32("next", uint32(c.window.Next())))
		return
	}

	// 按最早未确认段的发送时间采样RTT，重传过的段采样有歧义，跳过
	if oldest, ok := c.window.oldest(); ok && !oldest.retransmitted {
		c.rto.Sample(time.Since(oldest.sentAt))
	}

	acked := c.window.Advance(ack)
	for _, seg := range acked {
		c.sendBuffer.Discard(seg.Len())
	}
	c.event(api.EventAckReceived, c.window.Base(), ack, len(acked))

	if c.window.Empty() {
		c.rtx.Stop()
	} else {
		c.armTimer()
	}
}

// receiveData 处理数据段：按序到达写入接收缓冲区并确认，乱序到达重发上一个ACK
func (c *Connection) receiveData(seg *segment.Segment) error {
	if seg.Len() == 0 {
		return nil
	}

	if seg.Seq() != c.ackNum {
		c.stats.DuplicateAcks++
		c.sendAck(true)
		return nil
	}

	if err := c.receiveBuffer.Write(seg.Payload()); err != nil {
		c.stats.Dropped++
		c.event(api.EventDataDropped, seg.Seq(), c.ackNum, seg.Len())
		return errors.WithMessagef(err, "drop segment %d", uint32(seg.Seq()))
	}
	c.ackNum++
	c.stats.BytesReceived += uint64(seg.Len())
	c.event(api.EventDataReceived, seg.Seq(), c.ackNum, seg.Len())
	c.sendAck(false)
	return nil
}

// peerClosed 对端发送FIN：确认后释放连接
func (c *Connection) peerClosed() {
	c.sendAck(false)
	c.setState(api.StateClosing)
	c.release()
}

// release 停止定时器、释放缓冲区并进入CLOSED
func (c *Connection) release() {
	c.rtx.Stop()
	c.window.Reset()
	c.sendBuffer.Close()
	c.receiveBuffer.Close()
	c.closed = true
	c.setState(api.StateClosed)
}

// onTimer 重传定时器回调，在定时器协程中执行
func (c *Connection) onTimer(gen uint64) {
	c.mu.Lock()
	defer c.unlockAndFlush()

	// 在等待锁期间定时器可能已被重置或停止
	if !c.rtx.Current(gen) || c.closed {
		return
	}

	switch c.state {
	case api.StateSynSent:
		c.retryHandshake(segment.FlagSYN, api.EventSynSent)
	case api.StateSynReceived:
		c.retryHandshake(segment.FlagSYN|segment.FlagACK, api.EventSynAckSent)
	case api.StateEstablished:
		c.retransmitWindow()
	}
}

// retransmitWindow 回退N：重发窗口中的全部段并重新装填定时器
func (c *Connection) retransmitWindow() {
	if c.window.Empty() {
		return
	}

	segs := c.window.Outstanding()
	c.stats.Timeouts++
	c.event(api.EventTimeout, c.window.Base(), 0, len(segs))
	for _, seg := range segs {
		c.queue(seg)
		c.stats.Retransmissions++
		c.event(api.EventRetransmit, seg.Seq(), 0, seg.Len())
	}
	c.window.markRetransmitted()
	c.armTimer()

	c.log.Debug("retransmitted window",
		logger.Uint32("base", uint32(c.window.Base())),
		logger.Int("segments", len(segs)),
		logger.Duration("rto", c.rto.Timeout()))
}

func (c *Connection) retryHandshake(flags segment.Flags, ev api.EventType) {
	if c.synRetries >= c.opts.HandshakeRetries {
		c.log.Warn("handshake failed",
			logger.Stringer("state", c.state),
			logger.Int("retries", c.synRetries))
		c.event(api.EventHandshakeFailed, c.window.Next(), c.ackNum, 0)
		c.release()
		return
	}
	c.synRetries++
	c.stats.Retransmissions++
	c.sendControl(flags, ev)
	c.armTimer()
}

func (c *Connection) armTimer() {
	c.rtx.Start(c.rto.Timeout())
}

// sendControl 发送不消耗序列号的控制段
func (c *Connection) sendControl(flags segment.Flags, ev api.EventType) {
	seg := segment.New(c.window.Next(), c.ackNum, flags, c.advertisedWindow(), nil)
	c.queue(seg)
	c.event(ev, seg.Seq(), seg.Ack(), 0)
}

// sendAck 发送携带当前累计确认号的ACK；dup表示重复确认
func (c *Connection) sendAck(dup bool) {
	ev := api.EventAckSent
	if dup {
		ev = api.EventDupAckSent
	}
	c.sendControl(segment.FlagACK, ev)
}

// advertisedWindow 以KiB为单位通告接收缓冲区剩余空间
func (c *Connection) advertisedWindow() uint16 {
	kb := c.receiveBuffer.Available() / 1024
	if kb > 0xffff {
		kb = 0xffff
	}
	return uint16(kb)
}

func (c *Connection) queue(seg *segment.Segment) {
	c.stats.SegmentsSent++
	c.outbox = append(c.outbox, seg)
}

func (c *Connection) setState(s api.State) {
	if c.state == s {
		return
	}
	c.transitions = append(c.transitions, transition{from: c.state, to: s})
	c.state = s
	c.event(api.EventStateChange, c.window.Next(), c.ackNum, 0)
}

func (c *Connection) event(t api.EventType, seq, ack seqnum.Value, n int) {
	if c.opts.Callbacks.OnEvent == nil {
		return
	}
	c.events = append(c.events, api.Event{
		Type:  t,
		Tuple: c.tuple,
		Seq:   uint32(seq),
		Ack:   uint32(ack),
		Len:   n,
		State: c.state,
		Time:  time.Now(),
	})
}

// unlockAndFlush 释放锁后发出锁内累积的段与事件
func (c *Connection) unlockAndFlush() {
	out, events, transitions := c.outbox, c.events, c.transitions
	c.outbox, c.events, c.transitions = nil, nil, nil
	c.mu.Unlock()

	for _, seg := range out {
		err := c.tx.Transmit(seg, c.tuple.LocalAddr, c.tuple.LocalPort, c.tuple.RemoteAddr, c.tuple.RemotePort)
		if err != nil {
			c.log.Warn("transmit failed", logger.Stringer("segment", seg), zap.Error(err))
		}
	}
	if fn := c.opts.Callbacks.OnStateChange; fn != nil {
		for _, t := range transitions {
			fn(c.tuple, t.from, t.to)
		}
	}
	if fn := c.opts.Callbacks.OnEvent; fn != nil {
		for _, ev := range events {
			fn(ev)
		}
	}
}
