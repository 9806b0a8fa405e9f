package stream

import (
	"time"

	"github.com/junbin-yang/rtstream/api"
	"github.com/junbin-yang/rtstream/pkg/utils/logger"
)

// 协议常量
const (
	DefaultMaxSegmentSize   = 1024 // 单段最大负载
	DefaultHandshakeRetries = 5    // 握手段最大重发次数
)

// Options 连接参数
type Options struct {
	WindowSize       int           // 发送窗口大小（段数）
	BufferSize       int           // 收发缓冲区容量（字节）
	MaxSegmentSize   int           // 单段最大负载（字节）
	InitialTimeout   time.Duration // 首次RTT采样前使用的超时
	MinTimeout       time.Duration // 超时下限
	MaxTimeout       time.Duration // 超时上限
	HandshakeRetries int           // SYN / SYN-ACK 最大重发次数

	Callbacks api.Callbacks  // 事件回调
	Logger    *logger.Logger // 日志记录器，为空时使用默认日志
}

// DefaultOptions 返回默认参数
func DefaultOptions() Options {
	return Options{
		WindowSize:       DefaultWindowSize,
		BufferSize:       DefaultBufferSize,
		MaxSegmentSize:   DefaultMaxSegmentSize,
		InitialTimeout:   DefaultInitialTimeout,
		MinTimeout:       DefaultMinTimeout,
		MaxTimeout:       DefaultMaxTimeout,
		HandshakeRetries: DefaultHandshakeRetries,
	}
}

// normalize 将未设置的字段补齐为默认值
func (o Options) normalize() Options {
	d := DefaultOptions()
	if o.WindowSize <= 0 {
		o.WindowSize = d.WindowSize
	}
	if o.BufferSize <= 0 {
		o.BufferSize = d.BufferSize
	}
	if o.MaxSegmentSize <= 0 {
		o.MaxSegmentSize = d.MaxSegmentSize
	}
	if o.InitialTimeout <= 0 {
		o.InitialTimeout = d.InitialTimeout
	}
	if o.MinTimeout <= 0 {
		o.MinTimeout = d.MinTimeout
	}
	if o.MaxTimeout <= 0 {
		o.MaxTimeout = d.MaxTimeout
	}
	if o.HandshakeRetries <= 0 {
		o.HandshakeRetries = d.HandshakeRetries
	}
	if o.Logger == nil {
		o.Logger = logger.Default()
	}
	return o
}

// LogEvents 返回将协议事件写入日志的回调（Debug级别）
func LogEvents(log *logger.Logger) func(api.Event) {
	if log == nil {
		log = logger.Default()
	}
	return func(ev api.Event) {
		if !log.Enabled(logger.DebugLevel) {
			return
		}
		log.Debug("stream event",
			logger.String("type", string(ev.Type)),
			logger.Stringer("conn", ev.Tuple),
			logger.Uint32("seq", ev.Seq),
			logger.Uint32("ack", ev.Ack),
			logger.Int("len", ev.Len),
			logger.Stringer("state", ev.State))
	}
}

// ChainEvents 将多个事件回调合并为一个
func ChainEvents(fns ...func(api.Event)) func(api.Event) {
	return func(ev api.Event) {
		for _, fn := range fns {
			if fn != nil {
				fn(ev)
			}
		}
	}
}
