// 分组通道：连接层之下不可靠、无序的段传输
package substrate

import (
	"net/netip"

	"github.com/junbin-yang/rtstream/api"
	"github.com/junbin-yang/rtstream/pkg/transport/segment"
	"github.com/pkg/errors"
)

var (
	ErrClosed    = errors.New("substrate closed")
	ErrAddrInUse = errors.New("address already attached")
	ErrNoRoute   = errors.New("no route to address")
)

// Handler 入站段回调，tuple为接收方视角（Local为目的地址）
// 在通道自己的协程中调用，可以重入Transmit。
type Handler func(seg *segment.Segment, tuple api.FourTuple)

// Substrate 分组通道：不保证送达、顺序，也可能重复
type Substrate interface {
	Transmit(seg *segment.Segment, srcAddr netip.Addr, srcPort uint16, dstAddr netip.Addr, dstPort uint16) error
	// Attach 注册本地地址，目的地址为addr的段交给h处理
	Attach(addr netip.Addr, h Handler) error
	Detach(addr netip.Addr)
	Close() error
}

// inboundTuple 由报文头构造接收方视角的四元组
func inboundTuple(src, dst netip.Addr, h segment.Header) api.FourTuple {
	return api.FourTuple{
		LocalAddr:  dst,
		LocalPort:  h.DstPort,
		RemoteAddr: src,
		RemotePort: h.SrcPort,
	}
}
