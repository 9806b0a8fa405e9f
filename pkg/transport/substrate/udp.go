package substrate

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/junbin-yang/rtstream/pkg/transport/segment"
	"github.com/junbin-yang/rtstream/pkg/utils/logger"
	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

// 每个UDP报文前附加源、目的虚拟地址各16字节
const (
	addrLen        = 16
	frameHeaderLen = 2 * addrLen
	maxFrameLen    = frameHeaderLen + segment.HeaderLen + segment.MaxPayloadLen
	readBufferSize = 1 << 20
	readTimeout    = time.Second
)

// FrameOverhead 每个段在UDP负载中除段负载外占用的字节数
const FrameOverhead = frameHeaderLen + segment.HeaderLen

// UDPOptions UDP通道参数
type UDPOptions struct {
	Listen string // 本地UDP监听地址，如":9000"
	TTL    int    // 单播TTL，0表示使用系统默认
	TOS    int    // IP服务类型，0表示不设置
}

// UDP 在真实UDP套接字上承载虚拟地址之间的段
// 路由表记录虚拟地址到UDP端点的映射；收到未知虚拟地址的报文时自动学习路由。
type UDP struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn

	mu       sync.RWMutex
	routes   map[netip.Addr]netip.AddrPort
	handlers map[netip.Addr]Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logger.Logger
}

// NewUDP 监听UDP端口并启动接收协程
func NewUDP(opts UDPOptions) (*UDP, error) {
	addr, err := net.ResolveUDPAddr("udp4", opts.Listen)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %q", opts.Listen)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	u := &UDP{
		conn:     conn,
		pc:       ipv4.NewPacketConn(conn),
		routes:   make(map[netip.Addr]netip.AddrPort),
		handlers: make(map[netip.Addr]Handler),
		ctx:      ctx,
		cancel:   cancel,
		log:      logger.Default().Named("udp"),
	}

	if err := conn.SetReadBuffer(readBufferSize); err != nil {
		u.log.Warn("set UDP read buffer failed", logger.Err(err))
	}
	if opts.TTL > 0 {
		if err := u.pc.SetTTL(opts.TTL); err != nil {
			u.log.Warn("set TTL failed", logger.Int("ttl", opts.TTL), logger.Err(err))
		}
	}
	if opts.TOS > 0 {
		if err := u.pc.SetTOS(opts.TOS); err != nil {
			u.log.Warn("set TOS failed", logger.Int("tos", opts.TOS), logger.Err(err))
		}
	}

	u.wg.Add(1)
	go u.receiveLoop()

	u.log.Info("UDP substrate listening", logger.Stringer("addr", conn.LocalAddr()))
	return u, nil
}

// LocalAddr 实际监听的UDP端点
func (u *UDP) LocalAddr() netip.AddrPort {
	return u.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// AddRoute 设置虚拟地址对应的UDP端点
func (u *UDP) AddRoute(virtual netip.Addr, endpoint netip.AddrPort) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.routes[virtual] = endpoint
}

// Route 查询虚拟地址的UDP端点
func (u *UDP) Route(virtual netip.Addr) (netip.AddrPort, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	ep, ok := u.routes[virtual]
	return ep, ok
}

func (u *UDP) Attach(addr netip.Addr, h Handler) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.ctx.Err() != nil {
		return ErrClosed
	}
	if _, ok := u.handlers[addr]; ok {
		return errors.Wrap(ErrAddrInUse, addr.String())
	}
	u.handlers[addr] = h
	return nil
}

func (u *UDP) Detach(addr netip.Addr) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.handlers, addr)
}

// Transmit 按路由表将段发送到目的虚拟地址所在的UDP端点
func (u *UDP) Transmit(seg *segment.Segment, srcAddr netip.Addr, srcPort uint16, dstAddr netip.Addr, dstPort uint16) error {
	if u.ctx.Err() != nil {
		return ErrClosed
	}
	ep, ok := u.Route(dstAddr)
	if !ok {
		return errors.Wrap(ErrNoRoute, dstAddr.String())
	}

	data, err := segment.Encode(seg, srcPort, dstPort)
	if err != nil {
		return err
	}
	frame := make([]byte, frameHeaderLen+len(data))
	putAddr(frame[:addrLen], srcAddr)
	putAddr(frame[addrLen:frameHeaderLen], dstAddr)
	copy(frame[frameHeaderLen:], data)

	if _, err := u.conn.WriteToUDPAddrPort(frame, ep); err != nil {
		return errors.Wrapf(err, "write to %s", ep)
	}
	return nil
}

// Close 关闭套接字并等待接收协程退出
func (u *UDP) Close() error {
	if u.ctx.Err() != nil {
		return nil
	}
	u.cancel()
	err := u.conn.Close()
	u.wg.Wait()
	return errors.Wrap(err, "close UDP socket")
}

func (u *UDP) receiveLoop() {
	defer u.wg.Done()
	buf := make([]byte, maxFrameLen)

	for {
		if u.ctx.Err() != nil {
			return
		}
		u.conn.SetReadDeadline(time.Now().Add(readTimeout))

		n, from, err := u.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if u.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			u.log.Error("UDP receive failed", logger.Err(err))
			continue
		}
		u.handleFrame(buf[:n], from)
	}
}

func (u *UDP) handleFrame(frame []byte, from netip.AddrPort) {
	if len(frame) < frameHeaderLen {
		u.log.Debug("drop short frame", logger.Int("len", len(frame)), logger.Stringer("from", from))
		return
	}
	src := getAddr(frame[:addrLen])
	dst := getAddr(frame[addrLen:frameHeaderLen])

	seg, hdr, err := segment.Decode(frame[frameHeaderLen:])
	if err != nil {
		u.log.Debug("drop undecodable frame", logger.Stringer("from", from), logger.Err(err))
		return
	}

	u.mu.Lock()
	if _, ok := u.routes[src]; !ok {
		u.routes[src] = from
		u.log.Debug("learned route", logger.Stringer("virtual", src), logger.Stringer("endpoint", from))
	}
	h, ok := u.handlers[dst]
	u.mu.Unlock()

	if !ok {
		u.log.Debug("no handler for address", logger.Stringer("dst", dst))
		return
	}
	h(seg, inboundTuple(src, dst, hdr))
}

func putAddr(b []byte, a netip.Addr) {
	a16 := a.As16()
	copy(b, a16[:])
}

func getAddr(b []byte) netip.Addr {
	var a16 [addrLen]byte
	copy(a16[:], b)
	return netip.AddrFrom16(a16).Unmap()
}
