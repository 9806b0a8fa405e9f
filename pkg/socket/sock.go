package socket

import (
	"context"
	"net/netip"

	"github.com/junbin-yang/rtstream/api"
	"github.com/junbin-yang/rtstream/pkg/transport/directory"
	"github.com/junbin-yang/rtstream/pkg/transport/stream"
	"github.com/junbin-yang/rtstream/pkg/utils/logger"
	"github.com/pkg/errors"
)

// Sock 套接字句柄，本身不持有连接状态，所有操作经由管理器目录解析
type Sock struct {
	m *Manager
	h directory.Handle
}

func (s *Sock) Handle() directory.Handle {
	return s.h
}

func (s *Sock) endpoint() (*endpoint, error) {
	ep, ok := s.m.dir.Get(s.h)
	if !ok {
		return nil, ErrClosed
	}
	return ep, nil
}

// Bind 绑定本地端口，port为0时分配临时端口
func (s *Sock) Bind(port uint16) error {
	ep, err := s.endpoint()
	if err != nil {
		return err
	}
	return s.m.bind(ep, port)
}

// Listen 开始在绑定的端口上接受连接，backlog<=0时使用默认值
func (s *Sock) Listen(backlog int) error {
	ep, err := s.endpoint()
	if err != nil {
		return err
	}
	local := ep.localAddr()
	if !local.IsValid() {
		return ErrNotBound
	}
	if backlog <= 0 {
		backlog = s.m.cfg.Backlog
	}
	if !ep.startListening(backlog) {
		return errors.WithMessage(stream.ErrInvalidState, "listen on active socket")
	}
	if err := s.m.dir.Listen(s.h, local.Addr(), local.Port()); err != nil {
		ep.stopListening()
		return err
	}
	s.m.log.Info("listening", logger.Stringer("local", local), logger.Int("backlog", backlog))
	return nil
}

// Accept 阻塞直到有已建立的连接、ctx结束或套接字关闭
func (s *Sock) Accept(ctx context.Context) (*Sock, error) {
	ep, err := s.endpoint()
	if err != nil {
		return nil, err
	}
	if !ep.isListening() {
		return nil, ErrNotListening
	}

	select {
	case child := <-ep.accept:
		return &Sock{m: s.m, h: child.handle}, nil
	case <-ep.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "accept")
	}
}

// Connect 向addr:port发起连接并等待握手完成
// 未绑定时自动分配临时端口；握手重试耗尽返回ErrConnectFailed。
func (s *Sock) Connect(ctx context.Context, addr netip.Addr, port uint16) error {
	ep, err := s.endpoint()
	if err != nil {
		return err
	}
	if ep.isListening() || ep.connection() != nil {
		return errors.WithMessage(stream.ErrInvalidState, "connect on active socket")
	}
	if !ep.localAddr().IsValid() {
		if err := s.m.bind(ep, 0); err != nil {
			return err
		}
	}

	local := ep.localAddr()
	tuple := api.FourTuple{
		LocalAddr:  local.Addr(),
		LocalPort:  local.Port(),
		RemoteAddr: addr,
		RemotePort: port,
	}
	conn := s.m.newConnection(ep, tuple)
	ep.mu.Lock()
	ep.remote = netip.AddrPortFrom(addr, port)
	ep.conn = conn
	ep.mu.Unlock()

	if err := s.m.dir.Connect(s.h, tuple); err != nil {
		return err
	}
	if err := conn.Connect(); err != nil {
		return err
	}

	select {
	case <-ep.established:
		s.m.log.Debug("connected", logger.Stringer("conn", tuple))
		return nil
	case <-ep.done:
		return errors.WithMessage(ErrConnectFailed, tuple.String())
	case <-ctx.Done():
		conn.Close()
		return errors.Wrap(ctx.Err(), "connect")
	}
}

// Write 按最大段长切分b并依次放入发送窗口，返回已接收的字节数
// 只有一个字节都未接收时才返回错误；窗口或缓冲区满时返回的字节数可能小于len(b)。
func (s *Sock) Write(b []byte) (int, error) {
	conn, err := s.conn()
	if err != nil {
		return 0, err
	}
	mss := s.m.cfg.Options.MaxSegmentSize
	if mss <= 0 {
		mss = stream.DefaultMaxSegmentSize
	}

	n := 0
	for n < len(b) {
		end := n + mss
		if end > len(b) {
			end = len(b)
		}
		if _, err := conn.Send(b[n:end]); err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		n = end
	}
	return n, nil
}

// WriteAll 写入全部数据，窗口满时等待ACK释放空间
func (s *Sock) WriteAll(ctx context.Context, b []byte) error {
	ep, err := s.endpoint()
	if err != nil {
		return err
	}
	for len(b) > 0 {
		n, err := s.Write(b)
		b = b[n:]
		if err == nil {
			continue
		}
		if !stream.IsTemporary(err) {
			return err
		}
		select {
		case <-ep.writable:
		case <-ep.done:
			return ErrClosed
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "write")
		}
	}
	return nil
}

// Read 非阻塞读取最多max字节，无数据时返回stream.ErrBufferEmpty
func (s *Sock) Read(max int) ([]byte, error) {
	conn, err := s.conn()
	if err != nil {
		return nil, err
	}
	return conn.Receive(max)
}

// ReadContext 阻塞直到有数据可读、连接关闭或ctx结束
func (s *Sock) ReadContext(ctx context.Context, max int) ([]byte, error) {
	ep, err := s.endpoint()
	if err != nil {
		return nil, err
	}
	for {
		data, err := s.Read(max)
		if !errors.Is(err, stream.ErrBufferEmpty) {
			return data, err
		}
		select {
		case <-ep.readable:
		case <-ep.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "read")
		}
	}
}

// Close 关闭套接字：连接中止式关闭，监听者同时关闭尚未接受的连接
func (s *Sock) Close() error {
	ep, ok := s.m.dir.Get(s.h)
	if !ok {
		return nil
	}

	for _, child := range ep.stopListening() {
		if conn := child.connection(); conn != nil {
			conn.Close()
		}
	}
	if conn := ep.connection(); conn != nil {
		if err := conn.Close(); err != nil {
			return err
		}
	}
	ep.markDone()
	s.m.dir.Remove(s.h)
	s.m.releasePort(ep)
	return nil
}

// State 连接状态；监听中的套接字返回LISTEN，未连接返回CLOSED
func (s *Sock) State() api.State {
	ep, ok := s.m.dir.Get(s.h)
	if !ok {
		return api.StateClosed
	}
	if conn := ep.connection(); conn != nil {
		return conn.State()
	}
	if ep.isListening() {
		return api.StateListen
	}
	return api.StateClosed
}

// Statistics 连接统计，未连接时返回零值
func (s *Sock) Statistics() api.Statistics {
	conn, err := s.conn()
	if err != nil {
		return api.Statistics{}
	}
	return conn.Statistics()
}

func (s *Sock) LocalAddr() netip.AddrPort {
	ep, err := s.endpoint()
	if err != nil {
		return netip.AddrPort{}
	}
	return ep.localAddr()
}

func (s *Sock) RemoteAddr() netip.AddrPort {
	ep, err := s.endpoint()
	if err != nil {
		return netip.AddrPort{}
	}
	return ep.remoteAddr()
}

func (s *Sock) conn() (*stream.Connection, error) {
	ep, err := s.endpoint()
	if err != nil {
		return nil, err
	}
	conn := ep.connection()
	if conn == nil {
		return nil, ErrNotConnected
	}
	return conn, nil
}
