// 套接字层：在连接状态机之上提供绑定、监听、接受、连接与读写接口
package socket

import (
	"net/netip"
	"sync"
	"time"

	"github.com/junbin-yang/rtstream/api"
	"github.com/junbin-yang/rtstream/pkg/transport/directory"
	"github.com/junbin-yang/rtstream/pkg/transport/segment"
	"github.com/junbin-yang/rtstream/pkg/transport/stream"
	"github.com/junbin-yang/rtstream/pkg/transport/substrate"
	"github.com/junbin-yang/rtstream/pkg/utils/logger"
	"github.com/junbin-yang/rtstream/pkg/utils/timer"
	"github.com/pkg/errors"
)

const (
	DefaultBacklog      = 16
	DefaultEphemeralMin = 49152
	DefaultEphemeralMax = 65535

	statsTaskID = "socket-stats"
)

var (
	ErrClosed        = errors.New("socket closed")
	ErrNotBound      = errors.New("socket not bound")
	ErrAlreadyBound  = errors.New("socket already bound")
	ErrPortInUse     = errors.New("port already in use")
	ErrNoPorts       = errors.New("no ephemeral port available")
	ErrNotListening  = errors.New("socket not listening")
	ErrNotConnected  = errors.New("socket not connected")
	ErrConnectFailed = errors.New("connection attempt failed")
)

// Config 管理器参数
type Config struct {
	LocalAddr     netip.Addr     // 本地虚拟地址
	Options       stream.Options // 新连接使用的参数
	Backlog       int            // Listen未指定时的默认队列长度
	EphemeralMin  uint16
	EphemeralMax  uint16
	StatsInterval time.Duration // 周期性输出连接统计，0表示关闭
}

// Manager 管理一个本地地址上的全部套接字，并把入站段分发给对应连接
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	sub      substrate.Substrate
	dir      *directory.Table[*endpoint]
	ports    map[uint16]directory.Handle // 显式绑定的端口
	nextPort uint16
	closed   bool

	timers *timer.Manager
	log    *logger.Logger
}

// NewManager 在sub上注册cfg.LocalAddr并开始分发入站段
func NewManager(sub substrate.Substrate, cfg Config) (*Manager, error) {
	if !cfg.LocalAddr.IsValid() {
		return nil, errors.New("local address required")
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultBacklog
	}
	if cfg.EphemeralMin == 0 {
		cfg.EphemeralMin = DefaultEphemeralMin
	}
	if cfg.EphemeralMax < cfg.EphemeralMin {
		cfg.EphemeralMax = DefaultEphemeralMax
	}
	if cfg.Options.Logger == nil {
		cfg.Options.Logger = logger.Default()
	}

	m := &Manager{
		cfg:      cfg,
		sub:      sub,
		dir:      directory.New[*endpoint](nil),
		ports:    make(map[uint16]directory.Handle),
		nextPort: cfg.EphemeralMin,
		timers:   timer.NewManager(),
		log:      cfg.Options.Logger.Named("socket").With(logger.Stringer("addr", cfg.LocalAddr)),
	}
	if err := sub.Attach(cfg.LocalAddr, m.dispatch); err != nil {
		return nil, errors.WithMessage(err, "attach local address")
	}
	if cfg.StatsInterval > 0 {
		if err := m.timers.Every(statsTaskID, cfg.StatsInterval, m.logStats); err != nil {
			m.log.Warn("stats task not started", logger.Err(err))
		}
	}
	return m, nil
}

// Socket 创建未绑定的套接字
func (m *Manager) Socket() (*Sock, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	ep := newEndpoint()
	h, err := m.dir.Insert(ep)
	if err != nil {
		return nil, err
	}
	ep.handle = h
	return &Sock{m: m, h: h}, nil
}

// LocalAddr 管理器的本地虚拟地址
func (m *Manager) LocalAddr() netip.Addr {
	return m.cfg.LocalAddr
}

// Connections 返回全部已登记连接的四元组
func (m *Manager) Connections() []api.FourTuple {
	var out []api.FourTuple
	m.dir.Range(func(_ directory.Handle, ep *endpoint) bool {
		if conn := ep.connection(); conn != nil {
			out = append(out, conn.Tuple())
		}
		return true
	})
	return out
}

// Stats 目录统计
func (m *Manager) Stats() directory.Stats {
	return m.dir.Stats()
}

// Close 关闭全部套接字并从分组通道注销
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.timers.StopAll()
	m.sub.Detach(m.cfg.LocalAddr)
	for _, h := range m.dir.Handles() {
		(&Sock{m: m, h: h}).Close()
	}
	m.log.Info("socket manager closed")
	return nil
}

// dispatch 分组通道回调：按四元组路由，新SYN交给对应的监听者
func (m *Manager) dispatch(seg *segment.Segment, tuple api.FourTuple) {
	if _, ep, ok := m.dir.Lookup(tuple); ok {
		if conn := ep.connection(); conn != nil {
			if err := conn.HandleSegment(seg); err != nil {
				m.log.Debug("segment rejected",
					logger.Stringer("conn", tuple),
					logger.Stringer("segment", seg),
					logger.Err(err))
			}
		}
		return
	}

	if !seg.IsSYN() || seg.IsACK() {
		m.log.Debug("segment for unknown connection dropped",
			logger.Stringer("conn", tuple),
			logger.Stringer("segment", seg))
		return
	}

	_, listener, ok := m.dir.Listener(tuple.LocalAddr, tuple.LocalPort)
	if !ok {
		m.log.Debug("SYN without listener dropped", logger.Stringer("conn", tuple))
		return
	}
	m.spawn(listener, seg, tuple)
}

// spawn 为监听者收到的SYN创建子连接
func (m *Manager) spawn(listener *endpoint, syn *segment.Segment, tuple api.FourTuple) {
	if !listener.reserve() {
		m.log.Warn("accept backlog full, SYN dropped", logger.Stringer("conn", tuple))
		return
	}

	child := newEndpoint()
	child.parent = listener
	child.local = netip.AddrPortFrom(tuple.LocalAddr, tuple.LocalPort)
	child.remote = netip.AddrPortFrom(tuple.RemoteAddr, tuple.RemotePort)

	h, err := m.dir.Insert(child)
	if err != nil {
		listener.unreserve()
		m.log.Warn("cannot register connection", logger.Stringer("conn", tuple), logger.Err(err))
		return
	}
	child.handle = h
	conn := m.newConnection(child, tuple)
	child.setConn(conn)
	if err := m.dir.Connect(h, tuple); err != nil {
		listener.unreserve()
		m.dir.Remove(h)
		m.log.Warn("cannot register connection", logger.Stringer("conn", tuple), logger.Err(err))
		return
	}

	if err := conn.Listen(); err != nil {
		listener.unreserve()
		m.dir.Remove(h)
		m.log.Error("listen on new connection failed", logger.Err(err))
		return
	}
	if err := conn.HandleSegment(syn); err != nil {
		m.log.Debug("SYN rejected", logger.Stringer("conn", tuple), logger.Err(err))
	}
}

// newConnection 构造挂接了管理器回调的连接
func (m *Manager) newConnection(ep *endpoint, tuple api.FourTuple) *stream.Connection {
	opts := m.cfg.Options
	user := opts.Callbacks
	opts.Callbacks = api.Callbacks{
		OnEvent: stream.ChainEvents(user.OnEvent, ep.onEvent),
		OnStateChange: func(t api.FourTuple, from, to api.State) {
			if user.OnStateChange != nil {
				user.OnStateChange(t, from, to)
			}
			m.onStateChange(ep, from, to)
		},
	}
	return stream.NewConnection(tuple, m.sub, opts)
}

func (m *Manager) onStateChange(ep *endpoint, from, to api.State) {
	switch to {
	case api.StateEstablished:
		ep.markEstablished()
		if ep.parent != nil {
			ep.parent.enqueue(ep)
		}
	case api.StateClosed:
		if ep.parent != nil && !ep.isEstablished() {
			ep.parent.unreserve()
		}
		ep.markDone()
		m.dir.Remove(ep.handle)
		m.releasePort(ep)
		m.log.Debug("connection closed", logger.Stringer("from", from), logger.Uint64("handle", uint64(ep.handle)))
	}
}

// bind 为套接字绑定本地端口，port为0时分配临时端口
func (m *Manager) bind(ep *endpoint, port uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if local := ep.localAddr(); local.IsValid() {
		return errors.WithMessagef(ErrAlreadyBound, "%s", local)
	}
	if port == 0 {
		p, err := m.ephemeralPort()
		if err != nil {
			return err
		}
		port = p
	} else if m.portTaken(port) {
		return errors.WithMessagef(ErrPortInUse, "port %d", port)
	}

	m.ports[port] = ep.handle
	ep.setLocal(netip.AddrPortFrom(m.cfg.LocalAddr, port))
	return nil
}

// ephemeralPort 调用时必须持有m.mu
func (m *Manager) ephemeralPort() (uint16, error) {
	span := int(m.cfg.EphemeralMax) - int(m.cfg.EphemeralMin) + 1
	for i := 0; i < span; i++ {
		p := m.nextPort
		if m.nextPort == m.cfg.EphemeralMax {
			m.nextPort = m.cfg.EphemeralMin
		} else {
			m.nextPort++
		}
		if !m.portTaken(p) {
			return p, nil
		}
	}
	return 0, ErrNoPorts
}

func (m *Manager) portTaken(port uint16) bool {
	if _, ok := m.ports[port]; ok {
		return true
	}
	return m.dir.PortInUse(m.cfg.LocalAddr, port)
}

func (m *Manager) releasePort(ep *endpoint) {
	local := ep.localAddr()
	if !local.IsValid() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ports[local.Port()] == ep.handle {
		delete(m.ports, local.Port())
	}
}

func (m *Manager) logStats() {
	s := m.dir.Stats()
	m.log.Info("socket statistics",
		logger.Int("sockets", s.Size),
		logger.Int("listeners", s.Listeners),
		logger.Uint64("lookupHits", s.Hits),
		logger.Uint64("lookupMisses", s.Misses),
		logger.Uint64("removed", s.Removed))

	m.dir.Range(func(_ directory.Handle, ep *endpoint) bool {
		conn := ep.connection()
		if conn == nil {
			return true
		}
		st := conn.Statistics()
		m.log.Info("connection statistics",
			logger.Stringer("conn", conn.Tuple()),
			logger.Stringer("state", conn.State()),
			logger.Uint64("bytesSent", st.BytesSent),
			logger.Uint64("bytesReceived", st.BytesReceived),
			logger.Uint64("retransmissions", st.Retransmissions),
			logger.Duration("srtt", st.SmoothedRTT),
			logger.Duration("rto", st.RTO))
		return true
	})
}
