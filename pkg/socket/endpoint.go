package socket

import (
	"net/netip"
	"sync"

	"github.com/junbin-yang/rtstream/api"
	"github.com/junbin-yang/rtstream/pkg/transport/directory"
	"github.com/junbin-yang/rtstream/pkg/transport/stream"
)

// endpoint 目录中一个套接字的状态
type endpoint struct {
	mu sync.Mutex

	handle directory.Handle
	local  netip.AddrPort
	remote netip.AddrPort
	conn   *stream.Connection

	// 监听者
	listening bool
	backlog   int
	pending   int            // 握手中的子连接数
	accept    chan *endpoint // 已建立、等待Accept的子连接
	parent    *endpoint      // 由监听者派生时指向监听者

	established chan struct{}
	estOnce     sync.Once
	done        chan struct{} // 连接关闭或套接字关闭
	doneOnce    sync.Once

	readable chan struct{} // 有新数据到达
	writable chan struct{} // 有ACK释放了窗口
}

func newEndpoint() *endpoint {
	return &endpoint{
		established: make(chan struct{}),
		done:        make(chan struct{}),
		readable:    make(chan struct{}, 1),
		writable:    make(chan struct{}, 1),
	}
}

func (ep *endpoint) connection() *stream.Connection {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.conn
}

func (ep *endpoint) setConn(c *stream.Connection) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.conn = c
}

func (ep *endpoint) localAddr() netip.AddrPort {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.local
}

func (ep *endpoint) setLocal(a netip.AddrPort) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.local = a
}

func (ep *endpoint) remoteAddr() netip.AddrPort {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.remote
}

func (ep *endpoint) markEstablished() {
	ep.estOnce.Do(func() { close(ep.established) })
}

func (ep *endpoint) isEstablished() bool {
	select {
	case <-ep.established:
		return true
	default:
		return false
	}
}

func (ep *endpoint) markDone() {
	ep.doneOnce.Do(func() { close(ep.done) })
}

// startListening 切换为监听者，backlog决定握手中与待接受连接的总数上限
func (ep *endpoint) startListening(backlog int) bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.listening || ep.conn != nil {
		return false
	}
	ep.listening = true
	ep.backlog = backlog
	ep.accept = make(chan *endpoint, backlog)
	return true
}

func (ep *endpoint) isListening() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.listening
}

// reserve 为新的握手占用一个队列位置
func (ep *endpoint) reserve() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if !ep.listening || ep.pending+len(ep.accept) >= ep.backlog {
		return false
	}
	ep.pending++
	return true
}

func (ep *endpoint) unreserve() {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.pending > 0 {
		ep.pending--
	}
}

// enqueue 子连接握手完成，移入待接受队列
func (ep *endpoint) enqueue(child *endpoint) {
	ep.mu.Lock()
	if ep.pending > 0 {
		ep.pending--
	}
	ok := ep.listening
	if ok {
		select {
		case ep.accept <- child:
		default:
			ok = false
		}
	}
	ep.mu.Unlock()

	if !ok {
		if conn := child.connection(); conn != nil {
			conn.Close()
		}
	}
}

// stopListening 关闭监听并返回尚未被接受的子连接
func (ep *endpoint) stopListening() []*endpoint {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if !ep.listening {
		return nil
	}
	ep.listening = false
	var orphans []*endpoint
	for {
		select {
		case child := <-ep.accept:
			orphans = append(orphans, child)
		default:
			return orphans
		}
	}
}

// onEvent 把数据到达与窗口释放转换为读写唤醒信号
func (ep *endpoint) onEvent(ev api.Event) {
	switch ev.Type {
	case api.EventDataReceived:
		signal(ep.readable)
	case api.EventAckReceived:
		signal(ep.writable)
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
