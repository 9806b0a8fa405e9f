// 连接目录：以不透明句柄索引端点对象，并按四元组与监听地址查找
// 连接层本身不依赖目录，目录只服务于上层的分发与套接字管理。
package directory

import (
	"net/netip"
	"sync"

	"github.com/junbin-yang/rtstream/api"
	"github.com/junbin-yang/rtstream/pkg/utils/logger"
	"github.com/pkg/errors"
)

// Handle 目录条目的不透明句柄，0为无效值
type Handle uint64

const InvalidHandle Handle = 0

const DefaultMaxEntries = 4096

var (
	ErrNotFound    = errors.New("handle not found")
	ErrTupleInUse  = errors.New("four-tuple already registered")
	ErrListenInUse = errors.New("listen address already registered")
	ErrFull        = errors.New("directory full")
)

type entry[T any] struct {
	value     T
	tuple     api.FourTuple
	connected bool          // tuple是否已登记
	listen    netip.AddrPort // 监听地址，无效值表示未监听
}

// Config 目录参数
type Config[T any] struct {
	MaxEntries int
	OnRemove   func(h Handle, v T) // 条目移除后回调，在锁外调用
}

// Stats 目录统计
type Stats struct {
	Size      int
	Listeners int
	Hits      uint64 // 四元组/监听查找命中
	Misses    uint64
	Removed   uint64
}

// Table 句柄竞技场
// 句柄单调递增且不复用，已移除句柄上的操作总是返回ErrNotFound。
type Table[T any] struct {
	mu sync.RWMutex

	next      Handle
	entries   map[Handle]*entry[T]
	byTuple   map[api.FourTuple]Handle
	listeners map[netip.AddrPort]Handle

	maxEntries int
	onRemove   func(Handle, T)

	hits, misses, removed uint64

	log *logger.Logger
}

// New 创建目录，cfg为空时使用默认参数
func New[T any](cfg *Config[T]) *Table[T] {
	if cfg == nil {
		cfg = &Config[T]{}
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	return &Table[T]{
		entries:    make(map[Handle]*entry[T]),
		byTuple:    make(map[api.FourTuple]Handle),
		listeners:  make(map[netip.AddrPort]Handle),
		maxEntries: cfg.MaxEntries,
		onRemove:   cfg.OnRemove,
		log:        logger.Default().Named("directory"),
	}
}

// Insert 分配新句柄
func (t *Table[T]) Insert(v T) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) >= t.maxEntries {
		return InvalidHandle, errors.Wrapf(ErrFull, "%d entries", len(t.entries))
	}
	t.next++
	h := t.next
	t.entries[h] = &entry[T]{value: v}
	return h, nil
}

// Get 按句柄取值
func (t *Table[T]) Get(h Handle) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[h]
	if !ok {
		var zero T
		return zero, false
	}
	return e.value, true
}

// Connect 为句柄登记四元组，一个句柄只能登记一次
func (t *Table[T]) Connect(h Handle, tuple api.FourTuple) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[h]
	if !ok {
		return errors.Wrapf(ErrNotFound, "handle %d", h)
	}
	if owner, ok := t.byTuple[tuple]; ok && owner != h {
		return errors.Wrap(ErrTupleInUse, tuple.String())
	}
	if e.connected {
		delete(t.byTuple, e.tuple)
	}
	e.tuple = tuple
	e.connected = true
	t.byTuple[tuple] = h
	return nil
}

// Lookup 按四元组查找已连接的条目
func (t *Table[T]) Lookup(tuple api.FourTuple) (Handle, T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.byTuple[tuple]
	if !ok {
		t.misses++
		var zero T
		return InvalidHandle, zero, false
	}
	t.hits++
	return h, t.entries[h].value, true
}

// Listen 将句柄登记为addr:port上的监听者；addr为未指定地址时匹配所有本地地址
func (t *Table[T]) Listen(h Handle, addr netip.Addr, port uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[h]
	if !ok {
		return errors.Wrapf(ErrNotFound, "handle %d", h)
	}
	key := netip.AddrPortFrom(addr, port)
	if owner, ok := t.listeners[key]; ok && owner != h {
		return errors.Wrap(ErrListenInUse, key.String())
	}
	if e.listen.IsValid() {
		delete(t.listeners, e.listen)
	}
	e.listen = key
	t.listeners[key] = h
	return nil
}

// Listener 查找addr:port上的监听者，精确地址优先于通配地址
func (t *Table[T]) Listener(addr netip.Addr, port uint16) (Handle, T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.listeners[netip.AddrPortFrom(addr, port)]
	if !ok {
		h, ok = t.listeners[netip.AddrPortFrom(wildcard(addr), port)]
	}
	if !ok {
		t.misses++
		var zero T
		return InvalidHandle, zero, false
	}
	t.hits++
	return h, t.entries[h].value, true
}

// PortInUse 判断本地端口是否已被监听或连接占用
func (t *Table[T]) PortInUse(addr netip.Addr, port uint16) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, ok := t.listeners[netip.AddrPortFrom(addr, port)]; ok {
		return true
	}
	if _, ok := t.listeners[netip.AddrPortFrom(wildcard(addr), port)]; ok {
		return true
	}
	for tuple := range t.byTuple {
		if tuple.LocalPort == port && tuple.LocalAddr == addr {
			return true
		}
	}
	return false
}

// Remove 移除句柄及其全部索引
func (t *Table[T]) Remove(h Handle) bool {
	t.mu.Lock()
	e, ok := t.entries[h]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if e.connected && t.byTuple[e.tuple] == h {
		delete(t.byTuple, e.tuple)
	}
	if e.listen.IsValid() && t.listeners[e.listen] == h {
		delete(t.listeners, e.listen)
	}
	delete(t.entries, h)
	t.removed++
	onRemove := t.onRemove
	t.mu.Unlock()

	t.log.Debug("entry removed", logger.Uint64("handle", uint64(h)))
	if onRemove != nil {
		onRemove(h, e.value)
	}
	return true
}

// Range 遍历全部条目，fn返回false时停止；遍历期间不能修改目录
func (t *Table[T]) Range(fn func(h Handle, v T) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for h, e := range t.entries {
		if !fn(h, e.value) {
			return
		}
	}
}

// Handles 返回全部句柄的快照
func (t *Table[T]) Handles() []Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Handle, 0, len(t.entries))
	for h := range t.entries {
		out = append(out, h)
	}
	return out
}

func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *Table[T]) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return Stats{
		Size:      len(t.entries),
		Listeners: len(t.listeners),
		Hits:      t.hits,
		Misses:    t.misses,
		Removed:   t.removed,
	}
}

// wildcard 返回与addr同族的未指定地址
func wildcard(addr netip.Addr) netip.Addr {
	if addr.Is4() {
		return netip.IPv4Unspecified()
	}
	return netip.IPv6Unspecified()
}
