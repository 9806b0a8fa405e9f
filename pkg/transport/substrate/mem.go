package substrate

import (
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/junbin-yang/rtstream/pkg/transport/segment"
	"github.com/junbin-yang/rtstream/pkg/utils/logger"
	"github.com/pkg/errors"
)

const defaultQueueLen = 1024

// MemOptions 内存网络的故障注入参数，概率取值[0, 1]
type MemOptions struct {
	Loss      float64       // 丢包概率
	Duplicate float64       // 重复概率
	Corrupt   float64       // 翻转一个字节的概率（由校验和检出并丢弃）
	Delay     time.Duration // 固定时延
	Jitter    time.Duration // 随机附加时延上限，不为0时会产生乱序
	Seed      int64         // 随机种子，0表示使用当前时间
	QueueLen  int           // 投递队列长度，队列满时丢包
}

// MemStats 内存网络统计
type MemStats struct {
	Sent       uint64
	Delivered  uint64
	Lost       uint64 // 随机丢弃与队列溢出
	Duplicated uint64
	Corrupted  uint64 // 校验失败被丢弃
	Unroutable uint64 // 目的地址未注册
}

type packet struct {
	src, dst netip.Addr
	data     []byte
}

// MemNetwork 进程内分组网络
// 所有段都经过报文编解码，在单独的投递协程中异步交付。
type MemNetwork struct {
	mu     sync.Mutex
	opts   MemOptions
	rng    *rand.Rand
	hosts  map[netip.Addr]Handler
	stats  MemStats
	closed bool

	queue chan packet
	done  chan struct{}
	wg    sync.WaitGroup
	log   *logger.Logger
}

// NewMemNetwork 创建并启动内存网络
func NewMemNetwork(opts MemOptions) *MemNetwork {
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if opts.QueueLen <= 0 {
		opts.QueueLen = defaultQueueLen
	}
	n := &MemNetwork{
		opts:  opts,
		rng:   rand.New(rand.NewSource(opts.Seed)),
		hosts: make(map[netip.Addr]Handler),
		queue: make(chan packet, opts.QueueLen),
		done:  make(chan struct{}),
		log:   logger.Default().Named("memnet"),
	}
	n.wg.Add(1)
	go n.deliverLoop()
	return n
}

func (n *MemNetwork) Attach(addr netip.Addr, h Handler) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}
	if _, ok := n.hosts[addr]; ok {
		return errors.Wrap(ErrAddrInUse, addr.String())
	}
	n.hosts[addr] = h
	return nil
}

func (n *MemNetwork) Detach(addr netip.Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.hosts, addr)
}

// Transmit 编码段并按故障注入参数投递，丢包不返回错误
func (n *MemNetwork) Transmit(seg *segment.Segment, srcAddr netip.Addr, srcPort uint16, dstAddr netip.Addr, dstPort uint16) error {
	data, err := segment.Encode(seg, srcPort, dstPort)
	if err != nil {
		return err
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	n.stats.Sent++
	if n.roll(n.opts.Loss) {
		n.stats.Lost++
		n.mu.Unlock()
		return nil
	}
	copies := 1
	if n.roll(n.opts.Duplicate) {
		n.stats.Duplicated++
		copies++
	}
	delays := make([]time.Duration, copies)
	for i := range delays {
		delays[i] = n.opts.Delay
		if n.opts.Jitter > 0 {
			delays[i] += time.Duration(n.rng.Int63n(int64(n.opts.Jitter)))
		}
	}
	if n.roll(n.opts.Corrupt) {
		data[n.rng.Intn(len(data))] ^= 0xff
	}
	n.mu.Unlock()

	for _, d := range delays {
		p := packet{src: srcAddr, dst: dstAddr, data: data}
		if d <= 0 {
			n.enqueue(p)
			continue
		}
		time.AfterFunc(d, func() { n.enqueue(p) })
	}
	return nil
}

// Stats 返回统计快照
func (n *MemNetwork) Stats() MemStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// SetLoss 运行中调整丢包率
func (n *MemNetwork) SetLoss(p float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opts.Loss = p
}

// Close 停止投递，尚未交付的段被丢弃
func (n *MemNetwork) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.hosts = make(map[netip.Addr]Handler)
	n.mu.Unlock()

	close(n.done)
	n.wg.Wait()
	return nil
}

// roll 调用时必须持有n.mu
func (n *MemNetwork) roll(p float64) bool {
	return p > 0 && n.rng.Float64() < p
}

// enqueue 非阻塞入队，队列满视为丢包
func (n *MemNetwork) enqueue(p packet) {
	select {
	case <-n.done:
	case n.queue <- p:
	default:
		n.mu.Lock()
		n.stats.Lost++
		n.mu.Unlock()
	}
}

func (n *MemNetwork) deliverLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			return
		case p := <-n.queue:
			n.deliver(p)
		}
	}
}

func (n *MemNetwork) deliver(p packet) {
	seg, hdr, err := segment.Decode(p.data)
	if err != nil {
		n.mu.Lock()
		n.stats.Corrupted++
		n.mu.Unlock()
		n.log.Debug("drop undecodable packet", logger.Err(err))
		return
	}

	n.mu.Lock()
	h, ok := n.hosts[p.dst]
	if ok {
		n.stats.Delivered++
	} else {
		n.stats.Unroutable++
	}
	n.mu.Unlock()

	if !ok {
		n.log.Debug("no host attached", logger.Stringer("dst", p.dst))
		return
	}
	h(seg, inboundTuple(p.src, p.dst, hdr))
}
