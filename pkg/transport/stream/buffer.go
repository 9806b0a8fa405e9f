package stream

import (
	"sync"
)

// 默认缓冲区容量 256KiB
const DefaultBufferSize = 256 * 1024

// RingBuffer 固定容量的环形字节缓冲区
// 写入要么整体成功要么整体失败，读取从不阻塞；内部加锁，可被多个协程并发使用。
type RingBuffer struct {
	mu sync.Mutex

	data     []byte // 存储数据
	head     int    // 读指针
	tail     int    // 写指针
	size     int    // 当前数据量
	isClosed bool   // 是否已释放
}

// NewRingBuffer 创建容量为capacity的环形缓冲区
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &RingBuffer{data: make([]byte, capacity)}
}

// Write 追加全部数据；空间不足时不写入任何字节并返回ErrBufferFull
func (rb *RingBuffer) Write(p []byte) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.isClosed {
		return ErrConnectionClosed
	}
	if len(p) > len(rb.data)-rb.size {
		return ErrBufferFull
	}

	n := copy(rb.data[rb.tail:], p)
	if n < len(p) {
		copy(rb.data, p[n:])
	}
	rb.tail = (rb.tail + len(p)) % len(rb.data)
	rb.size += len(p)
	return nil
}

// Read 读取最多max字节，缓冲区为空时返回长度为0的结果
func (rb *RingBuffer) Read(max int) []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := rb.peek(max)
	rb.discard(len(out))
	return out
}

// Peek 查看最多max字节而不移除
func (rb *RingBuffer) Peek(max int) []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.peek(max)
}

// Discard 丢弃最多n字节，返回实际丢弃的字节数
func (rb *RingBuffer) Discard(n int) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.discard(n)
}

func (rb *RingBuffer) peek(max int) []byte {
	if rb.isClosed || max <= 0 || rb.size == 0 {
		return []byte{}
	}
	if max > rb.size {
		max = rb.size
	}

	out := make([]byte, max)
	n := copy(out, rb.data[rb.head:])
	if n < max {
		copy(out[n:], rb.data)
	}
	return out
}

func (rb *RingBuffer) discard(n int) int {
	if n <= 0 {
		return 0
	}
	if n > rb.size {
		n = rb.size
	}
	rb.head = (rb.head + n) % len(rb.data)
	rb.size -= n
	return n
}

// Available 返回剩余可写字节数
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.data) - rb.size
}

// Used 返回当前数据字节数
func (rb *RingBuffer) Used() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

func (rb *RingBuffer) Capacity() int {
	return len(rb.data)
}

func (rb *RingBuffer) IsFull() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size == len(rb.data)
}

func (rb *RingBuffer) IsEmpty() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size == 0
}

// Clear 清空缓冲区
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.head = 0
	rb.tail = 0
	rb.size = 0
}

// Close 释放缓冲区，之后写入失败、读取为空
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.isClosed = true
	rb.head = 0
	rb.tail = 0
	rb.size = 0
}

func (rb *RingBuffer) IsClosed() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.isClosed
}
