// 提供定时器功能：可重置的一次性定时器(用于重传)与周期任务管理器
package timer

import (
	"sync"
	"time"
)

// Timer 可重复装填的一次性定时器
// 每次Start都会取消尚未触发的旧定时并分配新的代号(generation)，
// 回调收到触发时的代号，可通过Current判断自己是否已经过期。
type Timer struct {
	mu      sync.Mutex
	t       *time.Timer       // 底层定时器（未装填时为nil）
	gen     uint64            // 当前装填代号，每次Start/Stop递增
	armed   bool              // 是否处于装填状态
	expires time.Time         // 当前装填的到期时间
	fire    func(gen uint64)  // 触发回调，在独立协程中执行
}

// New 创建定时器，fire在定时器自己的协程中被调用
func New(fire func(gen uint64)) *Timer {
	return &Timer{fire: fire}
}

// Start 以d为超时重新装填定时器，返回本次装填的代号
func (t *Timer) Start(d time.Duration) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.t != nil {
		t.t.Stop()
	}
	t.gen++
	gen := t.gen
	t.armed = true
	t.expires = time.Now().Add(d)
	t.t = time.AfterFunc(d, func() {
		t.mu.Lock()
		live := t.armed && t.gen == gen
		if live {
			t.armed = false
		}
		t.mu.Unlock()
		if live {
			t.fire(gen)
		}
	})
	return gen
}

// Stop 取消尚未触发的定时，返回调用前是否处于装填状态
// 已经开始执行的回调不会被打断，但其代号随之失效。
func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasArmed := t.armed
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.gen++
	t.armed = false
	return wasArmed
}

// Pending 返回定时器是否处于装填且未触发状态
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// Current 判断gen是否为最近一次装填的代号
func (t *Timer) Current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen == gen
}

// Generation 返回当前代号
func (t *Timer) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// Remaining 返回距到期的剩余时间，未装填时返回0
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		return 0
	}
	if d := time.Until(t.expires); d > 0 {
		return d
	}
	return 0
}
