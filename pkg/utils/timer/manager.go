package timer

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// task 管理器中的一个周期任务
type task struct {
	id       string        // 任务唯一标识
	interval time.Duration // 触发间隔
	callback func()        // 触发时执行的回调
	ticker   *time.Ticker  // 底层时钟
	stopChan chan struct{} // 停止信号
	once     sync.Once     // 保证只关闭一次stopChan
}

func (t *task) stop() {
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.stopChan)
	})
}

// Manager 按ID管理一组周期任务（如统计上报）
type Manager struct {
	mu     sync.RWMutex
	tasks  map[string]*task
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager 创建一个新的任务管理器
func NewManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		tasks:  make(map[string]*task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Every 创建并启动一个周期任务，ID重复时返回错误
func (m *Manager) Every(id string, interval time.Duration, callback func()) error {
	if interval <= 0 {
		return fmt.Errorf("timer %s: interval must be positive", id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return fmt.Errorf("timer manager stopped")
	}
	if _, exists := m.tasks[id]; exists {
		return fmt.Errorf("timer %s already exists", id)
	}

	t := &task{
		id:       id,
		interval: interval,
		callback: callback,
		ticker:   time.NewTicker(interval),
		stopChan: make(chan struct{}),
	}
	m.tasks[id] = t
	go m.run(t)
	return nil
}

// Remove 停止并移除指定ID的任务
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.tasks[id]
	if !exists {
		return fmt.Errorf("timer %s not found", id)
	}
	t.stop()
	delete(m.tasks, id)
	return nil
}

// StopAll 停止所有任务并终止管理器
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, t := range m.tasks {
		t.stop()
		delete(m.tasks, id)
	}
	m.cancel()
}

// Count 返回当前活跃任务数量
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

func (m *Manager) run(t *task) {
	for {
		select {
		case <-t.ticker.C:
			t.callback()
		case <-t.stopChan:
			return
		case <-m.ctx.Done():
			return
		}
	}
}
