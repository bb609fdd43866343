package utils

import (
	"sync"
	"time"
)

// Debouncer 按 key 合并高频提交：静默 delay 后只执行最后一次提交的函数
type Debouncer struct {
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*debounced
	stopped bool
}

type debounced struct {
	timer *time.Timer
	fn    func()
}

func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{
		delay:   delay,
		pending: make(map[string]*debounced),
	}
}

// Submit 替换 key 上待执行的函数并重新计时
func (d *Debouncer) Submit(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if prev, ok := d.pending[key]; ok {
		prev.timer.Stop()
	}
	entry := &debounced{fn: fn}
	entry.timer = time.AfterFunc(d.delay, func() { d.fire(key, entry) })
	d.pending[key] = entry
}

func (d *Debouncer) fire(key string, entry *debounced) {
	d.mu.Lock()
	if d.pending[key] != entry {
		// superseded or flushed
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()
	entry.fn()
}

// Flush 立即执行 key 上待执行的函数，返回是否有待执行项
func (d *Debouncer) Flush(key string) bool {
	d.mu.Lock()
	entry, ok := d.pending[key]
	if ok {
		entry.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		entry.fn()
	}
	return ok
}

// FlushAll 立即执行全部待执行项
func (d *Debouncer) FlushAll() {
	d.mu.Lock()
	keys := make([]string, 0, len(d.pending))
	for k := range d.pending {
		keys = append(keys, k)
	}
	d.mu.Unlock()
	for _, k := range keys {
		d.Flush(k)
	}
}

func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// Stop 丢弃全部待执行项，之后的 Submit 被忽略
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for k, entry := range d.pending {
		entry.timer.Stop()
		delete(d.pending, k)
	}
}
