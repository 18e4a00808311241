// internal/chat/debounce.go
package chat

import (
	"sync"
	"time"
)

// Debouncer 显式持有定时器的去抖对象。
// Arm 启动或重置计时窗口，窗口结束时调用 fire；
// Cancel 撤销尚未触发的计时；Flush 跳过剩余窗口立即触发。
// 世代计数保证 Cancel 之后已过期的定时器回调不再生效。
type Debouncer struct {
	mutex  sync.Mutex
	window time.Duration
	timer  *time.Timer
	gen    uint64
	fire   func()
}

// NewDebouncer 创建去抖器
func NewDebouncer(window time.Duration, fire func()) *Debouncer {
	return &Debouncer{
		window: window,
		fire:   fire,
	}
}

// Arm 启动或重置计时窗口
func (d *Debouncer) Arm() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}

	d.gen++
	gen := d.gen

	d.timer = time.AfterFunc(d.window, func() {
		d.mutex.Lock()
		if gen != d.gen {
			// 已被 Cancel 或重新 Arm，放弃本次触发
			d.mutex.Unlock()
			return
		}
		d.timer = nil
		d.mutex.Unlock()

		d.fire()
	})
}

// Cancel 撤销尚未触发的计时
func (d *Debouncer) Cancel() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Flush 撤销计时并立即触发
func (d *Debouncer) Flush() {
	d.mutex.Lock()
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mutex.Unlock()

	d.fire()
}

// Pending 返回是否有计时中的窗口
func (d *Debouncer) Pending() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.timer != nil
}
